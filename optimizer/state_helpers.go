package optimizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tsawler/hailmary/checkpoints"
	"github.com/tsawler/hailmary/tensor"
)

// buffers holds one per-parameter state slice (a moment, a running
// average) for every parameter, allocated lazily on first use.
type buffers struct {
	name string
	data [][]float64
}

func newBuffers(name string, params []*tensor.Tensor) *buffers {
	return &buffers{name: name, data: make([][]float64, len(params))}
}

func (b *buffers) get(i, size int) []float64 {
	if b.data[i] == nil {
		b.data[i] = make([]float64, size)
	}
	return b.data[i]
}

// extract snapshots the allocated buffers as "<name>_<index>" tensors.
func (b *buffers) extract() []checkpoints.OptimizerTensor {
	var out []checkpoints.OptimizerTensor
	for i, d := range b.data {
		if d == nil {
			continue
		}
		out = append(out, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("%s_%d", b.name, i),
			Shape:     []int{len(d)},
			Data:      append([]float64(nil), d...),
			StateType: b.name,
		})
	}
	return out
}

// restore loads every tensor of this buffer's state type.
func (b *buffers) restore(state []checkpoints.OptimizerTensor, params []*tensor.Tensor) error {
	for i := range b.data {
		b.data[i] = nil
	}
	for _, t := range state {
		if t.StateType != b.name {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(params) {
			return fmt.Errorf("%s: buffer index out of range for %d parameters", t.Name, len(params))
		}
		if len(t.Data) != params[idx].NumElems {
			return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
				t.Name, params[idx].NumElems, len(t.Data))
		}
		b.data[idx] = append([]float64(nil), t.Data...)
	}
	return nil
}

// extractBufferIndex extracts the buffer index from state tensor names like "m_0", "square_avg_1"
func extractBufferIndex(name string) int {
	i := strings.LastIndex(name, "_")
	if i < 0 {
		return -1
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return -1
	}
	return idx
}

// extractFloatParam safely extracts a float parameter from the state map
func extractFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	if val, ok := params[key].(float64); ok {
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	if val, ok := params[key].(float64); ok {
		return uint64(val)
	}
	return defaultValue
}

// trainable yields the parameters that have a gradient to apply.
func trainable(params []*tensor.Tensor, fn func(i int, p, g *tensor.Tensor)) {
	for i, p := range params {
		if !p.RequiresGrad() || p.Grad() == nil {
			continue
		}
		fn(i, p, p.Grad())
	}
}
