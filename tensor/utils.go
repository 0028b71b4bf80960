package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Clone returns a deep copy of t as a new leaf that keeps t's
// requires-grad flag but none of its graph history.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape:        copyShape(t.Shape),
		Strides:      calculateStrides(t.Shape),
		Data:         copyData(t.Data),
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad && t.creator == nil,
	}
}

// Item returns the value of a one-element tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() can only be called on tensors with exactly one element, got %d elements", t.NumElems)
	}
	return t.Data[0], nil
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) (float64, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("number of indices (%d) must match tensor dimensions (%d)", len(indices), len(t.Shape))
	}
	flat := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d (size %d)", idx, i, t.Shape[i])
		}
		flat += idx * t.Strides[i]
	}
	return t.Data[flat], nil
}

// SetData overwrites t's values in place. Used by optimizers and checkpoint
// loading on parameters, never on tensors inside a live graph.
func (t *Tensor) SetData(data []float64) error {
	if len(data) != t.NumElems {
		return fmt.Errorf("data length %d does not match tensor size %d", len(data), t.NumElems)
	}
	copy(t.Data, data)
	return nil
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// AllClose reports whether a and b have equal shapes and every pair of
// elements differs by at most tol.
func AllClose(a, b *Tensor, tol float64) bool {
	if !shapesEqual(a.Shape, b.Shape) {
		return false
	}
	for i := range a.Data {
		if math.Abs(a.Data[i]-b.Data[i]) > tol {
			return false
		}
	}
	return true
}

// HasNaN reports whether any element is NaN or infinite.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// PrintData formats up to maxElements values for debugging.
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Tensor%v [", t.Shape))
	n := t.NumElems
	if maxElements > 0 && n > maxElements {
		n = maxElements
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", t.Data[i]))
	}
	if n < t.NumElems {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}
