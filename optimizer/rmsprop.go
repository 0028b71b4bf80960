package optimizer

import (
	"math"
	"sync"

	"github.com/tsawler/hailmary/tensor"
)

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64 // Smoothing constant (typically 0.99)
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64 // 0 disables the momentum buffer
	Centered     bool    // Subtract the running mean of gradients
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// RMSProp implements the RMSProp optimizer
type RMSProp struct {
	config     RMSPropConfig
	parameters []*tensor.Tensor
	stepCount  uint64
	squareAvg  *buffers
	gradAvg    *buffers
	momentum   *buffers
	mutex      sync.RWMutex
}

// NewRMSProp creates a new RMSProp optimizer
func NewRMSProp(config RMSPropConfig, parameters []*tensor.Tensor) *RMSProp {
	return &RMSProp{
		config:     config,
		parameters: parameters,
		squareAvg:  newBuffers("square_avg", parameters),
		gradAvg:    newBuffers("grad_avg", parameters),
		momentum:   newBuffers("momentum", parameters),
	}
}

// Step performs a single optimization step
func (r *RMSProp) Step() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.stepCount++
	cfg := r.config

	trainable(r.parameters, func(i int, param, grad *tensor.Tensor) {
		sq := r.squareAvg.get(i, param.NumElems)
		var avg, buf []float64
		if cfg.Centered {
			avg = r.gradAvg.get(i, param.NumElems)
		}
		if cfg.Momentum > 0 {
			buf = r.momentum.get(i, param.NumElems)
		}

		for j, g := range grad.Data {
			if cfg.WeightDecay > 0 {
				g += cfg.WeightDecay * param.Data[j]
			}
			sq[j] = cfg.Alpha*sq[j] + (1-cfg.Alpha)*g*g
			denom := sq[j]
			if cfg.Centered {
				avg[j] = cfg.Alpha*avg[j] + (1-cfg.Alpha)*g
				denom -= avg[j] * avg[j]
			}
			update := g / (math.Sqrt(math.Max(denom, 0)) + cfg.Epsilon)
			if cfg.Momentum > 0 {
				buf[j] = cfg.Momentum*buf[j] + update
				update = buf[j]
			}
			param.Data[j] -= cfg.LearningRate * update
		}
	})
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (r *RMSProp) ZeroGrad() {
	tensor.ZeroGrad(r.parameters)
}

func (r *RMSProp) GetLR() float64 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.config.LearningRate
}

func (r *RMSProp) SetLR(lr float64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.config.LearningRate = lr
}

func (r *RMSProp) GetStepCount() uint64 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.stepCount
}

func (r *RMSProp) Parameters() []*tensor.Tensor {
	return r.parameters
}

// GetState extracts optimizer state for checkpointing
func (r *RMSProp) GetState() (*OptimizerState, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	state := &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"learning_rate": r.config.LearningRate,
			"alpha":         r.config.Alpha,
			"epsilon":       r.config.Epsilon,
			"weight_decay":  r.config.WeightDecay,
			"momentum":      r.config.Momentum,
			"centered":      r.config.Centered,
			"step_count":    float64(r.stepCount),
		},
	}
	state.StateData = append(state.StateData, r.squareAvg.extract()...)
	state.StateData = append(state.StateData, r.gradAvg.extract()...)
	state.StateData = append(state.StateData, r.momentum.extract()...)
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (r *RMSProp) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.config.LearningRate = extractFloatParam(state.Parameters, "learning_rate", r.config.LearningRate)
	r.config.Alpha = extractFloatParam(state.Parameters, "alpha", r.config.Alpha)
	r.config.Epsilon = extractFloatParam(state.Parameters, "epsilon", r.config.Epsilon)
	r.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", r.config.WeightDecay)
	r.config.Momentum = extractFloatParam(state.Parameters, "momentum", r.config.Momentum)
	r.config.Centered = extractBoolParam(state.Parameters, "centered", r.config.Centered)
	r.stepCount = extractUint64Param(state.Parameters, "step_count", 0)

	for _, b := range []*buffers{r.squareAvg, r.gradAvg, r.momentum} {
		if err := b.restore(state.StateData, r.parameters); err != nil {
			return err
		}
	}
	return nil
}
