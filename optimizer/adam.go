package optimizer

import (
	"math"
	"sync"

	"github.com/tsawler/hailmary/tensor"
)

// AdamConfig holds configuration for the Adam family of optimizers
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements Adam and, when rectified, RAdam (Liu et al., 2019).
type Adam struct {
	config     AdamConfig
	rectified  bool
	parameters []*tensor.Tensor
	stepCount  uint64
	m          *buffers // First moment estimates
	v          *buffers // Second moment estimates
	mutex      sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(config AdamConfig, parameters []*tensor.Tensor) *Adam {
	return &Adam{
		config:     config,
		parameters: parameters,
		m:          newBuffers("m", parameters),
		v:          newBuffers("v", parameters),
	}
}

// NewRAdam creates an Adam optimizer with variance rectification.
func NewRAdam(config AdamConfig, parameters []*tensor.Tensor) *Adam {
	adam := NewAdam(config, parameters)
	adam.rectified = true
	return adam
}

func (adam *Adam) typeName() string {
	if adam.rectified {
		return "RAdam"
	}
	return "Adam"
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.stepCount++
	cfg := adam.config
	t := float64(adam.stepCount)

	// Bias correction factors
	bias1 := 1.0 - math.Pow(cfg.Beta1, t)
	bias2 := 1.0 - math.Pow(cfg.Beta2, t)

	// Variance rectification term; adaptive updates are skipped while the
	// approximated SMA length is too short.
	adaptive := true
	rect := 1.0
	if adam.rectified {
		rhoInf := 2/(1-cfg.Beta2) - 1
		rho := rhoInf - 2*t*math.Pow(cfg.Beta2, t)/bias2
		if rho > 5 {
			rect = math.Sqrt((rho - 4) * (rho - 2) * rhoInf / ((rhoInf - 4) * (rhoInf - 2) * rho))
		} else {
			adaptive = false
		}
	}

	trainable(adam.parameters, func(i int, param, grad *tensor.Tensor) {
		m := adam.m.get(i, param.NumElems)
		v := adam.v.get(i, param.NumElems)
		for j, g := range grad.Data {
			if cfg.WeightDecay > 0 {
				g += cfg.WeightDecay * param.Data[j]
			}
			m[j] = cfg.Beta1*m[j] + (1-cfg.Beta1)*g
			v[j] = cfg.Beta2*v[j] + (1-cfg.Beta2)*g*g

			mHat := m[j] / bias1
			if !adaptive {
				param.Data[j] -= cfg.LearningRate * mHat
				continue
			}
			vHat := v[j] / bias2
			param.Data[j] -= cfg.LearningRate * rect * mHat / (math.Sqrt(vHat) + cfg.Epsilon)
		}
	})

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.config.LearningRate
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.config.LearningRate = lr
}

func (adam *Adam) GetStepCount() uint64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.stepCount
}

func (adam *Adam) Parameters() []*tensor.Tensor {
	return adam.parameters
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*OptimizerState, error) {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()

	state := &OptimizerState{
		Type: adam.typeName(),
		Parameters: map[string]interface{}{
			"learning_rate": adam.config.LearningRate,
			"beta1":         adam.config.Beta1,
			"beta2":         adam.config.Beta2,
			"epsilon":       adam.config.Epsilon,
			"weight_decay":  adam.config.WeightDecay,
			"step_count":    float64(adam.stepCount),
		},
	}
	state.StateData = append(state.StateData, adam.m.extract()...)
	state.StateData = append(state.StateData, adam.v.extract()...)
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *OptimizerState) error {
	if err := validateStateType(adam.typeName(), state); err != nil {
		return err
	}

	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.config.LearningRate = extractFloatParam(state.Parameters, "learning_rate", adam.config.LearningRate)
	adam.config.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.config.Beta1)
	adam.config.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.config.Beta2)
	adam.config.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.config.Epsilon)
	adam.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adam.config.WeightDecay)
	adam.stepCount = extractUint64Param(state.Parameters, "step_count", 0)

	if err := adam.m.restore(state.StateData, adam.parameters); err != nil {
		return err
	}
	return adam.v.restore(state.StateData, adam.parameters)
}
