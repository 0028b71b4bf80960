package optimizer

import (
	"sync"

	"github.com/tsawler/hailmary/tensor"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Dampening    float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
	}
}

// SGD implements Stochastic Gradient Descent with optional momentum
type SGD struct {
	config     SGDConfig
	parameters []*tensor.Tensor
	stepCount  uint64
	velocity   *buffers
	mutex      sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(config SGDConfig, parameters []*tensor.Tensor) *SGD {
	return &SGD{
		config:     config,
		parameters: parameters,
		velocity:   newBuffers("velocity", parameters),
	}
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	sgd.stepCount++
	cfg := sgd.config

	trainable(sgd.parameters, func(i int, param, grad *tensor.Tensor) {
		var vel []float64
		if cfg.Momentum > 0 {
			vel = sgd.velocity.get(i, param.NumElems)
		}
		for j, g := range grad.Data {
			if cfg.WeightDecay > 0 {
				g += cfg.WeightDecay * param.Data[j]
			}
			if cfg.Momentum > 0 {
				// velocity = momentum * velocity + (1 - dampening) * grad
				vel[j] = cfg.Momentum*vel[j] + (1-cfg.Dampening)*g
				if cfg.Nesterov {
					g += cfg.Momentum * vel[j]
				} else {
					g = vel[j]
				}
			}
			param.Data[j] -= cfg.LearningRate * g
		}
	})
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.config.LearningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.config.LearningRate = lr
}

func (sgd *SGD) GetStepCount() uint64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.stepCount
}

func (sgd *SGD) Parameters() []*tensor.Tensor {
	return sgd.parameters
}

func (sgd *SGD) GetState() (*OptimizerState, error) {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.config.LearningRate,
			"momentum":      sgd.config.Momentum,
			"weight_decay":  sgd.config.WeightDecay,
			"dampening":     sgd.config.Dampening,
			"nesterov":      sgd.config.Nesterov,
			"step_count":    float64(sgd.stepCount),
		},
		StateData: sgd.velocity.extract(),
	}, nil
}

func (sgd *SGD) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	sgd.config.LearningRate = extractFloatParam(state.Parameters, "learning_rate", sgd.config.LearningRate)
	sgd.config.Momentum = extractFloatParam(state.Parameters, "momentum", sgd.config.Momentum)
	sgd.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.config.WeightDecay)
	sgd.config.Dampening = extractFloatParam(state.Parameters, "dampening", sgd.config.Dampening)
	sgd.config.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.config.Nesterov)
	sgd.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	return sgd.velocity.restore(state.StateData, sgd.parameters)
}
