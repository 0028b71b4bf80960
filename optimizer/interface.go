package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/hailmary/checkpoints"
	"github.com/tsawler/hailmary/tensor"
)

// Optimizer updates a fixed list of parameter tensors from their
// accumulated gradients. Implementations support state save/restore for
// checkpointing.
type Optimizer interface {
	// Step performs a single optimization step using the gradients
	// currently accumulated on the parameters.
	Step() error

	// ZeroGrad clears the gradients of every parameter.
	ZeroGrad()

	GetLR() float64
	SetLR(lr float64)

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// Parameters returns the tensors this optimizer updates.
	Parameters() []*tensor.Tensor
}

// OptimizerState represents the complete state of an optimizer
// Compatible with checkpoints.OptimizerState for serialization
type OptimizerState = checkpoints.OptimizerState

// New builds an optimizer by name with default hyperparameters apart from
// the learning rate. Names are case-insensitive: adam, radam, rmsprop, sgd.
func New(name string, params []*tensor.Tensor, lr float64) (Optimizer, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", lr)
	}
	switch strings.ToLower(name) {
	case "adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdam(cfg, params), nil
	case "radam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewRAdam(cfg, params), nil
	case "rmsprop":
		cfg := DefaultRMSPropConfig()
		cfg.LearningRate = lr
		return NewRMSProp(cfg, params), nil
	case "sgd":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = lr
		return NewSGD(cfg, params), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
