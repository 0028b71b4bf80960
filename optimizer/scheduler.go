package optimizer

import (
	"fmt"
	"math"
	"strings"
)

// LRScheduler maps a training step to a learning rate.
// Schedulers are pure functions of the step, except ReduceLROnPlateau which
// also reacts to validation metrics.
type LRScheduler interface {
	// GetLR returns the learning rate for the given step
	GetLR(step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every StepSize steps
type StepLRScheduler struct {
	StepSize int     // Steps between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 1000
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(step int, baseLR float64) float64 {
	times := step / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate by Gamma every Interval steps
type ExponentialLRScheduler struct {
	Gamma    float64
	Interval int
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64, interval int) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	if interval <= 0 {
		interval = 1
	}
	return &ExponentialLRScheduler{
		Gamma:    gamma,
		Interval: interval,
	}
}

func (s *ExponentialLRScheduler) GetLR(step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(step)/float64(s.Interval))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Steps to reach EtaMin
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 10000
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(step int, baseLR float64) float64 {
	if step >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(step)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Evaluations with no improvement before reducing
	Threshold float64 // Threshold for measuring the new optimum
	Mode      string  // One of "min" or "max"

	bestMetric  float64
	badEvals    int
	scale       float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}

	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
		scale:     1,
	}
}

// Observe records a validation metric and reports whether the learning
// rate was reduced.
func (s *ReduceLROnPlateauScheduler) Observe(metric float64) bool {
	if !s.initialized {
		s.bestMetric = metric
		s.initialized = true
		return false
	}

	var improved bool
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEvals = 0
		return false
	}
	s.badEvals++
	if s.badEvals >= s.Patience {
		s.scale *= s.Factor
		s.badEvals = 0
		return true
	}
	return false
}

func (s *ReduceLROnPlateauScheduler) GetLR(step int, baseLR float64) float64 {
	return baseLR * s.scale
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// SchedulerConfig selects and parameterises a scheduler.
type SchedulerConfig struct {
	Name     string  `json:"name" yaml:"name"` // constant, step, exponential, cosine, plateau
	StepSize int     `json:"step_size,omitempty" yaml:"step_size,omitempty"`
	Gamma    float64 `json:"gamma,omitempty" yaml:"gamma,omitempty"`
	TMax     int     `json:"t_max,omitempty" yaml:"t_max,omitempty"`
	EtaMin   float64 `json:"eta_min,omitempty" yaml:"eta_min,omitempty"`
	Patience int     `json:"patience,omitempty" yaml:"patience,omitempty"`
}

// NewScheduler builds the scheduler described by cfg.
func NewScheduler(cfg SchedulerConfig) (LRScheduler, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "constant":
		return &NoOpScheduler{}, nil
	case "step":
		return NewStepLRScheduler(cfg.StepSize, cfg.Gamma), nil
	case "exponential":
		return NewExponentialLRScheduler(cfg.Gamma, cfg.StepSize), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(cfg.TMax, cfg.EtaMin), nil
	case "plateau":
		return NewReduceLROnPlateauScheduler(cfg.Gamma, cfg.Patience, 1e-4, "min"), nil
	default:
		return nil, fmt.Errorf("unknown learning rate scheduler %q", cfg.Name)
	}
}
