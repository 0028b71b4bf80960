package optimizer

import (
	"math"
	"testing"
)

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(2, 0.1)
	baseLR := 0.1

	tests := []struct {
		step       int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.01},
		{3, 0.01},
		{4, 0.001},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.step, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Step %d: expected LR %f, got %f", tt.step, tt.expectedLR, lr)
		}
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.9, 1)
	baseLR := 0.1

	tests := []struct {
		step       int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.09},
		{2, 0.081},
		{3, 0.0729},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.step, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Step %d: expected LR %f, got %f", tt.step, tt.expectedLR, lr)
		}
	}
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(4, 0)
	baseLR := 0.01

	if lr := scheduler.GetLR(0, baseLR); math.Abs(lr-baseLR) > 1e-12 {
		t.Errorf("Expected base LR at step 0, got %f", lr)
	}
	if lr := scheduler.GetLR(2, baseLR); math.Abs(lr-0.005) > 1e-12 {
		t.Errorf("Expected half LR at TMax/2, got %f", lr)
	}
	if lr := scheduler.GetLR(10, baseLR); lr != 0 {
		t.Errorf("Expected EtaMin after TMax, got %f", lr)
	}
}

func TestReduceLROnPlateauScheduler(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.5, 2, 0, "min")
	metrics := []float64{1.0, 0.9, 0.95, 0.95, 0.8}
	reduced := []bool{false, false, false, true, false}

	for i, m := range metrics {
		if got := scheduler.Observe(m); got != reduced[i] {
			t.Errorf("Observation %d: expected reduced=%t, got %t", i, reduced[i], got)
		}
	}
	if lr := scheduler.GetLR(0, 1.0); lr != 0.5 {
		t.Errorf("Expected LR 0.5 after one reduction, got %f", lr)
	}
}

func TestNewScheduler(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"", "ConstantLR", false},
		{"step", "StepLR", false},
		{"cosine", "CosineAnnealingLR", false},
		{"plateau", "ReduceLROnPlateau", false},
		{"warmup", "", true},
	}

	for _, tt := range tests {
		s, err := NewScheduler(SchedulerConfig{Name: tt.name})
		if (err != nil) != tt.wantErr {
			t.Errorf("NewScheduler(%q) error = %v", tt.name, err)
			continue
		}
		if err == nil && s.GetName() != tt.want {
			t.Errorf("NewScheduler(%q) = %s, want %s", tt.name, s.GetName(), tt.want)
		}
	}
}
