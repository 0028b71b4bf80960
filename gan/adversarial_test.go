package gan

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/hailmary/tensor"
)

// linearHead scores a sample as sum(w * x) + b.
type linearHead struct {
	w, b     *tensor.Tensor
	training bool
}

func newLinearHead(shape []int, w, b float64) *linearHead {
	weight, _ := tensor.Full(append([]int{1}, shape...), w)
	weight.SetRequiresGrad(true)
	bias := tensor.FromScalar(b)
	bias.SetRequiresGrad(true)
	return &linearHead{w: weight, b: bias}
}

func (h *linearHead) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	prod, err := tensor.Mul(x, h.w)
	if err != nil {
		return nil, err
	}
	s, err := tensor.SumPerSample(prod)
	if err != nil {
		return nil, err
	}
	if s, err = tensor.Reshape(s, []int{x.Shape[0], 1}); err != nil {
		return nil, err
	}
	return tensor.Add(s, h.b)
}

func (h *linearHead) Parameters() []*tensor.Tensor { return []*tensor.Tensor{h.w, h.b} }
func (h *linearHead) Train()                       { h.training = true }
func (h *linearHead) Eval()                        { h.training = false }

func item(t *testing.T, x *tensor.Tensor) float64 {
	t.Helper()
	v, err := x.Item()
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	return v
}

func TestDiscriminatorLosses(t *testing.T) {
	x, _ := tensor.RandomUniform([]int{2, 1, 2, 2}, -1, 1, rand.New(rand.NewSource(1)))
	head := newLinearHead([]int{1, 2, 2}, 0, 0)

	tests := []struct {
		name  string
		label float64
		want  float64
	}{
		{"bce", 1, math.Log(2)},
		{"bce", 0, math.Log(2)},
		{"lsgan", 1, 1},
		{"lsgan", 0, 0},
	}
	for _, tt := range tests {
		fn, err := NewDiscriminatorLoss(tt.name, 10)
		if err != nil {
			t.Fatalf("NewDiscriminatorLoss(%q) failed: %v", tt.name, err)
		}
		loss, penalty, err := fn(head, x, tt.label)
		if err != nil {
			t.Fatalf("%s loss failed: %v", tt.name, err)
		}
		if got := item(t, loss); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s(label %v) = %v, want %v", tt.name, tt.label, got, tt.want)
		}
		if item(t, penalty) != 0 {
			t.Errorf("%s must not add a penalty", tt.name)
		}
	}
}

func TestR1PenaltyOnReferenceSamples(t *testing.T) {
	x, _ := tensor.Ones([]int{3, 1, 2, 2})
	// |grad| = |w| = 0.5 * sqrt(4) = 1 per sample.
	head := newLinearHead([]int{1, 2, 2}, 0.5, 0)
	fn, _ := NewDiscriminatorLoss("bce_r1", 4)

	_, penalty, err := fn(head, x, 1)
	if err != nil {
		t.Fatalf("bce_r1 failed: %v", err)
	}
	if got := item(t, penalty); math.Abs(got-2) > 1e-6 {
		t.Errorf("R1 penalty = %v, want gamma/2 * 1 = 2", got)
	}
	_, penalty, _ = fn(head, x, 0)
	if item(t, penalty) != 0 {
		t.Error("R1 penalty applies to reference samples only")
	}
}

func TestWassersteinCriticGradientPenalty(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	generated, _ := tensor.Full([]int{2, 1, 2, 2}, 1)
	original, _ := tensor.Full([]int{3, 1, 2, 2}, 2)

	tests := []struct {
		w           float64
		wantLoss    float64
		wantPenalty float64
	}{
		// |grad| = 2|w|; loss = 4w*1 - 4w*2 = -4w.
		{0.5, -2, 0},
		{1, -4, 10},
	}
	for _, tt := range tests {
		head := newLinearHead([]int{1, 2, 2}, tt.w, 0)
		fn, err := NewCriticLoss("wasserstein", 10, rng)
		if err != nil {
			t.Fatalf("NewCriticLoss failed: %v", err)
		}
		loss, penalty, err := fn(head, generated, original)
		if err != nil {
			t.Fatalf("critic loss failed: %v", err)
		}
		if got := item(t, loss); math.Abs(got-tt.wantLoss) > 1e-9 {
			t.Errorf("w=%v: loss = %v, want %v", tt.w, got, tt.wantLoss)
		}
		if got := item(t, penalty); math.Abs(got-tt.wantPenalty) > 1e-5 {
			t.Errorf("w=%v: penalty = %v, want %v", tt.w, got, tt.wantPenalty)
		}
	}
}

func TestGradientPenaltyReachesHeadParameters(t *testing.T) {
	head := newLinearHead([]int{1, 2, 2}, 1, 0)
	x, _ := tensor.Ones([]int{2, 1, 2, 2})
	norm, err := gradientNorm(head, x)
	if err != nil {
		t.Fatalf("gradientNorm failed: %v", err)
	}
	if x.Grad() != nil {
		t.Error("gradientNorm must not write gradients into its input")
	}
	sum, _ := tensor.Sum(norm)
	if err := sum.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if head.w.Grad() == nil {
		t.Fatal("Expected a gradient on the head weights")
	}
	// d|w|/dw = w/|w| = 0.5 per element, summed over two samples.
	for _, g := range head.w.Grad().Data {
		if math.Abs(g-1) > 1e-5 {
			t.Errorf("weight gradient %v, want 1", g)
		}
	}
}

func TestGeneratorLosses(t *testing.T) {
	x, _ := tensor.Ones([]int{2, 1, 1, 1})
	head := newLinearHead([]int{1, 1, 1}, 3, 0)

	fn, _ := NewGeneratorLoss("wasserstein")
	loss, _, err := fn(head, x)
	if err != nil {
		t.Fatalf("wasserstein generator loss failed: %v", err)
	}
	if got := item(t, loss); got != -3 {
		t.Errorf("wasserstein generator loss = %v, want -3", got)
	}

	fn, _ = NewGeneratorLoss("lsgan")
	loss, _, _ = fn(head, x)
	if got := item(t, loss); got != 4 {
		t.Errorf("lsgan generator loss = %v, want 4", got)
	}
}

func TestUnknownLossNames(t *testing.T) {
	if _, err := NewDiscriminatorLoss("hinge", 0); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewCriticLoss("bce", 0, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewGeneratorLoss("hinge"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestInterpolateUsesSmallerBatch(t *testing.T) {
	a, _ := tensor.Full([]int{3, 1, 2, 2}, 0)
	b, _ := tensor.Full([]int{2, 1, 2, 2}, 1)
	mixed, err := interpolate(a, b, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("interpolate failed: %v", err)
	}
	if mixed.Shape[0] != 2 {
		t.Fatalf("Expected 2 samples, got shape %v", mixed.Shape)
	}
	for i := 0; i < 2; i++ {
		first := mixed.Data[i*4]
		for _, v := range mixed.Data[i*4 : (i+1)*4] {
			if v != first || v < 0 || v > 1 {
				t.Errorf("sample %d is not a single convex mix: %v", i, mixed.Data[i*4:(i+1)*4])
			}
		}
	}
}
