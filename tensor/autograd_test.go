package tensor

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
)

// checkGradient compares the analytic gradient of sum(w * f(x)) against a
// central finite difference.
func checkGradient(t *testing.T, name string, shape []int, f func(*Tensor) (*Tensor, error)) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	x, _ := RandomUniform(shape, -1, 1, rng)
	x.SetRequiresGrad(true)

	y, err := f(x)
	if err != nil {
		t.Fatalf("%s forward failed: %v", name, err)
	}
	w, _ := RandomUniform(y.Shape, -1, 1, rng)

	objective := func(in *Tensor) (*Tensor, error) {
		out, err := f(in)
		if err != nil {
			return nil, err
		}
		weighted, err := Mul(out, w)
		if err != nil {
			return nil, err
		}
		return Sum(weighted)
	}

	loss, err := objective(x)
	if err != nil {
		t.Fatalf("%s objective failed: %v", name, err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("%s backward failed: %v", name, err)
	}

	numeric := fd.Gradient(nil, func(v []float64) float64 {
		at := MustNew(shape, copyData(v))
		var out float64
		_ = NoGrad(func() error {
			l, err := objective(at)
			if err != nil {
				t.Fatalf("%s numeric objective failed: %v", name, err)
			}
			out = l.Data[0]
			return nil
		})
		return out
	}, copyData(x.Data), &fd.Settings{Formula: fd.Central, Step: 1e-6})

	for i := range numeric {
		if math.Abs(numeric[i]-x.Grad().Data[i]) > 1e-4 {
			t.Fatalf("%s: gradient mismatch at %d: analytic %.6f, numeric %.6f",
				name, i, x.Grad().Data[i], numeric[i])
		}
	}
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	bias := MustNew([]int{1, 3, 1, 1}, []float64{0.5, -0.25, 1})
	weight := MustNew([]int{2, 3, 3, 3}, nil)
	rng := rand.New(rand.NewSource(3))
	for i := range weight.Data {
		weight.Data[i] = rng.NormFloat64()
	}
	positive := func(f func(*Tensor) (*Tensor, error)) func(*Tensor) (*Tensor, error) {
		return func(x *Tensor) (*Tensor, error) {
			sq, err := Square(x)
			if err != nil {
				return nil, err
			}
			shifted, err := AddScalar(sq, 0.5)
			if err != nil {
				return nil, err
			}
			return f(shifted)
		}
	}

	cases := []struct {
		name  string
		shape []int
		f     func(*Tensor) (*Tensor, error)
	}{
		{"AddBroadcast", []int{2, 3, 2, 2}, func(x *Tensor) (*Tensor, error) { return Add(x, bias) }},
		{"MulSelf", []int{4}, func(x *Tensor) (*Tensor, error) { return Mul(x, x) }},
		{"DivBroadcast", []int{2, 3, 2, 2}, func(x *Tensor) (*Tensor, error) { return Div(x, bias) }},
		{"Sigmoid", []int{5}, Sigmoid},
		{"Tanh", []int{5}, Tanh},
		{"Softplus", []int{5}, Softplus},
		{"Exp", []int{5}, Exp},
		{"Log", []int{5}, positive(Log)},
		{"Sqrt", []int{5}, positive(Sqrt)},
		{"PowInt", []int{5}, func(x *Tensor) (*Tensor, error) { return PowInt(x, 3) }},
		{"LeakyReLU", []int{6}, func(x *Tensor) (*Tensor, error) { return LeakyReLU(x, 0.2) }},
		{"Mean", []int{2, 3}, Mean},
		{"SumPerSample", []int{3, 2, 2}, SumPerSample},
		{"MatMul", []int{3, 4}, func(x *Tensor) (*Tensor, error) {
			return MatMul(x, MustNew([]int{4, 2}, []float64{1, 2, 3, 4, 5, 6, 7, 8}))
		}},
		{"Transpose", []int{2, 3}, Transpose},
		{"Reshape", []int{2, 6}, func(x *Tensor) (*Tensor, error) { return Reshape(x, []int{3, -1}) }},
		{"Conv2D", []int{2, 3, 4, 4}, func(x *Tensor) (*Tensor, error) { return Conv2D(x, weight) }},
		{"BatchNorm2D", []int{2, 3, 2, 2}, func(x *Tensor) (*Tensor, error) {
			out, _, _, err := BatchNorm2D(x, MustNew([]int{3}, []float64{1, 2, 0.5}), MustNew([]int{3}, nil), 1e-5)
			return out, err
		}},
		{"AvgPool2", []int{1, 2, 5, 4}, AvgPool2},
		{"Upsample2", []int{1, 2, 2, 3}, Upsample2},
		{"ShiftH", []int{1, 1, 4, 3}, func(x *Tensor) (*Tensor, error) { return ShiftH(x, 1) }},
		{"ShiftW", []int{1, 1, 3, 4}, func(x *Tensor) (*Tensor, error) { return ShiftW(x, -1) }},
		{"GlobalAvgPool", []int{2, 3, 2, 2}, GlobalAvgPool},
		{"SumChannels", []int{2, 3, 2, 2}, SumChannels},
		{"SelectChannel", []int{2, 3, 2, 2}, func(x *Tensor) (*Tensor, error) { return SelectChannel(x, 2) }},
		{"SliceBatch", []int{4, 2}, func(x *Tensor) (*Tensor, error) { return SliceBatch(x, 1, 3) }},
		{"ConcatChannels", []int{1, 2, 2, 2}, func(x *Tensor) (*Tensor, error) { return ConcatChannels(x, x) }},
		{"ConcatBatch", []int{2, 3}, func(x *Tensor) (*Tensor, error) { return ConcatBatch(x, x) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checkGradient(t, tc.name, tc.shape, tc.f)
		})
	}
}

func TestBackwardAccumulatesIntoLeaves(t *testing.T) {
	x := FromScalar(3)
	x.SetRequiresGrad(true)

	for i := 0; i < 2; i++ {
		y, err := Scale(x, 2)
		if err != nil {
			t.Fatalf("Scale failed: %v", err)
		}
		if err := y.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
	}

	if got := x.Grad().Data[0]; got != 4 {
		t.Errorf("Expected accumulated gradient 4, got %f", got)
	}

	ZeroGrad([]*Tensor{x})
	if x.Grad() != nil {
		t.Error("ZeroGrad should clear the gradient")
	}
}

func TestFrozenTensorPassesGradientThrough(t *testing.T) {
	x := FromScalar(2)
	x.SetRequiresGrad(true)
	frozen := FromScalar(5)

	y, _ := Mul(x, frozen)
	z, _ := Square(y)
	if err := z.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// dz/dx = 2 * (x*f) * f = 100
	if got := x.Grad().Data[0]; got != 100 {
		t.Errorf("Expected gradient 100, got %f", got)
	}
	if frozen.Grad() != nil {
		t.Error("Frozen tensor should not receive a gradient")
	}
}

func TestNoGradDisablesRecording(t *testing.T) {
	x := FromScalar(1)
	x.SetRequiresGrad(true)

	var y *Tensor
	err := NoGrad(func() error {
		if GradEnabled() {
			t.Error("GradEnabled should be false inside NoGrad")
		}
		var err error
		y, err = Scale(x, 3)
		return err
	})
	if err != nil {
		t.Fatalf("NoGrad returned error: %v", err)
	}
	if y.RequiresGrad() || !y.IsLeaf() {
		t.Error("Result computed under NoGrad should be a leaf without gradients")
	}
	if !GradEnabled() {
		t.Error("GradEnabled should be restored after NoGrad")
	}
	if err := y.Backward(); err == nil {
		t.Error("Backward on a non-differentiable tensor should fail")
	}
}

func TestGradLeavesAccumulatedGradientsUntouched(t *testing.T) {
	x := MustNew([]int{2}, []float64{1, 2})
	x.SetRequiresGrad(true)
	unused := MustNew([]int{3}, nil)

	sq, _ := Square(x)
	s, _ := Sum(sq)
	grads, err := Grad(s, x, unused)
	if err != nil {
		t.Fatalf("Grad failed: %v", err)
	}

	if !AllClose(grads[0], MustNew([]int{2}, []float64{2, 4}), 1e-12) {
		t.Errorf("Unexpected input gradient %v", grads[0].Data)
	}
	if !AllClose(grads[1], ZerosLike(unused), 0) {
		t.Error("Gradient for an unrelated input should be zero")
	}
	if x.Grad() != nil {
		t.Error("Grad must not accumulate into leaves")
	}
}

func TestDetachCutsHistory(t *testing.T) {
	x := FromScalar(2)
	x.SetRequiresGrad(true)
	y, _ := Square(x)
	d := y.Detach()
	if d.RequiresGrad() || !d.IsLeaf() {
		t.Error("Detached tensor should be a leaf without gradients")
	}
	if d.Data[0] != 4 {
		t.Errorf("Detached tensor should keep value 4, got %f", d.Data[0])
	}
}
