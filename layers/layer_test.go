package layers

import (
	"math"
	"strings"
	"testing"

	"github.com/tsawler/hailmary/config"
	"github.com/tsawler/hailmary/tensor"
)

func filled(shape []int, f func(i int) float64) *tensor.Tensor {
	t := tensor.MustNew(shape, nil)
	for i := range t.Data {
		t.Data[i] = f(i)
	}
	return t
}

func TestLinearForward(t *testing.T) {
	SetRandomSeed(7)
	l, err := NewLinear(4, 3, true)
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	out, err := l.Forward(filled([]int{2, 4}, func(i int) float64 { return float64(i) }))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !tensor.ShapesEqual(out.Shape, []int{2, 3}) {
		t.Errorf("output shape = %v, want [2 3]", out.Shape)
	}
	if len(l.Parameters()) != 2 {
		t.Errorf("expected weight and bias, got %d parameters", len(l.Parameters()))
	}
	if _, err := l.Forward(tensor.MustNew([]int{2, 5}, nil)); err == nil {
		t.Error("expected an error for the wrong input size")
	}
}

func TestLazyLinearInitialisesOnFirstForward(t *testing.T) {
	l := NewLazyLinear(1, true)
	if l.Initialized() || len(l.Parameters()) != 0 {
		t.Fatal("lazy layer must have no parameters before the first forward pass")
	}
	out, err := l.Forward(tensor.MustNew([]int{3, 10}, nil))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !tensor.ShapesEqual(out.Shape, []int{3, 1}) {
		t.Errorf("output shape = %v, want [3 1]", out.Shape)
	}
	params := l.Parameters()
	if len(params) != 2 || !tensor.ShapesEqual(params[0].Shape, []int{10, 1}) {
		t.Errorf("unexpected parameters after init: %v", params)
	}
}

func TestConv2DKeepsSpatialSize(t *testing.T) {
	c, err := NewConv2D(3, 5, 3, true)
	if err != nil {
		t.Fatalf("NewConv2D: %v", err)
	}
	out, err := c.Forward(tensor.MustNew([]int{2, 3, 6, 6}, nil))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !tensor.ShapesEqual(out.Shape, []int{2, 5, 6, 6}) {
		t.Errorf("output shape = %v, want [2 5 6 6]", out.Shape)
	}
	if _, err := NewConv2D(3, 5, 2, true); err == nil {
		t.Error("expected an error for an even kernel")
	}
}

func TestBatchNormRunningStatistics(t *testing.T) {
	bn := NewBatchNorm2D(2, 1e-5, 0.5)
	x := filled([]int{2, 2, 2, 2}, func(i int) float64 { return float64(i%4) + 10*float64((i/4)%2) })

	out, err := bn.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	// Channel 0 has values 0..3, channel 1 has 10..13.
	if math.Abs(bn.runningMean.Data[0]-0.75) > 1e-9 || math.Abs(bn.runningMean.Data[1]-5.75) > 1e-9 {
		t.Errorf("running mean = %v, want [0.75 5.75]", bn.runningMean.Data)
	}
	mean := 0.0
	for i := 0; i < 4; i++ {
		mean += out.Data[i] + out.Data[8+i]
	}
	if math.Abs(mean/8) > 1e-9 {
		t.Errorf("normalised channel 0 mean = %g, want 0", mean/8)
	}

	bn.Freeze()
	before := append([]float64(nil), bn.runningMean.Data...)
	if _, err := bn.Forward(x); err != nil {
		t.Fatalf("Forward after freeze: %v", err)
	}
	for i := range before {
		if bn.runningMean.Data[i] != before[i] {
			t.Fatalf("frozen batch norm updated its running mean: %v -> %v", before, bn.runningMean.Data)
		}
	}
}

func TestBatchNormEvalUsesRunningStatistics(t *testing.T) {
	bn := NewBatchNorm2D(1, 1e-5, 0.1)
	bn.Eval()
	x := filled([]int{1, 1, 2, 2}, func(i int) float64 { return float64(i) })
	out, err := bn.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	// Fresh running stats are mean 0 and variance 1.
	for i, v := range out.Data {
		if math.Abs(v-x.Data[i]/math.Sqrt(1+1e-5)) > 1e-9 {
			t.Fatalf("out[%d] = %g, want %g", i, v, x.Data[i])
		}
	}
}

func TestEncoderDecoderShapes(t *testing.T) {
	cfg := config.EncoderConfig{Channels: []int{4, 8, 8}, KernelSize: 3}
	enc, err := NewEncoder(3, cfg)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := NewDecoder(cfg)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	feats, err := enc.Encode(filled([]int{2, 3, 8, 8}, func(i int) float64 { return math.Sin(float64(i)) }))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := [][]int{{2, 4, 8, 8}, {2, 8, 4, 4}, {2, 8, 2, 2}}
	for i, f := range feats {
		if !tensor.ShapesEqual(f.Shape, want[i]) {
			t.Errorf("stage %d shape = %v, want %v", i, f.Shape, want[i])
		}
	}

	depth, normals, err := dec.Decode(feats)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !tensor.ShapesEqual(depth.Shape, []int{2, 1, 8, 8}) || !tensor.ShapesEqual(normals.Shape, []int{2, 3, 8, 8}) {
		t.Fatalf("decoded shapes = %v, %v", depth.Shape, normals.Shape)
	}
	for _, v := range depth.Data {
		if v <= 0 {
			t.Fatalf("depth must be positive, got %g", v)
		}
	}
	hw := 64
	for b := 0; b < 2; b++ {
		for p := 0; p < hw; p++ {
			sum := 0.0
			for c := 0; c < 3; c++ {
				v := normals.Data[(b*3+c)*hw+p]
				sum += v * v
			}
			if math.Abs(sum-1) > 1e-4 {
				t.Fatalf("normal at sample %d pixel %d has squared length %g", b, p, sum)
			}
		}
	}
}

func TestDiscriminatorScoresPerSample(t *testing.T) {
	d, err := NewDiscriminator(config.DefaultDiscriminatorConfig(3))
	if err != nil {
		t.Fatalf("NewDiscriminator: %v", err)
	}
	before := len(d.Parameters())
	out, err := d.Forward(tensor.MustNew([]int{3, 3, 8, 8}, nil))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !tensor.ShapesEqual(out.Shape, []int{3, 1}) {
		t.Errorf("score shape = %v, want [3 1]", out.Shape)
	}
	if len(d.Parameters()) != before+2 {
		t.Errorf("dense layer parameters not registered: %d -> %d", before, len(d.Parameters()))
	}
	if _, err := d.Forward(tensor.MustNew([]int{1, 1, 8, 8}, nil)); err == nil {
		t.Error("expected an error for the wrong channel count")
	}
}

func TestFactoryGeneratorStartsFromBaseline(t *testing.T) {
	cfg := config.DefaultGANConfig()
	cfg.Encoder = config.EncoderConfig{Channels: []int{4, 8}, KernelSize: 3}
	var f Factory

	baseline, _, err := f.NewDepthModel(cfg)
	if err != nil {
		t.Fatalf("NewDepthModel: %v", err)
	}
	gen, err := f.NewGenerator(cfg, baseline)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	bp, gp := baseline.Parameters(), gen.Parameters()
	for i := range bp {
		if !tensor.AllClose(bp[i], gp[i], 0) {
			t.Fatalf("parameter %d differs from the baseline", i)
		}
		if bp[i] == gp[i] {
			t.Fatalf("parameter %d is shared with the baseline", i)
		}
	}

	head, err := f.NewHead(cfg.FeatureLevelDiscriminator, 8)
	if err != nil {
		t.Fatalf("NewHead: %v", err)
	}
	if _, err := head.Forward(tensor.MustNew([]int{1, 8, 4, 4}, nil)); err != nil {
		t.Errorf("feature head rejected its stage width: %v", err)
	}
}

func TestTextureGeneratorOutputsColor(t *testing.T) {
	g, err := NewTextureGenerator(config.TextureNetworkConfig{Channels: []int{4}, KernelSize: 3})
	if err != nil {
		t.Fatalf("NewTextureGenerator: %v", err)
	}
	color, err := g.Generate(tensor.MustNew([]int{2, 1, 4, 4}, nil), tensor.MustNew([]int{2, 3, 4, 4}, nil))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !tensor.ShapesEqual(color.Shape, []int{2, 3, 4, 4}) {
		t.Errorf("color shape = %v, want [2 3 4 4]", color.Shape)
	}
}

func TestFreezeBatchNormReachesNestedLayers(t *testing.T) {
	enc, err := NewEncoder(3, config.EncoderConfig{Channels: []int{2, 2}, KernelSize: 1})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	enc.FreezeBatchNorm()
	count := 0
	Apply(enc, func(m Module) {
		if bn, ok := m.(*BatchNorm2D); ok {
			count++
			if !bn.Frozen() {
				t.Error("batch norm layer left unfrozen")
			}
		}
	})
	if count != 2 {
		t.Errorf("found %d batch norm layers, want 2", count)
	}
	if got := len(enc.Buffers()); got != 4 {
		t.Errorf("buffers = %d, want 4", got)
	}
}

func TestSummaryListsLeaves(t *testing.T) {
	s := NewSequential(NewFlatten(), NewSigmoid())
	sum := Summary(s)
	if !strings.Contains(sum, "Flatten") || !strings.Contains(sum, "Sigmoid") {
		t.Errorf("summary missing layers:\n%s", sum)
	}
}
