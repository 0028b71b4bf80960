package rendering

import (
	"math"
	"testing"

	"github.com/tsawler/hailmary/config"
	"github.com/tsawler/hailmary/tensor"
)

func TestNormalsFromPlaneFaceTheCamera(t *testing.T) {
	p := NewPhong(config.DefaultPhongConfig())
	depth, _ := tensor.Full([]int{2, 1, 5, 6}, 2.5)

	normals, err := p.NormalsFromDepth(depth)
	if err != nil {
		t.Fatalf("NormalsFromDepth: %v", err)
	}
	if !tensor.ShapesEqual(normals.Shape, []int{2, 3, 5, 6}) {
		t.Fatalf("normals shape = %v", normals.Shape)
	}
	plane := 30
	for b := 0; b < 2; b++ {
		for i := 0; i < plane; i++ {
			x := normals.Data[(b*3)*plane+i]
			y := normals.Data[(b*3+1)*plane+i]
			z := normals.Data[(b*3+2)*plane+i]
			if math.Abs(x) > 1e-6 || math.Abs(y) > 1e-6 || math.Abs(z+1) > 1e-6 {
				t.Fatalf("pixel %d normal = (%g, %g, %g), want (0, 0, -1)", i, x, y, z)
			}
		}
	}
}

func TestRenderHeadOnPixel(t *testing.T) {
	cfg := config.DefaultPhongConfig()
	p := NewPhong(cfg)
	depth := tensor.MustNew([]int{1, 1, 1, 1}, []float64{1})
	normals := tensor.MustNew([]int{1, 3, 1, 1}, []float64{0, 0, -1})

	img, err := p.Render(depth, normals)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	// Light at the camera, surface facing it at distance 1: every term is 1
	// and the falloff halves the sum.
	intensity := (cfg.Ambient + cfg.Diffuse + cfg.Specular) / (1 + cfg.Attenuation)
	for c := 0; c < 3; c++ {
		want := intensity * cfg.Material[c]
		if math.Abs(img.Data[c]-want) > 1e-6 {
			t.Errorf("channel %d = %g, want %g", c, img.Data[c], want)
		}
	}
}

func TestRenderIsDifferentiable(t *testing.T) {
	p := NewPhong(config.DefaultPhongConfig())
	depth, _ := tensor.Full([]int{1, 1, 4, 4}, 1.5)
	depth.Data[5] = 1.2
	depth.SetRequiresGrad(true)

	normals, err := p.NormalsFromDepth(depth)
	if err != nil {
		t.Fatalf("NormalsFromDepth: %v", err)
	}
	img, err := p.Render(depth, normals)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !tensor.ShapesEqual(img.Shape, []int{1, 3, 4, 4}) {
		t.Fatalf("image shape = %v", img.Shape)
	}
	loss, err := tensor.Sum(img)
	if err != nil {
		t.Fatal(err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	g := depth.Grad()
	if g == nil || g.HasNaN() {
		t.Fatal("depth received no usable gradient")
	}
	nonZero := false
	for _, v := range g.Data {
		if v != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		t.Error("depth gradient is all zeros")
	}
}

func TestRenderRejectsBadShapes(t *testing.T) {
	p := NewPhong(config.DefaultPhongConfig())
	if _, err := p.Render(tensor.MustNew([]int{1, 2, 2, 2}, nil), tensor.MustNew([]int{1, 3, 2, 2}, nil)); err == nil {
		t.Error("expected an error for two-channel depth")
	}
	if _, err := p.Render(tensor.MustNew([]int{1, 1, 2, 2}, nil), tensor.MustNew([]int{1, 1, 2, 2}, nil)); err == nil {
		t.Error("expected an error for one-channel normals")
	}
}
