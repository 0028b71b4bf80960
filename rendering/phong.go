// Package rendering implements the differentiable Phong shading used as a
// cross-modality signal between predicted depth and predicted normals.
package rendering

import (
	"fmt"
	"sync"

	"github.com/tsawler/hailmary/config"
	"github.com/tsawler/hailmary/gan"
	"github.com/tsawler/hailmary/layers"
	"github.com/tsawler/hailmary/tensor"
)

// Phong shades a surface given per-pixel depth and normals with a single
// point light. Depth is distance along the optical axis; normals are in
// camera coordinates and face the camera (negative z).
type Phong struct {
	cfg      config.PhongConfig
	light    *tensor.Tensor // [1,3,1,1]
	material *tensor.Tensor // [1,3,1,1]

	mu   sync.Mutex
	rays map[[2]int]*tensor.Tensor // [1,3,H,W] per image size
}

var _ gan.Renderer = (*Phong)(nil)

// NewPhong creates a renderer. A zero focal length falls back to 1.
func NewPhong(cfg config.PhongConfig) *Phong {
	if cfg.FocalLength <= 0 {
		cfg.FocalLength = 1
	}
	if cfg.Shininess <= 0 {
		cfg.Shininess = 1
	}
	return &Phong{
		cfg:      cfg,
		light:    tensor.MustNew([]int{1, 3, 1, 1}, append([]float64(nil), cfg.LightPosition[:]...)),
		material: tensor.MustNew([]int{1, 3, 1, 1}, append([]float64(nil), cfg.Material[:]...)),
		rays:     make(map[[2]int]*tensor.Tensor),
	}
}

// viewRays returns the un-normalised ray direction ((u-cx)/fx, (v-cy)/fy, 1)
// of every pixel. The result is constant and shared between calls.
func (p *Phong) viewRays(h, w int) *tensor.Tensor {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := [2]int{h, w}
	if r, ok := p.rays[key]; ok {
		return r
	}
	fx := p.cfg.FocalLength * float64(w)
	fy := p.cfg.FocalLength * float64(w)
	cx, cy := float64(w-1)/2, float64(h-1)/2
	r := tensor.MustNew([]int{1, 3, h, w}, nil)
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			r.Data[i] = (float64(x) - cx) / fx
			r.Data[plane+i] = (float64(y) - cy) / fy
			r.Data[2*plane+i] = 1
		}
	}
	p.rays[key] = r
	return r
}

// backProject turns depth [B,1,H,W] into camera-space points [B,3,H,W].
func (p *Phong) backProject(depth *tensor.Tensor) (*tensor.Tensor, error) {
	if len(depth.Shape) != 4 || depth.Shape[1] != 1 {
		return nil, fmt.Errorf("depth must be [B,1,H,W], got shape %v", depth.Shape)
	}
	return tensor.Mul(depth, p.viewRays(depth.Shape[2], depth.Shape[3]))
}

// Render returns the shaded image [B,3,H,W].
func (p *Phong) Render(depth, normals *tensor.Tensor) (*tensor.Tensor, error) {
	if len(normals.Shape) != 4 || normals.Shape[1] != 3 {
		return nil, fmt.Errorf("normals must be [B,3,H,W], got shape %v", normals.Shape)
	}
	points, err := p.backProject(depth)
	if err != nil {
		return nil, err
	}

	toLight, err := tensor.Sub(p.light, points)
	if err != nil {
		return nil, err
	}
	dist2, err := squaredLength(toLight)
	if err != nil {
		return nil, err
	}
	l, err := normalize(toLight)
	if err != nil {
		return nil, err
	}
	view, err := tensor.Neg(points)
	if err != nil {
		return nil, err
	}
	if view, err = normalize(view); err != nil {
		return nil, err
	}

	nl, err := dot(normals, l)
	if err != nil {
		return nil, err
	}
	diffuse, err := tensor.ReLU(nl)
	if err != nil {
		return nil, err
	}

	// r = 2(n.l)n - l
	twoNL, err := tensor.Scale(nl, 2)
	if err != nil {
		return nil, err
	}
	reflected, err := tensor.Mul(twoNL, normals)
	if err != nil {
		return nil, err
	}
	if reflected, err = tensor.Sub(reflected, l); err != nil {
		return nil, err
	}
	rv, err := dot(reflected, view)
	if err != nil {
		return nil, err
	}
	if rv, err = tensor.ReLU(rv); err != nil {
		return nil, err
	}
	specular, err := tensor.PowInt(rv, p.cfg.Shininess)
	if err != nil {
		return nil, err
	}

	if diffuse, err = tensor.Scale(diffuse, p.cfg.Diffuse); err != nil {
		return nil, err
	}
	if specular, err = tensor.Scale(specular, p.cfg.Specular); err != nil {
		return nil, err
	}
	intensity, err := tensor.Add(diffuse, specular)
	if err != nil {
		return nil, err
	}
	if intensity, err = tensor.AddScalar(intensity, p.cfg.Ambient); err != nil {
		return nil, err
	}

	falloff, err := tensor.Scale(dist2, p.cfg.Attenuation)
	if err != nil {
		return nil, err
	}
	if falloff, err = tensor.AddScalar(falloff, 1); err != nil {
		return nil, err
	}
	if intensity, err = tensor.Div(intensity, falloff); err != nil {
		return nil, err
	}

	return tensor.Mul(intensity, p.material)
}

// NormalsFromDepth derives unit normals from depth with central differences
// of the back-projected points. Border pixels use one-sided differences.
func (p *Phong) NormalsFromDepth(depth *tensor.Tensor) (*tensor.Tensor, error) {
	points, err := p.backProject(depth)
	if err != nil {
		return nil, err
	}
	tx, err := centralDifference(points, tensor.ShiftW)
	if err != nil {
		return nil, err
	}
	ty, err := centralDifference(points, tensor.ShiftH)
	if err != nil {
		return nil, err
	}
	n, err := cross(ty, tx)
	if err != nil {
		return nil, err
	}
	return layers.UnitNormals(n)
}

func centralDifference(x *tensor.Tensor, shift func(*tensor.Tensor, int) (*tensor.Tensor, error)) (*tensor.Tensor, error) {
	next, err := shift(x, 1)
	if err != nil {
		return nil, err
	}
	prev, err := shift(x, -1)
	if err != nil {
		return nil, err
	}
	return tensor.Sub(next, prev)
}

func dot(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	prod, err := tensor.Mul(a, b)
	if err != nil {
		return nil, err
	}
	return tensor.SumChannels(prod)
}

func squaredLength(v *tensor.Tensor) (*tensor.Tensor, error) {
	return dot(v, v)
}

func normalize(v *tensor.Tensor) (*tensor.Tensor, error) {
	return layers.UnitNormals(v)
}

// cross computes a x b over the channel dimension of two [B,3,H,W] tensors.
func cross(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	var ac, bc [3]*tensor.Tensor
	for i := 0; i < 3; i++ {
		var err error
		if ac[i], err = tensor.SelectChannel(a, i); err != nil {
			return nil, err
		}
		if bc[i], err = tensor.SelectChannel(b, i); err != nil {
			return nil, err
		}
	}
	component := func(i, j int) (*tensor.Tensor, error) {
		l, err := tensor.Mul(ac[i], bc[j])
		if err != nil {
			return nil, err
		}
		r, err := tensor.Mul(ac[j], bc[i])
		if err != nil {
			return nil, err
		}
		return tensor.Sub(l, r)
	}
	x, err := component(1, 2)
	if err != nil {
		return nil, err
	}
	y, err := component(2, 0)
	if err != nil {
		return nil, err
	}
	z, err := component(0, 1)
	if err != nil {
		return nil, err
	}
	return tensor.ConcatChannels(x, y, z)
}
