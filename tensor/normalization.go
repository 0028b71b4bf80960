package tensor

import (
	"fmt"
	"math"
)

type batchNormOp struct {
	x, gamma, beta *Tensor
	xhat           []float64
	invStd         []float64
}

func (op *batchNormOp) Name() string { return "BatchNorm2D" }

func (op *batchNormOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	b, c, h, w := op.x.Shape[0], op.x.Shape[1], op.x.Shape[2], op.x.Shape[3]
	n := float64(b * h * w)
	plane := h * w

	sumDy := make([]float64, c)
	sumDyXhat := make([]float64, c)
	for bi := 0; bi < b; bi++ {
		for ch := 0; ch < c; ch++ {
			base := (bi*c + ch) * plane
			for i := base; i < base+plane; i++ {
				sumDy[ch] += gradOut.Data[i]
				sumDyXhat[ch] += gradOut.Data[i] * op.xhat[i]
			}
		}
	}

	grads := make([]*Tensor, 3)
	if op.x.requiresGrad {
		gx := ZerosLike(op.x)
		for bi := 0; bi < b; bi++ {
			for ch := 0; ch < c; ch++ {
				g := op.gamma.Data[ch]
				k := g * op.invStd[ch] / n
				base := (bi*c + ch) * plane
				for i := base; i < base+plane; i++ {
					gx.Data[i] = k * (n*gradOut.Data[i] - sumDy[ch] - op.xhat[i]*sumDyXhat[ch])
				}
			}
		}
		grads[0] = gx
	}
	if op.gamma.requiresGrad {
		grads[1] = MustNew([]int{c}, sumDyXhat)
	}
	if op.beta.requiresGrad {
		grads[2] = MustNew([]int{c}, sumDy)
	}
	return grads, nil
}

// BatchNorm2D normalises x [B,C,H,W] per channel with the batch statistics
// and applies the affine gamma, beta ([C] each). The batch mean and biased
// variance are returned so callers can keep running estimates.
func BatchNorm2D(x, gamma, beta *Tensor, eps float64) (out *Tensor, mean, variance []float64, err error) {
	b, c, h, w, err := dims4("BatchNorm2D", x)
	if err != nil {
		return nil, nil, nil, err
	}
	if gamma.NumElems != c || beta.NumElems != c {
		return nil, nil, nil, fmt.Errorf("BatchNorm2D: expected %d affine parameters, got gamma %v beta %v", c, gamma.Shape, beta.Shape)
	}
	plane := h * w
	n := float64(b * plane)

	mean = make([]float64, c)
	variance = make([]float64, c)
	for bi := 0; bi < b; bi++ {
		for ch := 0; ch < c; ch++ {
			base := (bi*c + ch) * plane
			for _, v := range x.Data[base : base+plane] {
				mean[ch] += v
			}
		}
	}
	for ch := range mean {
		mean[ch] /= n
	}
	for bi := 0; bi < b; bi++ {
		for ch := 0; ch < c; ch++ {
			base := (bi*c + ch) * plane
			for _, v := range x.Data[base : base+plane] {
				d := v - mean[ch]
				variance[ch] += d * d
			}
		}
	}
	invStd := make([]float64, c)
	for ch := range variance {
		variance[ch] /= n
		invStd[ch] = 1 / math.Sqrt(variance[ch]+eps)
	}

	out, err = New(x.Shape, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	xhat := make([]float64, x.NumElems)
	for bi := 0; bi < b; bi++ {
		for ch := 0; ch < c; ch++ {
			base := (bi*c + ch) * plane
			for i := base; i < base+plane; i++ {
				xhat[i] = (x.Data[i] - mean[ch]) * invStd[ch]
				out.Data[i] = gamma.Data[ch]*xhat[i] + beta.Data[ch]
			}
		}
	}
	op := &batchNormOp{x: x, gamma: gamma, beta: beta, xhat: xhat, invStd: invStd}
	return record(out, op, x, gamma, beta), mean, variance, nil
}
