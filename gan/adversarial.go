package gan

import (
	"math/rand"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/hailmary/tensor"
)

// DiscriminatorLossFunc scores x with head against a target label (1 for
// reference data, 0 for generated data). penalty is a regulariser that is
// logged separately and added to the loss for backprop.
type DiscriminatorLossFunc func(head Head, x *tensor.Tensor, label float64) (loss, penalty *tensor.Tensor, err error)

// CriticLossFunc is a Wasserstein-style loss over generated and original
// samples.
type CriticLossFunc func(head Head, generated, original *tensor.Tensor) (loss, penalty *tensor.Tensor, err error)

// GeneratorLossFunc is the generator's side of an adversarial loss: it is
// minimised when head takes x for reference data.
type GeneratorLossFunc func(head Head, x *tensor.Tensor) (loss, penalty *tensor.Tensor, err error)

// normStep is the finite-difference step of gradientNorm.
const normStep = 1e-3

// NewDiscriminatorLoss returns a discriminator loss by name: "bce"
// (non-saturating logistic), "lsgan" (least squares) or "bce_r1" (logistic
// with an R1 penalty of weight gamma on reference samples).
func NewDiscriminatorLoss(name string, gamma float64) (DiscriminatorLossFunc, error) {
	switch strings.ToLower(name) {
	case "bce":
		return func(head Head, x *tensor.Tensor, label float64) (*tensor.Tensor, *tensor.Tensor, error) {
			loss, err := logisticLoss(head, x, label)
			return loss, zeroPenalty(), err
		}, nil
	case "lsgan":
		return func(head Head, x *tensor.Tensor, label float64) (*tensor.Tensor, *tensor.Tensor, error) {
			loss, err := squaredLoss(head, x, label)
			return loss, zeroPenalty(), err
		}, nil
	case "bce_r1":
		return func(head Head, x *tensor.Tensor, label float64) (*tensor.Tensor, *tensor.Tensor, error) {
			loss, err := logisticLoss(head, x, label)
			if err != nil || label < 1 {
				return loss, zeroPenalty(), err
			}
			penalty, err := r1Penalty(head, x, gamma)
			return loss, penalty, err
		}, nil
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown discriminator loss %q", name)
	}
}

// NewCriticLoss returns a critic loss by name. Only "wasserstein" is
// supported: mean(D(generated)) - mean(D(original)) with a gradient penalty
// lambda * mean((|grad D(x)| - 1)^2) on random interpolates.
func NewCriticLoss(name string, lambda float64, rng *rand.Rand) (CriticLossFunc, error) {
	if strings.ToLower(name) != "wasserstein" {
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown critic loss %q", name)
	}
	return func(head Head, generated, original *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
		fake, err := meanScore(head, generated)
		if err != nil {
			return nil, nil, err
		}
		orig, err := meanScore(head, original)
		if err != nil {
			return nil, nil, err
		}
		loss, err := tensor.Sub(fake, orig)
		if err != nil {
			return nil, nil, err
		}

		mixed, err := interpolate(generated, original, rng)
		if err != nil {
			return nil, nil, err
		}
		norm, err := gradientNorm(head, mixed)
		if err != nil {
			return nil, nil, err
		}
		dev, err := tensor.AddScalar(norm, -1)
		if err != nil {
			return nil, nil, err
		}
		if dev, err = tensor.Square(dev); err != nil {
			return nil, nil, err
		}
		penalty, err := tensor.Mean(dev)
		if err != nil {
			return nil, nil, err
		}
		penalty, err = tensor.Scale(penalty, lambda)
		return loss, penalty, err
	}, nil
}

// NewGeneratorLoss returns the generator counterpart of a discriminator or
// critic loss name.
func NewGeneratorLoss(name string) (GeneratorLossFunc, error) {
	switch strings.ToLower(name) {
	case "bce", "bce_r1":
		return func(head Head, x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
			loss, err := logisticLoss(head, x, 1)
			return loss, zeroPenalty(), err
		}, nil
	case "lsgan":
		return func(head Head, x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
			loss, err := squaredLoss(head, x, 1)
			return loss, zeroPenalty(), err
		}, nil
	case "wasserstein":
		return func(head Head, x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
			score, err := meanScore(head, x)
			if err != nil {
				return nil, nil, err
			}
			loss, err := tensor.Neg(score)
			return loss, zeroPenalty(), err
		}, nil
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown generator loss %q", name)
	}
}

func zeroPenalty() *tensor.Tensor {
	return tensor.FromScalar(0)
}

func meanScore(head Head, x *tensor.Tensor) (*tensor.Tensor, error) {
	score, err := head.Forward(x)
	if err != nil {
		return nil, err
	}
	return tensor.Mean(score)
}

// logisticLoss is binary cross-entropy on raw scores:
// label*softplus(-s) + (1-label)*softplus(s).
func logisticLoss(head Head, x *tensor.Tensor, label float64) (*tensor.Tensor, error) {
	score, err := head.Forward(x)
	if err != nil {
		return nil, err
	}
	neg, err := tensor.Neg(score)
	if err != nil {
		return nil, err
	}
	pos, err := tensor.Softplus(neg)
	if err != nil {
		return nil, err
	}
	if pos, err = tensor.Scale(pos, label); err != nil {
		return nil, err
	}
	fake, err := tensor.Softplus(score)
	if err != nil {
		return nil, err
	}
	if fake, err = tensor.Scale(fake, 1-label); err != nil {
		return nil, err
	}
	sum, err := tensor.Add(pos, fake)
	if err != nil {
		return nil, err
	}
	return tensor.Mean(sum)
}

func squaredLoss(head Head, x *tensor.Tensor, label float64) (*tensor.Tensor, error) {
	score, err := head.Forward(x)
	if err != nil {
		return nil, err
	}
	diff, err := tensor.AddScalar(score, -label)
	if err != nil {
		return nil, err
	}
	sq, err := tensor.Square(diff)
	if err != nil {
		return nil, err
	}
	return tensor.Mean(sq)
}

// r1Penalty is gamma/2 * mean(|grad D(x)|^2).
func r1Penalty(head Head, x *tensor.Tensor, gamma float64) (*tensor.Tensor, error) {
	norm, err := gradientNorm(head, x.Detach())
	if err != nil {
		return nil, err
	}
	sq, err := tensor.Square(norm)
	if err != nil {
		return nil, err
	}
	m, err := tensor.Mean(sq)
	if err != nil {
		return nil, err
	}
	return tensor.Scale(m, gamma/2)
}

// interpolate draws one alpha per sample and returns the detached mix
// alpha*original + (1-alpha)*generated over the first min(B_gen, B_orig)
// samples.
func interpolate(generated, original *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	if len(generated.Shape) == 0 || !tensor.ShapesEqual(generated.Shape[1:], original.Shape[1:]) {
		return nil, errors.Errorf("cannot interpolate shapes %v and %v", generated.Shape, original.Shape)
	}
	n := generated.Shape[0]
	if original.Shape[0] < n {
		n = original.Shape[0]
	}
	per := generated.NumElems / generated.Shape[0]
	shape := append([]int{n}, generated.Shape[1:]...)
	mixed, err := tensor.New(shape, nil)
	if err != nil {
		return nil, err
	}
	for b := 0; b < n; b++ {
		alpha := rng.Float64()
		dst := mixed.Data[b*per : (b+1)*per]
		floats.ScaleTo(dst, 1-alpha, generated.Data[b*per:(b+1)*per])
		floats.AddScaled(dst, alpha, original.Data[b*per:(b+1)*per])
	}
	return mixed, nil
}

// gradientNorm estimates |grad_x head(x)| for every sample as a [B,1]
// tensor that is differentiable with respect to the head's parameters.
// The gradient direction u is found with one backward pass; the norm is
// then the directional derivative (D(x+hu) - D(x-hu)) / 2h.
func gradientNorm(head Head, x *tensor.Tensor) (*tensor.Tensor, error) {
	input := x.Detach()
	input.SetRequiresGrad(true)
	score, err := head.Forward(input)
	if err != nil {
		return nil, err
	}
	total, err := tensor.Sum(score)
	if err != nil {
		return nil, err
	}
	grads, err := tensor.Grad(total, input)
	if err != nil {
		return nil, errors.Wrap(err, "gradient penalty")
	}
	dir := grads[0]
	per := dir.NumElems / dir.Shape[0]
	for b := 0; b < dir.Shape[0]; b++ {
		row := dir.Data[b*per : (b+1)*per]
		if n := floats.Norm(row, 2); n > 0 {
			floats.Scale(normStep/n, row)
		}
	}

	base := x.Detach()
	up, err := tensor.Add(base, dir)
	if err != nil {
		return nil, err
	}
	down, err := tensor.Sub(base, dir)
	if err != nil {
		return nil, err
	}
	upScore, err := head.Forward(up)
	if err != nil {
		return nil, err
	}
	downScore, err := head.Forward(down)
	if err != nil {
		return nil, err
	}
	diff, err := tensor.Sub(upScore, downScore)
	if err != nil {
		return nil, err
	}
	return tensor.Scale(diff, 1/(2*normStep))
}
