package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// binaryOp holds both operands broadcast to the output shape so backward
// passes can run elementwise.
type binaryOp struct {
	name     string
	a, b     *Tensor
	aB, bB   []float64
	backward func(op *binaryOp, g []float64) (ga, gb []float64)
}

func (op *binaryOp) Name() string { return op.name }

func (op *binaryOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	ga, gb := op.backward(op, gradOut.Data)
	out := make([]*Tensor, 2)
	for i, pair := range []struct {
		in *Tensor
		g  []float64
	}{{op.a, ga}, {op.b, gb}} {
		if !pair.in.requiresGrad {
			continue
		}
		full := &Tensor{
			Shape:    copyShape(gradOut.Shape),
			Strides:  calculateStrides(gradOut.Shape),
			Data:     pair.g,
			NumElems: gradOut.NumElems,
		}
		reduced, err := reduceToShape(full, pair.in.Shape)
		if err != nil {
			return nil, err
		}
		out[i] = reduced
	}
	return out, nil
}

func broadcastPair(a, b *Tensor) ([]int, []float64, []float64, error) {
	shape, err := BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, nil, nil, err
	}
	expand := func(t *Tensor) ([]float64, error) {
		if shapesEqual(t.Shape, shape) {
			return t.Data, nil
		}
		bt, err := BroadcastTo(t, shape)
		if err != nil {
			return nil, err
		}
		return bt.Data, nil
	}
	aB, err := expand(a)
	if err != nil {
		return nil, nil, nil, err
	}
	bB, err := expand(b)
	if err != nil {
		return nil, nil, nil, err
	}
	return shape, aB, bB, nil
}

func binary(name string, a, b *Tensor,
	forward func(dst, x, y []float64),
	backward func(op *binaryOp, g []float64) (ga, gb []float64)) (*Tensor, error) {
	shape, aB, bB, err := broadcastPair(a, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", name, err)
	}
	out, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	forward(out.Data, aB, bB)
	op := &binaryOp{name: name, a: a, b: b, aB: aB, bB: bB, backward: backward}
	return record(out, op, a, b), nil
}

func Add(a, b *Tensor) (*Tensor, error) {
	return binary("Add", a, b,
		func(dst, x, y []float64) { floats.AddTo(dst, x, y) },
		func(_ *binaryOp, g []float64) ([]float64, []float64) {
			return copyData(g), copyData(g)
		})
}

func Sub(a, b *Tensor) (*Tensor, error) {
	return binary("Sub", a, b,
		func(dst, x, y []float64) { floats.SubTo(dst, x, y) },
		func(_ *binaryOp, g []float64) ([]float64, []float64) {
			neg := copyData(g)
			floats.Scale(-1, neg)
			return copyData(g), neg
		})
}

func Mul(a, b *Tensor) (*Tensor, error) {
	return binary("Mul", a, b,
		func(dst, x, y []float64) { floats.MulTo(dst, x, y) },
		func(op *binaryOp, g []float64) ([]float64, []float64) {
			ga := make([]float64, len(g))
			gb := make([]float64, len(g))
			floats.MulTo(ga, g, op.bB)
			floats.MulTo(gb, g, op.aB)
			return ga, gb
		})
}

func Div(a, b *Tensor) (*Tensor, error) {
	return binary("Div", a, b,
		func(dst, x, y []float64) { floats.DivTo(dst, x, y) },
		func(op *binaryOp, g []float64) ([]float64, []float64) {
			ga := make([]float64, len(g))
			gb := make([]float64, len(g))
			for i := range g {
				ga[i] = g[i] / op.bB[i]
				gb[i] = -g[i] * op.aB[i] / (op.bB[i] * op.bB[i])
			}
			return ga, gb
		})
}

// Maximum is the elementwise max; ties send the gradient to a.
func Maximum(a, b *Tensor) (*Tensor, error) {
	return binary("Maximum", a, b,
		func(dst, x, y []float64) {
			for i := range dst {
				dst[i] = math.Max(x[i], y[i])
			}
		},
		func(op *binaryOp, g []float64) ([]float64, []float64) {
			ga := make([]float64, len(g))
			gb := make([]float64, len(g))
			for i := range g {
				if op.aB[i] >= op.bB[i] {
					ga[i] = g[i]
				} else {
					gb[i] = g[i]
				}
			}
			return ga, gb
		})
}

// unaryOp differentiates f through deriv(x, y) where y = f(x).
type unaryOp struct {
	name  string
	x     *Tensor
	y     []float64
	deriv func(x, y float64) float64
}

func (op *unaryOp) Name() string { return op.name }

func (op *unaryOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := ZerosLike(op.x)
	for i := range g.Data {
		g.Data[i] = gradOut.Data[i] * op.deriv(op.x.Data[i], op.y[i])
	}
	return []*Tensor{g}, nil
}

func unary(name string, x *Tensor, f func(float64) float64, deriv func(x, y float64) float64) (*Tensor, error) {
	if x == nil {
		return nil, fmt.Errorf("%s: nil input", name)
	}
	out := ZerosLike(x)
	for i, v := range x.Data {
		out.Data[i] = f(v)
	}
	return record(out, &unaryOp{name: name, x: x, y: out.Data, deriv: deriv}, x), nil
}

func Scale(x *Tensor, s float64) (*Tensor, error) {
	return unary("Scale", x,
		func(v float64) float64 { return v * s },
		func(_, _ float64) float64 { return s })
}

func AddScalar(x *Tensor, s float64) (*Tensor, error) {
	return unary("AddScalar", x,
		func(v float64) float64 { return v + s },
		func(_, _ float64) float64 { return 1 })
}

func Neg(x *Tensor) (*Tensor, error) {
	return Scale(x, -1)
}

func Square(x *Tensor) (*Tensor, error) {
	return unary("Square", x,
		func(v float64) float64 { return v * v },
		func(v, _ float64) float64 { return 2 * v })
}

// PowInt raises every element to a non-negative integer power.
func PowInt(x *Tensor, n int) (*Tensor, error) {
	if n < 0 {
		return nil, fmt.Errorf("PowInt: negative exponent %d", n)
	}
	return unary("PowInt", x,
		func(v float64) float64 { return math.Pow(v, float64(n)) },
		func(v, _ float64) float64 {
			if n == 0 {
				return 0
			}
			return float64(n) * math.Pow(v, float64(n-1))
		})
}

func Sqrt(x *Tensor) (*Tensor, error) {
	return unary("Sqrt", x,
		math.Sqrt,
		func(_, y float64) float64 {
			if y == 0 {
				return 0
			}
			return 0.5 / y
		})
}

func Log(x *Tensor) (*Tensor, error) {
	return unary("Log", x,
		math.Log,
		func(v, _ float64) float64 { return 1 / v })
}

func Exp(x *Tensor) (*Tensor, error) {
	return unary("Exp", x,
		math.Exp,
		func(_, y float64) float64 { return y })
}

func Abs(x *Tensor) (*Tensor, error) {
	return unary("Abs", x,
		math.Abs,
		func(v, _ float64) float64 {
			switch {
			case v > 0:
				return 1
			case v < 0:
				return -1
			}
			return 0
		})
}

func ReLU(x *Tensor) (*Tensor, error) {
	return unary("ReLU", x,
		func(v float64) float64 { return math.Max(v, 0) },
		func(v, _ float64) float64 {
			if v > 0 {
				return 1
			}
			return 0
		})
}

func LeakyReLU(x *Tensor, slope float64) (*Tensor, error) {
	return unary("LeakyReLU", x,
		func(v float64) float64 {
			if v > 0 {
				return v
			}
			return slope * v
		},
		func(v, _ float64) float64 {
			if v > 0 {
				return 1
			}
			return slope
		})
}

func Sigmoid(x *Tensor) (*Tensor, error) {
	return unary("Sigmoid", x,
		sigmoid,
		func(_, y float64) float64 { return y * (1 - y) })
}

func Tanh(x *Tensor) (*Tensor, error) {
	return unary("Tanh", x,
		math.Tanh,
		func(_, y float64) float64 { return 1 - y*y })
}

// Softplus computes log(1 + exp(x)) without overflow.
func Softplus(x *Tensor) (*Tensor, error) {
	return unary("Softplus", x,
		func(v float64) float64 {
			if v > 0 {
				return v + math.Log1p(math.Exp(-v))
			}
			return math.Log1p(math.Exp(v))
		},
		func(v, _ float64) float64 { return sigmoid(v) })
}

// Clamp limits values to [lo, hi]; the gradient is zero outside the range.
func Clamp(x *Tensor, lo, hi float64) (*Tensor, error) {
	if lo > hi {
		return nil, fmt.Errorf("Clamp: lower bound %g exceeds upper bound %g", lo, hi)
	}
	return unary("Clamp", x,
		func(v float64) float64 { return math.Min(math.Max(v, lo), hi) },
		func(v, _ float64) float64 {
			if v < lo || v > hi {
				return 0
			}
			return 1
		})
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

func copyData(d []float64) []float64 {
	out := make([]float64, len(d))
	copy(out, d)
	return out
}

type sumOp struct{ x *Tensor }

func (op *sumOp) Name() string { return "Sum" }

func (op *sumOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := Full(op.x.Shape, gradOut.Data[0])
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// Sum reduces every element to a tensor of shape [1].
func Sum(x *Tensor) (*Tensor, error) {
	out := FromScalar(floats.Sum(x.Data))
	return record(out, &sumOp{x: x}, x), nil
}

// Mean averages every element into a tensor of shape [1].
func Mean(x *Tensor) (*Tensor, error) {
	s, err := Sum(x)
	if err != nil {
		return nil, err
	}
	return Scale(s, 1/float64(x.NumElems))
}

type sumPerSampleOp struct{ x *Tensor }

func (op *sumPerSampleOp) Name() string { return "SumPerSample" }

func (op *sumPerSampleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := ZerosLike(op.x)
	per := op.x.NumElems / op.x.Shape[0]
	for b := 0; b < op.x.Shape[0]; b++ {
		row := g.Data[b*per : (b+1)*per]
		floats.AddConst(gradOut.Data[b], row)
	}
	return []*Tensor{g}, nil
}

// SumPerSample reduces all but the leading dimension, returning shape [B].
func SumPerSample(x *Tensor) (*Tensor, error) {
	if len(x.Shape) < 1 {
		return nil, fmt.Errorf("SumPerSample: tensor has no batch dimension")
	}
	batch := x.Shape[0]
	per := x.NumElems / batch
	out, err := New([]int{batch}, nil)
	if err != nil {
		return nil, err
	}
	for b := 0; b < batch; b++ {
		out.Data[b] = floats.Sum(x.Data[b*per : (b+1)*per])
	}
	return record(out, &sumPerSampleOp{x: x}, x), nil
}
