package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

type matMulOp struct {
	a, b *Tensor
}

func (op *matMulOp) Name() string { return "MatMul" }

func (op *matMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	m, k, n := op.a.Shape[0], op.a.Shape[1], op.b.Shape[1]
	g := mat.NewDense(m, n, gradOut.Data)
	grads := make([]*Tensor, 2)

	// dA = dC · Bᵀ
	if op.a.requiresGrad {
		ga := ZerosLike(op.a)
		mat.NewDense(m, k, ga.Data).Mul(g, mat.NewDense(k, n, op.b.Data).T())
		grads[0] = ga
	}
	// dB = Aᵀ · dC
	if op.b.requiresGrad {
		gb := ZerosLike(op.b)
		mat.NewDense(k, n, gb.Data).Mul(mat.NewDense(m, k, op.a.Data).T(), g)
		grads[1] = gb
	}
	return grads, nil
}

// MatMul multiplies a [m,k] matrix by a [k,n] matrix.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("incompatible matrix dimensions for multiplication: %v x %v", a.Shape, b.Shape)
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	out, err := New([]int{m, n}, nil)
	if err != nil {
		return nil, err
	}
	mat.NewDense(m, n, out.Data).Mul(mat.NewDense(m, k, a.Data), mat.NewDense(k, n, b.Data))
	return record(out, &matMulOp{a: a, b: b}, a, b), nil
}

type transposeOp struct{ x *Tensor }

func (op *transposeOp) Name() string { return "Transpose" }

func (op *transposeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := ZerosLike(op.x)
	transposeInto(g.Data, gradOut.Data, gradOut.Shape[0], gradOut.Shape[1])
	return []*Tensor{g}, nil
}

// Transpose swaps the two dimensions of a matrix.
func Transpose(x *Tensor) (*Tensor, error) {
	if len(x.Shape) != 2 {
		return nil, fmt.Errorf("Transpose requires a 2D tensor, got shape %v", x.Shape)
	}
	rows, cols := x.Shape[0], x.Shape[1]
	out, err := New([]int{cols, rows}, nil)
	if err != nil {
		return nil, err
	}
	transposeInto(out.Data, x.Data, rows, cols)
	return record(out, &transposeOp{x: x}, x), nil
}

func transposeInto(dst, src []float64, rows, cols int) {
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dst[c*rows+r] = src[r*cols+c]
		}
	}
}

type reshapeOp struct{ x *Tensor }

func (op *reshapeOp) Name() string { return "Reshape" }

func (op *reshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{{
		Shape:    copyShape(op.x.Shape),
		Strides:  calculateStrides(op.x.Shape),
		Data:     copyData(gradOut.Data),
		NumElems: op.x.NumElems,
	}}, nil
}

// Reshape returns a tensor sharing x's data with a new shape.
// One dimension may be -1 and is inferred.
func Reshape(x *Tensor, newShape []int) (*Tensor, error) {
	shape := copyShape(newShape)
	known := 1
	infer := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			infer = i
		case dim <= 0:
			return nil, fmt.Errorf("dimension %d has invalid size %d", i, dim)
		default:
			known *= dim
		}
	}
	if infer >= 0 {
		if x.NumElems%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", x.NumElems, newShape)
		}
		shape[infer] = x.NumElems / known
		known *= shape[infer]
	}
	if known != x.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", x.NumElems, newShape, known)
	}

	out := &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     x.Data,
		NumElems: x.NumElems,
	}
	return record(out, &reshapeOp{x: x}, x), nil
}

// Flatten collapses everything but the batch dimension: [B, ...] -> [B, N].
func Flatten(x *Tensor) (*Tensor, error) {
	return Reshape(x, []int{x.Shape[0], -1})
}
