package tensor

import (
	"fmt"
)

// Operation is a differentiable node in the computation graph. Forward
// results are produced by the package-level op functions; Backward maps the
// gradient of the output to one gradient per recorded input (nil when an
// input does not need one).
type Operation interface {
	Backward(gradOut *Tensor) ([]*Tensor, error)
	Name() string
}

// Tensor is a dense, row-major CPU tensor.
// Images are laid out as [batch, channels, height, width].
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float64
	NumElems int

	requiresGrad bool
	grad         *Tensor
	creator      Operation
	parents      []*Tensor
}

func (t *Tensor) String() string {
	op := "leaf"
	if t.creator != nil {
		op = t.creator.Name()
	}
	return fmt.Sprintf("Tensor(shape=%v, elements=%d, requires_grad=%t, op=%s)",
		t.Shape, t.NumElems, t.requiresGrad, op)
}

// RequiresGrad reports whether gradients flow into this tensor.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks a leaf tensor as trainable (or frozen).
func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the accumulated gradient of a leaf tensor, or nil.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// IsLeaf reports whether the tensor was created outside of a recorded op.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

// BatchSize returns the size of the leading dimension.
func (t *Tensor) BatchSize() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

// ShapesEqual reports whether two shapes are identical.
func ShapesEqual(shape1, shape2 []int) bool {
	return shapesEqual(shape1, shape2)
}
