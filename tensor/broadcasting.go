package tensor

import (
	"fmt"
)

// BroadcastShapes determines if two shapes are broadcastable and returns the resulting shape
// Follows NumPy/PyTorch broadcasting rules:
// 1. Start from trailing dimensions and work backwards
// 2. Dimensions are compatible if they are equal, or one of them is 1, or one is missing
// 3. Result shape is the maximum of each dimension
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	maxLen := len(shape1)
	if len(shape2) > maxLen {
		maxLen = len(shape2)
	}

	result := make([]int, maxLen)
	for i := 0; i < maxLen; i++ {
		dim1, dim2 := 1, 1
		if idx := len(shape1) - 1 - i; idx >= 0 {
			dim1 = shape1[idx]
		}
		if idx := len(shape2) - 1 - i; idx >= 0 {
			dim2 = shape2[idx]
		}

		switch {
		case dim1 == dim2:
			result[maxLen-1-i] = dim1
		case dim1 == 1:
			result[maxLen-1-i] = dim2
		case dim2 == 1:
			result[maxLen-1-i] = dim1
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable: dimension %d has sizes %d and %d",
				shape1, shape2, maxLen-1-i, dim1, dim2)
		}
	}

	return result, nil
}

// AreBroadcastable checks if two shapes can be broadcast together
func AreBroadcastable(shape1, shape2 []int) bool {
	_, err := BroadcastShapes(shape1, shape2)
	return err == nil
}

// broadcastOffsets returns, for every flat index of target, the flat index of
// the source element that broadcasts onto it.
func broadcastOffsets(source, target []int) ([]int, error) {
	if len(source) > len(target) {
		return nil, fmt.Errorf("cannot broadcast shape %v to lower-rank shape %v", source, target)
	}

	// Align source to the rank of target, broadcast dims get stride 0.
	pad := len(target) - len(source)
	srcStrides := calculateStrides(source)
	strides := make([]int, len(target))
	for i := range target {
		if i < pad {
			continue
		}
		dim := source[i-pad]
		switch {
		case dim == target[i]:
			strides[i] = srcStrides[i-pad]
		case dim == 1:
			strides[i] = 0
		default:
			return nil, fmt.Errorf("cannot broadcast shape %v to %v", source, target)
		}
	}

	numElems := calculateNumElements(target)
	offsets := make([]int, numElems)
	coords := make([]int, len(target))
	offset := 0
	for flat := 0; flat < numElems; flat++ {
		offsets[flat] = offset
		// Odometer increment over the target coordinates.
		for d := len(target) - 1; d >= 0; d-- {
			coords[d]++
			offset += strides[d]
			if coords[d] < target[d] {
				break
			}
			offset -= strides[d] * coords[d]
			coords[d] = 0
		}
	}
	return offsets, nil
}

// BroadcastTo materialises t at the target shape. Not recorded by autograd.
func BroadcastTo(t *Tensor, target []int) (*Tensor, error) {
	if shapesEqual(t.Shape, target) {
		return t.Clone(), nil
	}
	offsets, err := broadcastOffsets(t.Shape, target)
	if err != nil {
		return nil, err
	}
	out, err := New(target, nil)
	if err != nil {
		return nil, err
	}
	for i, off := range offsets {
		out.Data[i] = t.Data[off]
	}
	return out, nil
}

// reduceToShape sums a broadcast gradient back onto the shape of the input
// that produced it.
func reduceToShape(grad *Tensor, shape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, shape) {
		return grad, nil
	}
	offsets, err := broadcastOffsets(shape, grad.Shape)
	if err != nil {
		return nil, fmt.Errorf("failed to reduce gradient: %v", err)
	}
	out, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i, off := range offsets {
		out.Data[off] += grad.Data[i]
	}
	return out, nil
}
