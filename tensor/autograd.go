package tensor

import (
	"fmt"
	"sync/atomic"
)

var noGradDepth int32

// GradEnabled reports whether new operations are recorded for backprop.
func GradEnabled() bool {
	return atomic.LoadInt32(&noGradDepth) == 0
}

// NoGrad runs fn without recording the computation graph. Calls nest.
func NoGrad(fn func() error) error {
	atomic.AddInt32(&noGradDepth, 1)
	defer atomic.AddInt32(&noGradDepth, -1)
	return fn()
}

// record attaches op to out when any input needs gradients.
func record(out *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	if !GradEnabled() {
		return out
	}
	needs := false
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			needs = true
			break
		}
	}
	if !needs {
		return out
	}
	out.requiresGrad = true
	out.creator = op
	out.parents = inputs
	return out
}

// Backward computes gradients of t with respect to every trainable leaf that
// contributed to it and accumulates them into the leaves' Grad.
// t is normally a scalar loss; for other shapes the seed is all ones.
func (t *Tensor) Backward() error {
	return Backward(t)
}

// Backward is the function form of (*Tensor).Backward.
func Backward(loss *Tensor) error {
	if !loss.requiresGrad {
		return fmt.Errorf("backward called on a tensor that does not require gradients")
	}
	seed, err := Ones(loss.Shape)
	if err != nil {
		return err
	}
	grads, err := propagate(loss, seed)
	if err != nil {
		return err
	}
	for node, g := range grads {
		if node.creator != nil || !node.requiresGrad {
			continue
		}
		if node.grad == nil {
			node.grad = g.Clone()
			continue
		}
		for i := range node.grad.Data {
			node.grad.Data[i] += g.Data[i]
		}
	}
	return nil
}

// Grad returns d(out)/d(input) for each input without touching any leaf's
// accumulated gradient. Inputs that out does not depend on get zeros.
func Grad(out *Tensor, inputs ...*Tensor) ([]*Tensor, error) {
	if !out.requiresGrad {
		return nil, fmt.Errorf("grad called on a tensor that does not require gradients")
	}
	seed, err := Ones(out.Shape)
	if err != nil {
		return nil, err
	}
	grads, err := propagate(out, seed)
	if err != nil {
		return nil, err
	}
	result := make([]*Tensor, len(inputs))
	for i, in := range inputs {
		if g, ok := grads[in]; ok {
			result[i] = g.Clone()
		} else {
			result[i] = ZerosLike(in)
		}
	}
	return result, nil
}

// propagate walks the graph behind root in reverse topological order and
// returns the gradient reaching every node.
func propagate(root, seed *Tensor) (map[*Tensor]*Tensor, error) {
	order := topoSort(root)
	grads := map[*Tensor]*Tensor{root: seed}

	err := NoGrad(func() error {
		for i := len(order) - 1; i >= 0; i-- {
			node := order[i]
			g, ok := grads[node]
			if !ok || node.creator == nil {
				continue
			}
			inGrads, err := node.creator.Backward(g)
			if err != nil {
				return fmt.Errorf("backward through %s failed: %v", node.creator.Name(), err)
			}
			if len(inGrads) != len(node.parents) {
				return fmt.Errorf("%s returned %d gradients for %d inputs",
					node.creator.Name(), len(inGrads), len(node.parents))
			}
			for j, parent := range node.parents {
				pg := inGrads[j]
				if parent == nil || pg == nil || !parent.requiresGrad {
					continue
				}
				if !shapesEqual(pg.Shape, parent.Shape) {
					return fmt.Errorf("%s produced gradient of shape %v for input of shape %v",
						node.creator.Name(), pg.Shape, parent.Shape)
				}
				if existing, ok := grads[parent]; ok {
					sum := existing.Clone()
					for k := range sum.Data {
						sum.Data[k] += pg.Data[k]
					}
					grads[parent] = sum
				} else {
					grads[parent] = pg
				}
			}
		}
		return nil
	})
	return grads, err
}

func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(*Tensor)
	visit = func(t *Tensor) {
		if t == nil || visited[t] {
			return
		}
		visited[t] = true
		for _, p := range t.parents {
			visit(p)
		}
		order = append(order, t)
	}
	visit(root)
	return order
}

// ZeroGrad clears the accumulated gradient of each tensor.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil {
			t.grad = nil
		}
	}
}

// Detach returns a leaf sharing t's data with no graph history.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    copyShape(t.Shape),
		Strides:  calculateStrides(t.Shape),
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}
