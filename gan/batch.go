package gan

import (
	"github.com/pkg/errors"

	"github.com/tsawler/hailmary/tensor"
)

// Batch maps a source id to its tensors. Reference sources (ids below the
// generated id) hold [color, depth, normals] or just [color]; the generated
// source holds [color]. Every tensor is [B,C,H,W].
type Batch map[int][]*tensor.Tensor

// Validate checks that every source up to generatedID is present with a
// 3-channel color tensor of the same batch size, and that reference
// geometry is a [B,1,H,W] depth and a [B,3,H,W] normals tensor matching
// the reference's color images.
func (b Batch) Validate(generatedID int) error {
	if generatedID <= 0 {
		return ErrNoReferenceSources
	}
	gen, err := b.color(generatedID)
	if err != nil {
		return err
	}
	size := gen.Shape[0]
	for id := 0; id < generatedID; id++ {
		c, err := b.color(id)
		if err != nil {
			return err
		}
		if c.Shape[0] != size {
			return errors.Wrapf(ErrBatchSizeMismatch, "source %d has %d samples, generated source %d has %d",
				id, c.Shape[0], generatedID, size)
		}
		switch n := len(b[id]); n {
		case 1:
		case 3:
			if err := checkGeometry(id, "depth", b[id][1], c, 1); err != nil {
				return err
			}
			if err := checkGeometry(id, "normals", b[id][2], c, 3); err != nil {
				return err
			}
		default:
			return errors.Errorf("reference source %d must carry [color] or [color, depth, normals], got %d tensors", id, n)
		}
	}
	return nil
}

func checkGeometry(id int, name string, t, color *tensor.Tensor, channels int) error {
	if t == nil {
		return errors.Wrapf(ErrGeometryShape, "source %d has no %s tensor", id, name)
	}
	if len(t.Shape) != 4 {
		return errors.Wrapf(ErrGeometryShape, "source %d %s must be [B,%d,H,W], got shape %v", id, name, channels, t.Shape)
	}
	if t.Shape[0] != color.Shape[0] {
		return errors.Wrapf(ErrBatchSizeMismatch, "source %d has %d %s samples for %d color images",
			id, t.Shape[0], name, color.Shape[0])
	}
	if t.Shape[1] != channels || t.Shape[2] != color.Shape[2] || t.Shape[3] != color.Shape[3] {
		return errors.Wrapf(ErrGeometryShape, "source %d %s must be [%d,%d,%d,%d], got shape %v",
			id, name, color.Shape[0], channels, color.Shape[2], color.Shape[3], t.Shape)
	}
	return nil
}

func (b Batch) color(id int) (*tensor.Tensor, error) {
	list, ok := b[id]
	if !ok || len(list) == 0 || list[0] == nil {
		return nil, errors.Wrapf(ErrMissingSource, "source %d", id)
	}
	c := list[0]
	if len(c.Shape) != 4 || c.Shape[1] != 3 {
		return nil, errors.Errorf("source %d color must be [B,3,H,W], got shape %v", id, c.Shape)
	}
	return c, nil
}

// hasGeometry reports whether source id carries its own depth and normals.
func (b Batch) hasGeometry(id int) bool {
	return len(b[id]) >= 3
}

// augmented returns a shallow copy of b in which the source ids of extra
// are replaced by [color, depth, normals]. The caller's lists are never
// modified.
func (b Batch) augmented(extra map[int][2]*tensor.Tensor) Batch {
	out := make(Batch, len(b))
	for id, list := range b {
		if geom, ok := extra[id]; ok {
			out[id] = []*tensor.Tensor{list[0], geom[0], geom[1]}
			continue
		}
		out[id] = list
	}
	return out
}
