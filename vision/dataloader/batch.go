package dataloader

import (
	"io"

	"github.com/pkg/errors"

	"github.com/tsawler/hailmary/gan"
	"github.com/tsawler/hailmary/tensor"
	"github.com/tsawler/hailmary/vision/preprocessing"
)

// BatchLoader combines one DataLoader per source into gan batches. Loader i
// feeds source id i; the last loader is the generated source and only its
// color images are used.
type BatchLoader struct {
	loaders []*DataLoader
}

// NewBatchLoader checks that every reference loader serves color, optionally
// followed by depth and normals, and that the generated loader starts with
// color.
func NewBatchLoader(loaders []*DataLoader) (*BatchLoader, error) {
	if len(loaders) < 2 {
		return nil, errors.Wrapf(gan.ErrNoReferenceSources, "%d loaders given", len(loaders))
	}
	for id, l := range loaders {
		kinds := l.Kinds()
		if kinds[0] != preprocessing.Color {
			return nil, errors.Errorf("source %d must serve color images first, got %s", id, kinds[0])
		}
		if id == len(loaders)-1 {
			continue
		}
		if len(kinds) != 1 && !(len(kinds) == 3 && kinds[1] == preprocessing.Depth && kinds[2] == preprocessing.Normals) {
			return nil, errors.Errorf("reference source %d must serve [color] or [color, depth, normals], got %v", id, kinds)
		}
	}
	return &BatchLoader{loaders: loaders}, nil
}

// GeneratedSourceID is the id of the source without geometry.
func (b *BatchLoader) GeneratedSourceID() int {
	return len(b.loaders) - 1
}

// Next returns the next batch, or io.EOF once any source runs out.
func (b *BatchLoader) Next() (gan.Batch, error) {
	batch := make(gan.Batch, len(b.loaders))
	size := -1
	for id, l := range b.loaders {
		tensors, err := l.NextBatch()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, errors.Wrapf(err, "source %d", id)
		}
		if size >= 0 && tensors[0].Shape[0] != size {
			return nil, errors.Wrapf(gan.ErrBatchSizeMismatch, "source %d has %d samples, expected %d", id, tensors[0].Shape[0], size)
		}
		size = tensors[0].Shape[0]
		if id == b.GeneratedSourceID() {
			tensors = []*tensor.Tensor{tensors[0]}
		}
		batch[id] = tensors
	}
	return batch, nil
}

// Reset rewinds every source.
func (b *BatchLoader) Reset() {
	for _, l := range b.loaders {
		l.Reset()
	}
}

// Stats describes the cache of each source.
func (b *BatchLoader) Stats() []string {
	out := make([]string, len(b.loaders))
	for i, l := range b.loaders {
		out[i] = l.Stats()
	}
	return out
}
