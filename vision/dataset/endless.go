package dataset

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/hailmary/vision/preprocessing"
)

// EndlessDataset reports a fixed length and serves its wrapped dataset in
// random order, drawing a fresh permutation every time one is used up. The
// index passed to GetItem is ignored.
type EndlessDataset struct {
	mu      sync.Mutex
	dataset Dataset
	length  int
	rng     *rand.Rand
	order   []int
	next    int
}

// NewEndlessDataset wraps ds. The sequence is reproducible for a seed.
func NewEndlessDataset(ds Dataset, length int, seed int64) (*EndlessDataset, error) {
	if ds.Len() == 0 {
		return nil, fmt.Errorf("endless dataset needs a non-empty dataset")
	}
	e := &EndlessDataset{dataset: ds, length: length, rng: rand.New(rand.NewSource(seed))}
	e.order = e.rng.Perm(ds.Len())
	return e, nil
}

func (e *EndlessDataset) Len() int { return e.length }

func (e *EndlessDataset) Kinds() []preprocessing.Kind { return e.dataset.Kinds() }

func (e *EndlessDataset) GetItem(int) ([]string, error) {
	e.mu.Lock()
	idx := e.order[e.next]
	e.next++
	if e.next == len(e.order) {
		e.order = e.rng.Perm(e.dataset.Len())
		e.next = 0
	}
	e.mu.Unlock()
	return e.dataset.GetItem(idx)
}

// MemorizeCheck serves the first batchSize items of a dataset over and over,
// which makes it easy to see whether a model can fit a single batch.
type MemorizeCheck struct {
	dataset   Dataset
	batchSize int
	length    int
}

func NewMemorizeCheck(ds Dataset, batchSize, length int) (*MemorizeCheck, error) {
	if batchSize <= 0 || batchSize > ds.Len() {
		return nil, fmt.Errorf("memorize batch size %d must be in [1, %d]", batchSize, ds.Len())
	}
	return &MemorizeCheck{dataset: ds, batchSize: batchSize, length: length}, nil
}

func (m *MemorizeCheck) Len() int { return m.length }

func (m *MemorizeCheck) Kinds() []preprocessing.Kind { return m.dataset.Kinds() }

func (m *MemorizeCheck) GetItem(index int) ([]string, error) {
	if index < 0 {
		return nil, fmt.Errorf("negative index %d", index)
	}
	return m.dataset.GetItem(index % m.batchSize)
}
