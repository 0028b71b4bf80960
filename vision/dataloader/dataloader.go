package dataloader

import (
	"io"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/hailmary/tensor"
	"github.com/tsawler/hailmary/vision/dataset"
	"github.com/tsawler/hailmary/vision/preprocessing"
)

// DataLoader turns dataset items into batched tensors, one [B,C,S,S]
// tensor per kind the dataset serves.
type DataLoader struct {
	mu       sync.Mutex
	dataset  dataset.Dataset
	kinds    []preprocessing.Kind
	config   Config
	indices  []int
	position int
	rng      *rand.Rand

	// Cache manager - can be shared between DataLoaders
	cacheManager *CacheManager
	ownedCache   bool

	processor *preprocessing.ImageProcessor
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	DropLast     bool // skip a trailing batch smaller than BatchSize
	ImageSize    int
	DepthScale   float32
	NumWorkers   int           // parallel decoders per batch
	MaxCacheSize int           // decoded images to keep when no CacheManager is given
	CacheManager *CacheManager // optional shared cache
	Seed         int64
}

// NewDataLoader creates a new data loader
func NewDataLoader(ds dataset.Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.ImageSize <= 0 {
		return nil, errors.Errorf("image size must be positive, got %d", config.ImageSize)
	}
	if config.DepthScale == 0 {
		config.DepthScale = 1
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	kinds := ds.Kinds()
	if len(kinds) == 0 {
		return nil, errors.New("dataset serves no image kinds")
	}

	cache, owned := config.CacheManager, false
	if cache == nil {
		cache, owned = NewCacheManager(config.MaxCacheSize), true
	}

	dl := &DataLoader{
		dataset:      ds,
		kinds:        kinds,
		config:       config,
		indices:      make([]int, ds.Len()),
		rng:          rand.New(rand.NewSource(config.Seed)),
		cacheManager: cache,
		ownedCache:   owned,
		processor:    preprocessing.NewImageProcessor(config.ImageSize, config.DepthScale),
	}
	for i := range dl.indices {
		dl.indices[i] = i
	}
	dl.shuffle()
	return dl, nil
}

func (dl *DataLoader) shuffle() {
	if !dl.config.Shuffle {
		return
	}
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// Reset rewinds the loader, reshuffling when configured to.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.position = 0
	dl.shuffle()
}

// Kinds returns the kinds of the tensors NextBatch returns, in order.
func (dl *DataLoader) Kinds() []preprocessing.Kind {
	return dl.kinds
}

// NextBatch loads the next batch. It returns io.EOF once the dataset is
// exhausted.
func (dl *DataLoader) NextBatch() ([]*tensor.Tensor, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	remaining := len(dl.indices) - dl.position
	batchSize := dl.config.BatchSize
	if remaining < batchSize {
		batchSize = remaining
	}
	if batchSize <= 0 || (dl.config.DropLast && batchSize < dl.config.BatchSize) {
		return nil, io.EOF
	}

	items := make([][]string, batchSize)
	for i := range items {
		idx := dl.indices[dl.position+i]
		files, err := dl.dataset.GetItem(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get item %d", idx)
		}
		if len(files) != len(dl.kinds) {
			return nil, errors.Errorf("item %d has %d files, expected %d", idx, len(files), len(dl.kinds))
		}
		items[i] = files
	}
	dl.position += batchSize

	return dl.load(items)
}

// load decodes every file of items with a bounded worker pool and stacks
// the results per kind.
func (dl *DataLoader) load(items [][]string) ([]*tensor.Tensor, error) {
	size := dl.config.ImageSize
	plane := size * size
	batch := len(items)

	out := make([][]float64, len(dl.kinds))
	for k, kind := range dl.kinds {
		out[k] = make([]float64, batch*kind.Channels()*plane)
	}

	type job struct {
		sample, kind int
	}
	jobs := make(chan job, batch*len(dl.kinds))
	errs := make([]error, batch*len(dl.kinds))

	var wg sync.WaitGroup
	for w := 0; w < dl.config.NumWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				kind := dl.kinds[j.kind]
				data, err := dl.decode(items[j.sample][j.kind], kind)
				if err != nil {
					errs[j.sample*len(dl.kinds)+j.kind] = err
					continue
				}
				dst := out[j.kind][j.sample*kind.Channels()*plane:]
				for i, v := range data {
					dst[i] = float64(v)
				}
			}
		}()
	}
	for s := range items {
		for k := range dl.kinds {
			jobs <- job{sample: s, kind: k}
		}
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	tensors := make([]*tensor.Tensor, len(dl.kinds))
	for k, kind := range dl.kinds {
		t, err := tensor.New([]int{batch, kind.Channels(), size, size}, out[k])
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build %s batch", kind)
		}
		tensors[k] = t
	}
	return tensors, nil
}

// decode loads one file through the cache.
func (dl *DataLoader) decode(path string, kind preprocessing.Kind) ([]float32, error) {
	key := Key(path, kind)
	if data, ok := dl.cacheManager.Get(key); ok {
		return data, nil
	}
	img, err := dl.processor.DecodeFile(path, kind)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s image", kind)
	}
	if img.Channels != kind.Channels() || img.Width != dl.config.ImageSize || img.Height != dl.config.ImageSize {
		return nil, errors.Errorf("%s decoded to %dx%dx%d", path, img.Channels, img.Height, img.Width)
	}
	dl.cacheManager.Put(key, img.Data)
	return img.Data, nil
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.cacheManager.Stats().String()
}

// Progress returns the current progress through the dataset
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// ClearCache clears the image cache unless it is shared.
func (dl *DataLoader) ClearCache() {
	if dl.ownedCache {
		dl.cacheManager.Clear()
	}
}

// GetCacheManager returns the cache manager for sharing between DataLoaders
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cacheManager
}
