package dataloader

import (
	"github.com/pkg/errors"

	"github.com/tsawler/hailmary/vision/dataset"
)

// CreateSharedDataLoaders creates train and validation DataLoaders backed by
// one cache. The validation loader never shuffles.
func CreateSharedDataLoaders(trainDataset, valDataset dataset.Dataset, config Config) (*DataLoader, *DataLoader, error) {
	cache := config.CacheManager
	if cache == nil {
		size := config.MaxCacheSize
		if size == 0 {
			size = (trainDataset.Len() + valDataset.Len()) * len(trainDataset.Kinds())
		}
		cache = NewCacheManager(size)
	}

	trainConfig := config
	trainConfig.CacheManager = cache
	trainLoader, err := NewDataLoader(trainDataset, trainConfig)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "train loader")
	}

	valConfig := config
	valConfig.CacheManager = cache
	valConfig.Shuffle = false
	valLoader, err := NewDataLoader(valDataset, valConfig)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "validation loader")
	}
	return trainLoader, valLoader, nil
}

// CreateSharedBatchLoaders builds training and validation batch loaders over
// matching source lists, all sharing one cache. Each source gets its own
// seed derived from config.Seed. A nil val list yields a nil validation
// loader.
func CreateSharedBatchLoaders(train, val []dataset.Dataset, config Config) (*BatchLoader, *BatchLoader, error) {
	if val != nil && len(val) != len(train) {
		return nil, nil, errors.Errorf("%d training sources but %d validation sources", len(train), len(val))
	}
	if config.CacheManager == nil {
		config.CacheManager = NewCacheManager(config.MaxCacheSize)
	}

	trainLoaders := make([]*DataLoader, len(train))
	valLoaders := make([]*DataLoader, len(val))
	for id := range train {
		c := config
		c.Seed = config.Seed + int64(id)
		c.DropLast = true
		l, err := NewDataLoader(train[id], c)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "training source %d", id)
		}
		trainLoaders[id] = l
		if val == nil {
			continue
		}
		c.Shuffle = false
		if valLoaders[id], err = NewDataLoader(val[id], c); err != nil {
			return nil, nil, errors.WithMessagef(err, "validation source %d", id)
		}
	}

	trainBatches, err := NewBatchLoader(trainLoaders)
	if err != nil {
		return nil, nil, err
	}
	if val == nil {
		return trainBatches, nil, nil
	}
	valBatches, err := NewBatchLoader(valLoaders)
	if err != nil {
		return nil, nil, err
	}
	return trainBatches, valBatches, nil
}
