package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/hailmary/config"
	"github.com/tsawler/hailmary/vision/dataloader"
	"github.com/tsawler/hailmary/vision/dataset"
)

// OpenBatches indexes the configured source directories and returns a
// training loader that never runs dry within cfg.Training.Steps, plus a
// validation loader when validation sources are configured.
func OpenBatches(cfg config.Config) (*dataloader.BatchLoader, *dataloader.BatchLoader, error) {
	if len(cfg.Data.Sources) == 0 {
		return nil, nil, errors.Wrap(config.ErrInvalidConfig, "no data sources configured")
	}
	if n := len(cfg.Data.ValidationDirs); n > 0 && n != len(cfg.Data.Sources) {
		return nil, nil, errors.Wrapf(config.ErrInvalidConfig, "%d validation sources for %d training sources", n, len(cfg.Data.Sources))
	}

	length := cfg.Training.Steps * cfg.Data.BatchSize
	train := make([]dataset.Dataset, len(cfg.Data.Sources))
	for id, src := range cfg.Data.Sources {
		ds, err := dataset.NewImageFolderDataset(src.Dir)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "source %d (%s)", id, src.Name)
		}
		var base dataset.Dataset = ds
		if cfg.Data.Memorize {
			if base, err = dataset.NewMemorizeCheck(ds, cfg.Data.BatchSize, length); err != nil {
				return nil, nil, errors.WithMessagef(err, "source %d (%s)", id, src.Name)
			}
		}
		if train[id], err = dataset.NewEndlessDataset(base, length, cfg.Data.Seed+int64(id)); err != nil {
			return nil, nil, errors.WithMessagef(err, "source %d (%s)", id, src.Name)
		}
	}

	var val []dataset.Dataset
	for id, src := range cfg.Data.ValidationDirs {
		ds, err := dataset.NewImageFolderDataset(src.Dir)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "validation source %d (%s)", id, src.Name)
		}
		val = append(val, ds)
	}

	return dataloader.CreateSharedBatchLoaders(train, val, dataloader.Config{
		BatchSize:    cfg.Data.BatchSize,
		ImageSize:    cfg.GAN.ImageSize,
		DepthScale:   float32(cfg.Data.DepthScale),
		NumWorkers:   cfg.Data.NumWorkers,
		MaxCacheSize: cfg.Data.CacheSize,
		Seed:         cfg.Data.Seed,
	})
}
