package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tsawler/hailmary/async"
	"github.com/tsawler/hailmary/checkpoints"
	"github.com/tsawler/hailmary/config"
	"github.com/tsawler/hailmary/gan"
	"github.com/tsawler/hailmary/layers"
	"github.com/tsawler/hailmary/logger"
	"github.com/tsawler/hailmary/metrics"
	"github.com/tsawler/hailmary/rendering"
	"github.com/tsawler/hailmary/training"
)

type options struct {
	configPath  string
	sources     string
	valSources  string
	steps       int
	batchSize   int
	metricsDB   string
	checkpoints string
	format      string
	resume      string
	baseline    string
	logLevel    string
	jsonLogs    bool
	memorize    bool
	progress    bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to a .yaml or .json run configuration")
	flag.StringVar(&opts.sources, "sources", "", "Comma separated source directories in id order, generated source last")
	flag.StringVar(&opts.valSources, "val-sources", "", "Comma separated validation directories, same order as -sources")
	flag.IntVar(&opts.steps, "steps", 0, "Training steps (overrides the config)")
	flag.IntVar(&opts.batchSize, "batch-size", 0, "Batch size (overrides the config)")
	flag.StringVar(&opts.metricsDB, "metrics-db", "", "SQLite database for scalar metrics")
	flag.StringVar(&opts.checkpoints, "checkpoints", "", "Checkpoint directory or s3://bucket/prefix")
	flag.StringVar(&opts.format, "format", "", "Checkpoint format: json | proto")
	flag.StringVar(&opts.resume, "resume", "", "Checkpoint name in the checkpoint location to resume from, e.g. latest (overrides gan.resume_from_checkpoint)")
	flag.StringVar(&opts.baseline, "baseline", "", "Checkpoint file with pretrained depth_encoder and depth_decoder weights")
	flag.StringVar(&opts.logLevel, "log-level", "", "debug | info | warn | error")
	flag.BoolVar(&opts.jsonLogs, "json-logs", false, "Log JSON instead of console output")
	flag.BoolVar(&opts.memorize, "memorize", false, "Train on the first batch of every source only")
	flag.BoolVar(&opts.progress, "progress", true, "Show a progress bar")
	flag.Parse()

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		fmt.Fprintf(os.Stderr, "Usage: %s -config run.yaml [-sources a,b,real] [-steps N] [-checkpoints dir|s3://bucket/prefix] [-resume latest]\n", os.Args[0])
		os.Exit(2)
	}

	log, err := logger.FromConfig(cfg.Logging.Level, cfg.Logging.Console)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, opts, log); err != nil {
		log.Fatal().Err(err).Msg("training failed")
	}
}

// loadConfig reads the config file, if any, and applies the flags over it.
func loadConfig(opts options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return cfg, err
		}
	}
	if opts.sources != "" {
		cfg.Data.Sources = sourceList(opts.sources)
	}
	if opts.valSources != "" {
		cfg.Data.ValidationDirs = sourceList(opts.valSources)
	}
	if opts.steps > 0 {
		cfg.Training.Steps = opts.steps
	}
	if opts.batchSize > 0 {
		cfg.Data.BatchSize = opts.batchSize
	}
	if opts.metricsDB != "" {
		cfg.Training.MetricsDB = opts.metricsDB
	}
	if opts.checkpoints != "" {
		cfg.Training.CheckpointLocation = opts.checkpoints
	}
	if opts.format != "" {
		cfg.Training.CheckpointFormat = opts.format
	}
	if opts.baseline != "" {
		cfg.GAN.BaselineCheckpoint = opts.baseline
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.jsonLogs {
		cfg.Logging.Console = false
	}
	if opts.memorize {
		cfg.Data.Memorize = true
	}
	if len(cfg.Data.Sources) == 0 {
		return cfg, fmt.Errorf("no data sources: set data.sources in the config or pass -sources")
	}
	return cfg, cfg.Validate()
}

func sourceList(list string) []config.SourceConfig {
	var out []config.SourceConfig
	for _, dir := range strings.Split(list, ",") {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		out = append(out, config.SourceConfig{Name: filepath.Base(dir), Dir: dir})
	}
	return out
}

func run(ctx context.Context, cfg config.Config, opts options, log zerolog.Logger) error {
	format, err := checkpoints.ParseFormat(cfg.Training.CheckpointFormat)
	if err != nil {
		return err
	}
	store, err := checkpoints.OpenStore(ctx, cfg.Training.CheckpointLocation, cfg.S3, format)
	if err != nil {
		return err
	}

	runID := config.NewRunID()
	var restore *checkpoints.Checkpoint
	resume := opts.resume
	if resume == "" {
		resume = cfg.GAN.ResumeFromCheckpoint
	}
	if resume != "" {
		if restore, err = training.LoadCheckpoint(ctx, store, resume); err != nil {
			return err
		}
		if restore.Metadata.RunID != "" {
			runID = restore.Metadata.RunID
		}
		cfg.GAN.ResumeFromCheckpoint = resume
		// The data pipeline and the runner must see the stored image size
		// and learning rates too.
		if err := config.ApplyHyperparameters(restore.Hyperparameters, &cfg.GAN, &cfg.Texture); err != nil {
			return err
		}
		log.Info().Str("checkpoint", store.Location(resume)).Int("step", restore.TrainingState.TotalTrainSteps).Msg("resuming")
	}

	var baseline *checkpoints.Checkpoint
	if path := cfg.GAN.BaselineCheckpoint; path != "" {
		baselineFormat := checkpoints.FormatJSON
		if filepath.Ext(path) == checkpoints.FormatProto.Extension() {
			baselineFormat = checkpoints.FormatProto
		}
		if baseline, err = checkpoints.NewCheckpointSaver(baselineFormat).LoadCheckpoint(path); err != nil {
			return err
		}
	}

	latest := training.NewLatestSink()
	sinks := metrics.MultiSink{latest, metrics.NewLogSink(logger.Component(log, "metrics"), zerolog.DebugLevel)}
	if cfg.Training.MetricsDB != "" {
		db, err := metrics.OpenSQLite(cfg.Training.MetricsDB, runID)
		if err != nil {
			return err
		}
		defer db.Close()
		sinks = append(sinks, db)
	}

	train, val, err := training.OpenBatches(cfg)
	if err != nil {
		return err
	}

	model, err := gan.NewModel(gan.Options{
		GAN:      cfg.GAN,
		Texture:  cfg.Texture,
		Factory:  layers.Factory{},
		Renderer: rendering.NewPhong(cfg.GAN.Phong),
		Sink:     sinks,
		Logger:   logger.Component(log, "model"),
		RunID:    runID,
		Seed:     cfg.Training.Seed,
		Baseline: baseline,
		Restore:  restore,
	})
	if err != nil {
		return err
	}
	training.PrintSummary(os.Stdout, model.Sizes())

	runnerOpts := training.RunnerOptions{
		Train:  train,
		Store:  store,
		Sink:   sinks,
		Logger: logger.Component(log, "runner").With().Str("run_id", runID).Logger(),
		Latest: latest,
	}
	// A nil *BatchLoader must not become a non-nil BatchSource.
	if val != nil {
		runnerOpts.Validation = val
	}
	if opts.progress {
		runnerOpts.Progress = os.Stdout
	}
	if cfg.Data.Prefetch > 0 {
		prefetcher, err := async.NewPrefetcher(train, cfg.Data.Prefetch)
		if err != nil {
			return err
		}
		defer prefetcher.Stop()
		runnerOpts.Train = prefetcher
	}
	runner, err := training.NewRunner(model, training.RunnerConfigFrom(cfg), runnerOpts)
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}
