package training

import (
	"context"
	"io"
	"math"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tsawler/hailmary/checkpoints"
	"github.com/tsawler/hailmary/config"
	"github.com/tsawler/hailmary/gan"
	"github.com/tsawler/hailmary/metrics"
	"github.com/tsawler/hailmary/optimizer"
)

// Model is the part of gan.Model the runner drives.
type Model interface {
	Checkpointer
	TrainingStep(ctx context.Context, batch gan.Batch) error
	ValidationStep(batch gan.Batch, step int) (*gan.ValidationResult, error)
	Counters() gan.Counters
	Registry() *gan.OptimizerRegistry
}

// BatchSource yields batches until io.EOF; Reset starts over.
type BatchSource interface {
	Next() (gan.Batch, error)
	Reset()
}

// RunnerConfig controls the outer training loop.
type RunnerConfig struct {
	Steps              int
	ValidationInterval int // training steps between validations, 0 disables
	ValidationBatches  int
	Checkpoint         CheckpointConfig
	LRScheduler        optimizer.SchedulerConfig
	// BaseLR holds the configured learning rate of each slot the schedule
	// applies to.
	BaseLR map[gan.Slot]float64
}

// RunnerConfigFrom maps a run configuration onto the runner. The schedule
// drives the generator and the texture generator.
func RunnerConfigFrom(cfg config.Config) RunnerConfig {
	return RunnerConfig{
		Steps:              cfg.Training.Steps,
		ValidationInterval: cfg.Training.ValidationInterval,
		ValidationBatches:  cfg.Training.ValidationBatches,
		Checkpoint: CheckpointConfig{
			SaveFrequency:   cfg.Training.CheckpointInterval,
			SaveBest:        true,
			FilenamePattern: DefaultCheckpointConfig().FilenamePattern,
		},
		LRScheduler: cfg.GAN.LRScheduler,
		BaseLR: map[gan.Slot]float64{
			gan.SlotGenerator:        cfg.GAN.GeneratorLR,
			gan.SlotTextureGenerator: cfg.Texture.GeneratorLR,
		},
	}
}

// RunnerOptions carries the collaborators of a Runner. Store, Validation
// and Progress are optional.
type RunnerOptions struct {
	Train      BatchSource
	Validation BatchSource
	Store      checkpoints.Store
	Sink       metrics.Sink
	Logger     zerolog.Logger
	Progress   io.Writer
	// Latest feeds the progress line; it should also receive the model's
	// scalars.
	Latest *LatestSink
}

// progressKeys are shown on the progress line when they have been logged.
var progressKeys = []string{"g_loss", "d_critics_loss", "d_discriminators_loss", "g_texture_reconstruction_loss"}

// Runner feeds batches to a model, applies the learning-rate schedule per
// generator step, validates and checkpoints.
type Runner struct {
	model       Model
	config      RunnerConfig
	opts        RunnerOptions
	schedule    optimizer.LRScheduler
	checkpoints *CheckpointManager
	log         zerolog.Logger
	lastGenStep int
	scheduled   bool
}

// NewRunner creates a runner for model.
func NewRunner(model Model, cfg RunnerConfig, opts RunnerOptions) (*Runner, error) {
	if opts.Train == nil {
		return nil, errors.New("runner needs a training batch source")
	}
	if cfg.Steps <= 0 {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "steps must be positive, got %d", cfg.Steps)
	}
	schedule, err := optimizer.NewScheduler(cfg.LRScheduler)
	if err != nil {
		return nil, errors.Wrap(config.ErrInvalidConfig, err.Error())
	}
	if opts.Sink == nil {
		opts.Sink = metrics.Discard{}
	}
	r := &Runner{
		model:    model,
		config:   cfg,
		opts:     opts,
		schedule: schedule,
		log:      opts.Logger,
	}
	if opts.Store != nil {
		r.checkpoints = NewCheckpointManager(opts.Store, cfg.Checkpoint, opts.Logger)
	}
	return r, nil
}

// Checkpoints returns the checkpoint manager, nil without a store.
func (r *Runner) Checkpoints() *CheckpointManager {
	return r.checkpoints
}

// Run trains until the configured number of steps. A resumed model
// continues from its restored step count.
func (r *Runner) Run(ctx context.Context) error {
	start := r.model.Counters().TotalTrainSteps
	if start >= r.config.Steps {
		r.log.Info().Int("step", start).Msg("nothing to do, run already complete")
		return nil
	}
	if err := r.applySchedule(); err != nil {
		return err
	}

	var bar *ProgressBar
	if r.opts.Progress != nil {
		bar = NewProgressBar(r.opts.Progress, "Training", r.config.Steps)
	}
	r.log.Info().Int("from", start).Int("to", r.config.Steps).Msg("training started")

	for step := start; step < r.config.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := r.next(r.opts.Train)
		if err != nil {
			return errors.WithMessagef(err, "training batch %d", step)
		}
		if err := r.model.TrainingStep(ctx, batch); err != nil {
			return errors.WithMessagef(err, "training step %d", step)
		}
		if err := r.applySchedule(); err != nil {
			return err
		}

		done := step + 1
		if bar != nil && r.opts.Latest != nil {
			bar.Update(done, r.opts.Latest.Select(progressKeys...))
		} else if bar != nil {
			bar.Update(done, nil)
		}

		if r.config.ValidationInterval > 0 && done%r.config.ValidationInterval == 0 {
			if err := r.validate(ctx, done); err != nil {
				return err
			}
		}
		if r.checkpoints != nil {
			if _, err := r.checkpoints.SavePeriodic(ctx, done, r.model); err != nil {
				return err
			}
		}
	}
	if bar != nil {
		bar.Finish()
	}

	if r.checkpoints != nil {
		if err := r.checkpoints.Save(ctx, "final", r.model, "end of training"); err != nil {
			return err
		}
	}
	r.log.Info().Int("steps", r.config.Steps).Msg("training finished")
	return nil
}

// next reads a batch, starting the source over once when it runs dry.
func (r *Runner) next(src BatchSource) (gan.Batch, error) {
	batch, err := src.Next()
	if err == io.EOF {
		src.Reset()
		batch, err = src.Next()
	}
	if err == io.EOF {
		return nil, errors.New("batch source is empty")
	}
	return batch, err
}

// applySchedule sets the learning rate of every scheduled slot whenever the
// generator has advanced.
func (r *Runner) applySchedule() error {
	step := r.model.Counters().GeneratorGlobalStep
	if r.scheduled && step == r.lastGenStep {
		return nil
	}
	r.lastGenStep, r.scheduled = step, true

	slots := make([]string, 0, len(r.config.BaseLR))
	for slot := range r.config.BaseLR {
		slots = append(slots, string(slot))
	}
	sort.Strings(slots)

	registry := r.model.Registry()
	for _, name := range slots {
		slot := gan.Slot(name)
		if !registry.Has(slot) {
			continue
		}
		lr := r.schedule.GetLR(max(step, 0), r.config.BaseLR[slot])
		if err := registry.SetLR(slot, lr); err != nil {
			return err
		}
		if err := r.opts.Sink.LogScalar("lr_"+name, r.model.Counters().TotalTrainSteps, lr); err != nil {
			return err
		}
	}
	return nil
}

// validate runs the configured number of validation batches, feeds the
// score to a plateau schedule and keeps the best checkpoint.
func (r *Runner) validate(ctx context.Context, step int) error {
	if r.opts.Validation == nil {
		return nil
	}
	r.opts.Validation.Reset()

	batches := max(r.config.ValidationBatches, 1)
	total, n := 0.0, 0
	for i := 0; i < batches; i++ {
		batch, err := r.opts.Validation.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "validation batch %d", i)
		}
		res, err := r.model.ValidationStep(batch, step)
		if err != nil {
			return errors.WithMessagef(err, "validation at step %d", step)
		}
		if s := Score(res); !math.IsNaN(s) {
			total += s
			n++
		}
	}
	if n == 0 {
		return nil
	}
	score := total / float64(n)
	if err := r.opts.Sink.LogScalar("val_score", step, score); err != nil {
		return err
	}

	if plateau, ok := r.schedule.(*optimizer.ReduceLROnPlateauScheduler); ok && plateau.Observe(score) {
		r.log.Info().Int("step", step).Float64("score", score).Msg("validation plateau, learning rate reduced")
		r.scheduled = false
		if err := r.applySchedule(); err != nil {
			return err
		}
	}
	if r.checkpoints != nil {
		if _, err := r.checkpoints.SaveBest(ctx, step, score, r.model); err != nil {
			return err
		}
	}
	return nil
}

// Score reduces a validation result to one number, lower is better: the
// mean depth MAE over reference sources with ground truth, or the texture
// reconstruction error on reference sources when none has depth.
func Score(res *gan.ValidationResult) float64 {
	if len(res.ReferenceDepth) == 0 {
		return res.TextureReference
	}
	total := 0.0
	for _, m := range res.ReferenceDepth {
		total += m.MAE
	}
	return total / float64(len(res.ReferenceDepth))
}
