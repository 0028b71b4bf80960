package gan

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tsawler/hailmary/tensor"
)

// Phase is the half of the adversarial cycle a training step runs.
type Phase int

const (
	PhaseDiscriminatorCritic Phase = iota
	PhaseGenerator
)

func (p Phase) String() string {
	if p == PhaseGenerator {
		return "GEN"
	}
	return "DISC"
}

// ParsePhase is the inverse of Phase.String.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "GEN":
		return PhaseGenerator, nil
	case "DISC", "":
		return PhaseDiscriminatorCritic, nil
	default:
		return 0, errors.Errorf("unknown phase %q", s)
	}
}

// Counters are the step counters the scheduler owns.
type Counters struct {
	TotalTrainSteps     int
	BatchesAccumulated  int
	GeneratorGlobalStep int
	CriticGlobalStep    int

	// Optimizer applications of the texture sub-trainer.
	TextureGeneratorSteps     int
	TextureCriticSteps        int
	TextureDiscriminatorSteps int
}

// Schedule configures the cadence of the scheduler.
type Schedule struct {
	// Window is the number of calls whose gradients form one update.
	Window int
	// CriticUpdates is the number of critic updates per generator update.
	CriticUpdates int

	Discriminator        bool
	Critic               bool
	TextureDiscriminator bool
	TextureCritic        bool

	// DiscriminatorGroups throttles the generator: it is updated once every
	// DiscriminatorGroups generator windows. Zero counts as one.
	DiscriminatorGroups int
}

// passes is the work the scheduler orders. Each pass runs its forward and
// backward computation and returns the detached losses it produced.
type passes interface {
	prepare(phase Phase)
	generatorPass(step int, batch Batch) (LossDelta, error)
	discriminatorPass(step int, batch Batch) (LossDelta, error)
	criticPass(step int, batch Batch) (LossDelta, error)
	textureCriticPass(step int, batch Batch) (LossDelta, error)
	textureDiscriminatorPass(step int, batch Batch) (LossDelta, error)
	zeroGrad()
	endStep()
}

// Scheduler is the manual optimisation state machine. It starts in the
// discriminator/critic phase.
type Scheduler struct {
	schedule Schedule
	work     passes
	registry *OptimizerRegistry
	losses   *LossAggregator
	log      zerolog.Logger

	phase    Phase
	counters Counters
}

// NewScheduler validates schedule and returns a scheduler in the
// discriminator/critic phase.
func NewScheduler(schedule Schedule, work passes, registry *OptimizerRegistry, losses *LossAggregator, log zerolog.Logger) (*Scheduler, error) {
	if schedule.Window <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "accumulation window must be positive, got %d", schedule.Window)
	}
	if schedule.CriticUpdates <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "critic update cadence must be positive, got %d", schedule.CriticUpdates)
	}
	return &Scheduler{
		schedule: schedule,
		work:     work,
		registry: registry,
		losses:   losses,
		log:      log,
		phase:    PhaseDiscriminatorCritic,
		counters: Counters{GeneratorGlobalStep: -1},
	}, nil
}

func (s *Scheduler) Phase() Phase       { return s.phase }
func (s *Scheduler) Counters() Counters { return s.counters }

// Restore sets the phase and counters, typically from a checkpoint.
func (s *Scheduler) Restore(phase Phase, c Counters) {
	s.phase = phase
	s.counters = c
}

// Step runs one training call. On the last call of an accumulation window
// it applies the due optimizers, flushes the loss groups and may switch
// phase; every model gradient is cleared afterwards. A cancelled context
// aborts the call before any optimizer is applied. A failed or cancelled
// call restores the phase and counters it started from and discards the
// open accumulation window.
func (s *Scheduler) Step(ctx context.Context, batch Batch) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	phase, counters := s.phase, s.counters
	defer func() {
		if err != nil {
			s.abandon(phase, counters)
		}
	}()
	s.counters.TotalTrainSteps++
	s.counters.BatchesAccumulated++
	full := false
	if s.counters.BatchesAccumulated == s.schedule.Window {
		full = true
		s.counters.BatchesAccumulated = 0
	}
	defer s.work.endStep()

	if s.phase == PhaseGenerator {
		err = s.generatorStep(ctx, batch, full)
	} else {
		err = s.discriminatorCriticStep(ctx, batch, full)
	}
	if err != nil {
		return err
	}
	if full {
		s.work.zeroGrad()
	}
	return nil
}

// abandon rolls back to phase and c and drops the gradients and loss sums
// of the open window.
func (s *Scheduler) abandon(phase Phase, c Counters) {
	s.phase, s.counters = phase, c
	s.counters.BatchesAccumulated = 0
	s.work.zeroGrad()
	for _, g := range []Group{GroupGenerator, GroupDiscriminator, GroupCritic} {
		s.losses.Reset(g)
	}
	s.log.Debug().Int("step", c.TotalTrainSteps+1).Str("phase", phase.String()).
		Msg("accumulation window abandoned")
}

func (s *Scheduler) generatorStep(ctx context.Context, batch Batch, full bool) error {
	step := s.counters.TotalTrainSteps
	s.work.prepare(PhaseGenerator)
	delta, err := s.work.generatorPass(step, batch)
	if err != nil {
		return errors.WithMessage(err, "generator pass")
	}
	if err := s.losses.Merge(delta); err != nil {
		return err
	}
	if !full {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.counters.GeneratorGlobalStep++
	s.phase = PhaseDiscriminatorCritic
	groups := s.schedule.DiscriminatorGroups
	if groups <= 0 {
		groups = 1
	}
	if (s.counters.GeneratorGlobalStep+1)%groups != 0 {
		s.losses.Reset(GroupGenerator)
		s.log.Debug().Int("step", step).Int("generator_step", s.counters.GeneratorGlobalStep).
			Msg("generator update throttled")
		return nil
	}

	if err := s.registry.StepAndClear(SlotGenerator, SlotTextureGenerator); err != nil {
		return err
	}
	s.counters.TextureGeneratorSteps++
	s.log.Debug().Int("step", step).Int("generator_step", s.counters.GeneratorGlobalStep).
		Msg("generator updated")
	return s.losses.FlushAndLog(GroupGenerator, step)
}

func (s *Scheduler) discriminatorCriticStep(ctx context.Context, batch Batch, full bool) error {
	step := s.counters.TotalTrainSteps
	cadence := s.schedule.CriticUpdates
	first := s.counters.CriticGlobalStep%cadence == 0
	last := !s.schedule.Critic || (s.counters.CriticGlobalStep+1)%cadence == 0

	s.work.prepare(PhaseDiscriminatorCritic)
	var due []Slot
	run := func(enabled bool, slot Slot, name string, pass func(int, Batch) (LossDelta, error)) error {
		if !enabled {
			return nil
		}
		delta, err := pass(step, batch)
		if err != nil {
			return errors.WithMessagef(err, "%s pass", name)
		}
		if err := s.losses.Merge(delta); err != nil {
			return err
		}
		due = append(due, slot)
		return nil
	}
	if err := run(s.schedule.Discriminator && first, SlotDiscriminator, "discriminator", s.work.discriminatorPass); err != nil {
		return err
	}
	if err := run(s.schedule.Critic, SlotCritic, "critic", s.work.criticPass); err != nil {
		return err
	}
	if err := run(s.schedule.TextureCritic, SlotTextureCritic, "texture critic", s.work.textureCriticPass); err != nil {
		return err
	}
	if err := run(s.schedule.TextureDiscriminator && first, SlotTextureDiscriminator, "texture discriminator", s.work.textureDiscriminatorPass); err != nil {
		return err
	}
	if !full {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.registry.StepAndClear(due...); err != nil {
		return err
	}
	for _, slot := range due {
		switch slot {
		case SlotTextureCritic:
			s.counters.TextureCriticSteps++
		case SlotTextureDiscriminator:
			s.counters.TextureDiscriminatorSteps++
		}
	}
	if s.schedule.Critic || s.schedule.TextureCritic {
		s.counters.CriticGlobalStep++
		if err := s.losses.FlushAndLog(GroupCritic, step); err != nil {
			return err
		}
	}
	if first && (s.schedule.Discriminator || s.schedule.TextureDiscriminator) {
		if err := s.losses.FlushAndLog(GroupDiscriminator, step); err != nil {
			return err
		}
	}
	if last {
		s.phase = PhaseGenerator
	}
	s.log.Debug().Int("step", step).Int("critic_step", s.counters.CriticGlobalStep).
		Bool("first", first).Bool("last", last).Str("phase", s.phase.String()).
		Msg("discriminators and critics updated")
	return nil
}

// backward runs backprop for loss when it carries a graph.
func backward(loss *tensor.Tensor) error {
	if loss == nil || !loss.RequiresGrad() {
		return nil
	}
	return loss.Backward()
}
