package training

import (
	"context"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tsawler/hailmary/checkpoints"
)

// LatestCheckpoint is the name the most recent checkpoint is also saved
// under; BestCheckpoint holds the one with the lowest validation score.
const (
	LatestCheckpoint = "latest"
	BestCheckpoint   = "best"
)

// Checkpointer snapshots a model.
type Checkpointer interface {
	Checkpoint() (*checkpoints.Checkpoint, error)
}

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveFrequency   int    // save every N training steps, 0 disables periodic saves
	SaveBest        bool   // save when the validation score improves
	FilenamePattern string // formatted with the training step
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveFrequency:   500,
		SaveBest:        true,
		FilenamePattern: "step-%06d",
	}
}

// CheckpointManager writes periodic, latest and best checkpoints to a store.
type CheckpointManager struct {
	config    CheckpointConfig
	store     checkpoints.Store
	bestScore float64
	saved     []string
	log       zerolog.Logger
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(store checkpoints.Store, config CheckpointConfig, log zerolog.Logger) *CheckpointManager {
	if config.FilenamePattern == "" {
		config.FilenamePattern = DefaultCheckpointConfig().FilenamePattern
	}
	return &CheckpointManager{
		config:    config,
		store:     store,
		bestScore: math.Inf(1),
		log:       log,
	}
}

// Save writes model under name and under LatestCheckpoint.
func (cm *CheckpointManager) Save(ctx context.Context, name string, model Checkpointer, description string) error {
	cp, err := model.Checkpoint()
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint")
	}
	cp.Metadata.Description = description
	for _, n := range []string{name, LatestCheckpoint} {
		if err := cm.store.Save(ctx, n, cp); err != nil {
			return errors.Wrapf(err, "failed to save checkpoint %s", n)
		}
	}
	cm.saved = append(cm.saved, name)
	cm.log.Info().Str("location", cm.store.Location(name)).Str("description", description).Msg("checkpoint saved")
	return nil
}

// SavePeriodic saves when step is a multiple of the save frequency.
func (cm *CheckpointManager) SavePeriodic(ctx context.Context, step int, model Checkpointer) (bool, error) {
	if cm.config.SaveFrequency <= 0 || step == 0 || step%cm.config.SaveFrequency != 0 {
		return false, nil
	}
	name := fmt.Sprintf(cm.config.FilenamePattern, step)
	return true, cm.Save(ctx, name, model, fmt.Sprintf("periodic checkpoint at step %d", step))
}

// SaveBest saves model as BestCheckpoint when score is lower than every
// score seen so far.
func (cm *CheckpointManager) SaveBest(ctx context.Context, step int, score float64, model Checkpointer) (bool, error) {
	if !cm.config.SaveBest || math.IsNaN(score) || score >= cm.bestScore {
		return false, nil
	}
	cm.bestScore = score
	return true, cm.Save(ctx, BestCheckpoint, model, fmt.Sprintf("best checkpoint at step %d, score %.6f", step, score))
}

// Saved lists the names written by Save, oldest first.
func (cm *CheckpointManager) Saved() []string {
	return append([]string(nil), cm.saved...)
}

// LoadCheckpoint reads name from store, for resuming a run.
func LoadCheckpoint(ctx context.Context, store checkpoints.Store, name string) (*checkpoints.Checkpoint, error) {
	cp, err := store.Load(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load checkpoint from %s", store.Location(name))
	}
	return cp, nil
}
