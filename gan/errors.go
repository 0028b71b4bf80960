package gan

import (
	"github.com/pkg/errors"

	"github.com/tsawler/hailmary/config"
)

var (
	// ErrInvalidConfig is returned for settings the scheduler cannot run
	// with, such as a non-positive accumulation window.
	ErrInvalidConfig = config.ErrInvalidConfig

	// ErrNameCollision is returned at setup when the texture generator's
	// loss or head names clash with the outer model's.
	ErrNameCollision = errors.New("loss or head name collision")

	// ErrNoReferenceSources is returned when there is nothing to compare the
	// generated source against.
	ErrNoReferenceSources = errors.New("at least one reference source is required")

	ErrUnknownLoss = errors.New("unknown loss name")
	ErrUnknownSlot = errors.New("unknown optimizer slot")

	// ErrBatchSizeMismatch is returned when a reference source and the
	// generated source carry different batch sizes.
	ErrBatchSizeMismatch = errors.New("batch size mismatch between sources")

	ErrMissingSource = errors.New("batch is missing a source")

	// ErrGeometryShape is returned when a reference source's depth or
	// normals do not line up with its color images.
	ErrGeometryShape = errors.New("reference geometry does not match its color images")
)
