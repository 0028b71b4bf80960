package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks a configuration that must be fixed before training.
var ErrInvalidConfig = errors.New("invalid configuration")

var optimizerNames = map[string]bool{"adam": true, "radam": true, "rmsprop": true, "sgd": true}

// Load reads a .json, .yaml or .yml file over Default() and validates the
// result. Keys missing from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config file %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "failed to parse config YAML %s", path)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "failed to parse config JSON %s", path)
		}
	default:
		return Config{}, errors.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if err := c.GAN.Validate(); err != nil {
		return err
	}
	if err := c.Texture.Validate(); err != nil {
		return err
	}
	if n := len(c.Data.Sources); n > 0 && n != c.Texture.ReferenceSources+1 {
		return errors.Wrapf(ErrInvalidConfig, "%d data sources configured, expected %d references plus the generated source",
			n, c.Texture.ReferenceSources)
	}
	if c.Data.BatchSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "batch_size must be positive, got %d", c.Data.BatchSize)
	}
	if c.Data.DepthScale <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "depth_scale must be positive, got %g", c.Data.DepthScale)
	}
	switch c.Training.CheckpointFormat {
	case "", "json", "proto":
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown checkpoint format %q", c.Training.CheckpointFormat)
	}
	return nil
}

// Validate rejects settings the training step cannot run with.
func (c GANConfig) Validate() error {
	if c.AccumulateGradBatches <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "accumulate_grad_batches must be positive, got %d", c.AccumulateGradBatches)
	}
	if c.WassersteinCriticUpdates <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "wasserstein_critic_updates must be positive, got %d", c.WassersteinCriticUpdates)
	}
	if len(c.Encoder.Channels) == 0 {
		return errors.Wrap(ErrInvalidConfig, "encoder needs at least one stage")
	}
	if c.UseFeatureLevel && len(c.Encoder.Channels) < 2 {
		return errors.Wrap(ErrInvalidConfig, "feature level heads need at least two encoder stages")
	}
	scale := 1 << (len(c.Encoder.Channels) - 1)
	if c.ImageSize <= 0 || c.ImageSize%scale != 0 {
		return errors.Wrapf(ErrInvalidConfig, "image_size %d must be a positive multiple of %d", c.ImageSize, scale)
	}
	if c.Encoder.KernelSize%2 == 0 {
		return errors.Wrapf(ErrInvalidConfig, "encoder kernel_size must be odd, got %d", c.Encoder.KernelSize)
	}
	if err := checkOptimizer("generator", c.GeneratorOptimizer, c.GeneratorLR); err != nil {
		return err
	}
	if c.UseDiscriminator {
		if err := checkOptimizer("discriminator", c.DiscriminatorOptimizer, c.DiscriminatorLR); err != nil {
			return err
		}
	}
	if c.UseCritic {
		if err := checkOptimizer("critic", c.CriticOptimizer, c.CriticLR); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects texture generator settings that cannot be built.
func (c TextureConfig) Validate() error {
	if c.ReferenceSources < 0 {
		return errors.Wrapf(ErrInvalidConfig, "reference_sources must not be negative, got %d", c.ReferenceSources)
	}
	if len(c.Generator.Channels) == 0 {
		return errors.Wrap(ErrInvalidConfig, "texture generator needs at least one hidden layer")
	}
	if err := checkOptimizer("texture generator", c.GeneratorOptimizer, c.GeneratorLR); err != nil {
		return err
	}
	if c.UseDiscriminator {
		if err := checkOptimizer("texture discriminator", c.DiscriminatorOptimizer, c.DiscriminatorLR); err != nil {
			return err
		}
	}
	if c.UseCritic {
		if err := checkOptimizer("texture critic", c.CriticOptimizer, c.CriticLR); err != nil {
			return err
		}
	}
	return nil
}

func checkOptimizer(group, name string, lr float64) error {
	if !optimizerNames[strings.ToLower(name)] {
		return errors.Wrapf(ErrInvalidConfig, "unknown %s optimizer %q", group, name)
	}
	if lr <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s learning rate must be positive, got %g", group, lr)
	}
	return nil
}

// Hyperparameters is the part of the configuration stored in checkpoints.
type Hyperparameters struct {
	GAN     GANConfig     `json:"gan"`
	Texture TextureConfig `json:"texture"`
}

// MarshalHyperparameters serialises the model configuration for a
// checkpoint.
func MarshalHyperparameters(gan GANConfig, texture TextureConfig) (json.RawMessage, error) {
	raw, err := json.Marshal(Hyperparameters{GAN: gan, Texture: texture})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode hyperparameters")
	}
	return raw, nil
}

// ApplyHyperparameters overrides gan and texture with the values stored in
// a checkpoint. The resume path itself is kept so the run knows where it
// came from.
func ApplyHyperparameters(raw json.RawMessage, gan *GANConfig, texture *TextureConfig) error {
	if len(raw) == 0 {
		return nil
	}
	resume := gan.ResumeFromCheckpoint
	stored := Hyperparameters{GAN: *gan, Texture: *texture}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return errors.Wrap(err, "failed to decode checkpoint hyperparameters")
	}
	*gan = stored.GAN
	*texture = stored.Texture
	gan.ResumeFromCheckpoint = resume
	return nil
}
