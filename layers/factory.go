package layers

import (
	"fmt"

	"github.com/tsawler/hailmary/config"
	"github.com/tsawler/hailmary/gan"
)

// Factory builds the CPU networks used by gan.Model.
type Factory struct{}

var _ gan.NetworkFactory = Factory{}

// NewDepthModel builds the baseline encoder for RGB input and its merged
// depth+normals decoder.
func (Factory) NewDepthModel(cfg config.GANConfig) (gan.Encoder, gan.Decoder, error) {
	enc, err := NewEncoder(3, cfg.Encoder)
	if err != nil {
		return nil, nil, err
	}
	dec, err := NewDecoder(cfg.Encoder)
	if err != nil {
		return nil, nil, err
	}
	return enc, dec, nil
}

// NewGenerator builds a fresh encoder and copies the baseline weights and
// running statistics into it.
func (Factory) NewGenerator(cfg config.GANConfig, baseline gan.Encoder) (gan.Encoder, error) {
	src, ok := baseline.(*Encoder)
	if !ok {
		return nil, fmt.Errorf("generator needs a *layers.Encoder baseline, got %T", baseline)
	}
	enc, err := NewEncoder(3, cfg.Encoder)
	if err != nil {
		return nil, err
	}
	if err := CopyState(enc, src); err != nil {
		return nil, fmt.Errorf("failed to initialise generator from baseline: %v", err)
	}
	return enc, nil
}

// NewHead builds a discriminator or critic. A positive inChannels overrides
// cfg.InChannels, which is how feature-level heads get their stage width.
func (Factory) NewHead(cfg config.DiscriminatorConfig, inChannels int) (gan.Head, error) {
	if inChannels > 0 {
		cfg.InChannels = inChannels
	}
	return NewDiscriminator(cfg)
}

func (Factory) NewTextureGenerator(cfg config.TextureConfig) (gan.TextureGenerator, error) {
	return NewTextureGenerator(cfg.Generator)
}
