// Package config holds the run configuration of a HailMary training run:
// the adversarial model, the nested texture generator, the data sources and
// the outer training loop.
package config

import (
	"github.com/google/uuid"

	"github.com/tsawler/hailmary/checkpoints"
	"github.com/tsawler/hailmary/optimizer"
)

// DiscriminatorConfig describes one discriminator or critic head. Every
// entry of Channels adds a convolution followed by a 2x down-sampling; a
// lazily sized dense layer produces the final score.
type DiscriminatorConfig struct {
	InChannels int     `json:"in_channels" yaml:"in_channels"`
	Channels   []int   `json:"channels" yaml:"channels"`
	KernelSize int     `json:"kernel_size" yaml:"kernel_size"`
	Slope      float64 `json:"slope" yaml:"slope"` // LeakyReLU negative slope
	BatchNorm  bool    `json:"batch_norm" yaml:"batch_norm"`
}

// EncoderConfig describes the depth encoder. Stage i runs at 1/2^i of the
// input resolution with Channels[i] feature maps.
type EncoderConfig struct {
	Channels   []int `json:"channels" yaml:"channels"`
	KernelSize int   `json:"kernel_size" yaml:"kernel_size"`
}

// PhongConfig parameterises the analytic Phong renderer. The light sits at
// LightPosition in camera coordinates; FocalLength is relative to the
// image width.
type PhongConfig struct {
	FocalLength   float64    `json:"focal_length" yaml:"focal_length"`
	LightPosition [3]float64 `json:"light_position" yaml:"light_position"`
	Material      [3]float64 `json:"material" yaml:"material"`
	Ambient       float64    `json:"ambient" yaml:"ambient"`
	Diffuse       float64    `json:"diffuse" yaml:"diffuse"`
	Specular      float64    `json:"specular" yaml:"specular"`
	Shininess     int        `json:"shininess" yaml:"shininess"`
	Attenuation   float64    `json:"attenuation" yaml:"attenuation"` // k in 1 / (1 + k*d²)
}

// GANConfig configures the adversarial adaptation model.
type GANConfig struct {
	ImageSize int     `json:"image_size" yaml:"image_size"`
	MinDepth  float64 `json:"min_depth" yaml:"min_depth"`

	UseDiscriminator bool `json:"use_discriminator" yaml:"use_discriminator"`
	UseCritic        bool `json:"use_critic" yaml:"use_critic"`
	UseFeatureLevel  bool `json:"use_feature_level" yaml:"use_feature_level"`
	PredictNormals   bool `json:"predict_normals" yaml:"predict_normals"`
	FreezeBatchNorm  bool `json:"freeze_batch_norm" yaml:"freeze_batch_norm"`

	AccumulateGradBatches    int     `json:"accumulate_grad_batches" yaml:"accumulate_grad_batches"`
	WassersteinCriticUpdates int     `json:"wasserstein_critic_updates" yaml:"wasserstein_critic_updates"`
	WassersteinLambda        float64 `json:"wasserstein_lambda" yaml:"wasserstein_lambda"`

	FeatureDiscriminatorFactor float64 `json:"feature_discriminator_factor" yaml:"feature_discriminator_factor"`
	ImgDiscriminatorFactor     float64 `json:"img_discriminator_factor" yaml:"img_discriminator_factor"`
	PhongDiscriminatorFactor   float64 `json:"phong_discriminator_factor" yaml:"phong_discriminator_factor"`
	NormalsDiscriminatorFactor float64 `json:"normals_discriminator_factor" yaml:"normals_discriminator_factor"`

	GeneratorOptimizer     string  `json:"generator_optimizer" yaml:"generator_optimizer"`
	DiscriminatorOptimizer string  `json:"discriminator_optimizer" yaml:"discriminator_optimizer"`
	CriticOptimizer        string  `json:"critic_optimizer" yaml:"critic_optimizer"`
	GeneratorLR            float64 `json:"generator_lr" yaml:"generator_lr"`
	DiscriminatorLR        float64 `json:"discriminator_lr" yaml:"discriminator_lr"`
	CriticLR               float64 `json:"critic_lr" yaml:"critic_lr"`

	DiscriminatorLoss string `json:"discriminator_loss" yaml:"discriminator_loss"`
	CriticLoss        string `json:"critic_loss" yaml:"critic_loss"`

	ResumeFromCheckpoint string `json:"resume_from_checkpoint" yaml:"resume_from_checkpoint"`
	BaselineCheckpoint   string `json:"baseline_checkpoint" yaml:"baseline_checkpoint"`

	Encoder EncoderConfig `json:"encoder" yaml:"encoder"`

	FeatureLevelDiscriminator DiscriminatorConfig `json:"feature_level_discriminator" yaml:"feature_level_discriminator"`
	DepthDiscriminator        DiscriminatorConfig `json:"depth_discriminator" yaml:"depth_discriminator"`
	PhongDiscriminator        DiscriminatorConfig `json:"phong_discriminator" yaml:"phong_discriminator"`
	NormalsDiscriminator      DiscriminatorConfig `json:"normals_discriminator" yaml:"normals_discriminator"`
	FeatureLevelCritic        DiscriminatorConfig `json:"feature_level_critic" yaml:"feature_level_critic"`
	DepthCritic               DiscriminatorConfig `json:"depth_critic" yaml:"depth_critic"`
	PhongCritic               DiscriminatorConfig `json:"phong_critic" yaml:"phong_critic"`
	NormalsCritic             DiscriminatorConfig `json:"normals_critic" yaml:"normals_critic"`

	Phong PhongConfig `json:"phong" yaml:"phong"`

	LRScheduler optimizer.SchedulerConfig `json:"lr_scheduler" yaml:"lr_scheduler"`
}

// TextureNetworkConfig describes the depth+normals to color translator.
type TextureNetworkConfig struct {
	Channels   []int `json:"channels" yaml:"channels"`
	KernelSize int   `json:"kernel_size" yaml:"kernel_size"`
}

// TextureConfig configures the nested texture generator. Reference sources
// supervise it directly; the generated source is trained adversarially.
type TextureConfig struct {
	ReferenceSources int `json:"reference_sources" yaml:"reference_sources"`

	UseDiscriminator bool `json:"use_discriminator" yaml:"use_discriminator"`
	UseCritic        bool `json:"use_critic" yaml:"use_critic"`

	GeneratorOptimizer     string  `json:"generator_optimizer" yaml:"generator_optimizer"`
	DiscriminatorOptimizer string  `json:"discriminator_optimizer" yaml:"discriminator_optimizer"`
	CriticOptimizer        string  `json:"critic_optimizer" yaml:"critic_optimizer"`
	GeneratorLR            float64 `json:"generator_lr" yaml:"generator_lr"`
	DiscriminatorLR        float64 `json:"discriminator_lr" yaml:"discriminator_lr"`
	CriticLR               float64 `json:"critic_lr" yaml:"critic_lr"`

	DiscriminatorLoss string  `json:"discriminator_loss" yaml:"discriminator_loss"`
	CriticLoss        string  `json:"critic_loss" yaml:"critic_loss"`
	WassersteinLambda float64 `json:"wasserstein_lambda" yaml:"wasserstein_lambda"`

	ReconstructionFactor float64 `json:"reconstruction_factor" yaml:"reconstruction_factor"`
	AdversarialFactor    float64 `json:"adversarial_factor" yaml:"adversarial_factor"`

	Generator           TextureNetworkConfig `json:"generator" yaml:"generator"`
	DiscriminatorConfig DiscriminatorConfig  `json:"discriminator_config" yaml:"discriminator_config"`
	CriticConfig        DiscriminatorConfig  `json:"critic_config" yaml:"critic_config"`
}

// SourceConfig points at one data source. Dir holds color/, depth/ and
// normals/ sub-directories with matching file names; the generated source
// only needs color/.
type SourceConfig struct {
	Name string `json:"name" yaml:"name"`
	Dir  string `json:"dir" yaml:"dir"`
}

// DataConfig lists the sources in id order; the last one is the generated
// (real) source.
type DataConfig struct {
	Sources        []SourceConfig `json:"sources" yaml:"sources"`
	ValidationDirs []SourceConfig `json:"validation_sources" yaml:"validation_sources"`
	BatchSize      int            `json:"batch_size" yaml:"batch_size"`
	Seed           int64          `json:"seed" yaml:"seed"`
	Memorize       bool           `json:"memorize" yaml:"memorize"`

	// DepthScale converts a full-range 16-bit depth pixel to scene units.
	DepthScale float64 `json:"depth_scale" yaml:"depth_scale"`
	NumWorkers int     `json:"num_workers" yaml:"num_workers"`
	CacheSize  int     `json:"cache_size" yaml:"cache_size"` // decoded images kept in memory, 0 disables
	Prefetch   int     `json:"prefetch" yaml:"prefetch"`     // training batches loaded ahead, 0 loads inline
}

// TrainingConfig drives the outer loop.
type TrainingConfig struct {
	Steps              int    `json:"steps" yaml:"steps"`
	ValidationInterval int    `json:"validation_interval" yaml:"validation_interval"`
	ValidationBatches  int    `json:"validation_batches" yaml:"validation_batches"`
	CheckpointInterval int    `json:"checkpoint_interval" yaml:"checkpoint_interval"`
	CheckpointLocation string `json:"checkpoint_location" yaml:"checkpoint_location"` // directory or s3://bucket/prefix
	CheckpointFormat   string `json:"checkpoint_format" yaml:"checkpoint_format"`     // json or proto
	MetricsDB          string `json:"metrics_db" yaml:"metrics_db"`
	Seed               int64  `json:"seed" yaml:"seed"`
}

// LoggingConfig selects the log level and output style.
type LoggingConfig struct {
	Level   string `json:"level" yaml:"level"`
	Console bool   `json:"console" yaml:"console"`
}

// Config is the complete run configuration.
type Config struct {
	GAN      GANConfig            `json:"gan" yaml:"gan"`
	Texture  TextureConfig        `json:"texture" yaml:"texture"`
	Data     DataConfig           `json:"data" yaml:"data"`
	Training TrainingConfig       `json:"training" yaml:"training"`
	Logging  LoggingConfig        `json:"logging" yaml:"logging"`
	S3       checkpoints.S3Config `json:"s3" yaml:"s3"`
}

// DefaultDiscriminatorConfig returns a small two-stage head.
func DefaultDiscriminatorConfig(inChannels int) DiscriminatorConfig {
	return DiscriminatorConfig{
		InChannels: inChannels,
		Channels:   []int{8, 16},
		KernelSize: 3,
		Slope:      0.2,
	}
}

// DefaultPhongConfig returns a headlight setup matching an endoscope.
func DefaultPhongConfig() PhongConfig {
	return PhongConfig{
		FocalLength: 1.0,
		Material:    [3]float64{1.0, 0.62, 0.55},
		Ambient:     0.1,
		Diffuse:     0.7,
		Specular:    0.2,
		Shininess:   8,
		Attenuation: 1.0,
	}
}

// DefaultGANConfig returns the configuration used when a file omits a key.
func DefaultGANConfig() GANConfig {
	return GANConfig{
		ImageSize:                  64,
		MinDepth:                   0.01,
		UseDiscriminator:           true,
		UseCritic:                  true,
		UseFeatureLevel:            true,
		PredictNormals:             true,
		AccumulateGradBatches:      1,
		WassersteinCriticUpdates:   5,
		WassersteinLambda:          10,
		FeatureDiscriminatorFactor: 1,
		ImgDiscriminatorFactor:     1,
		PhongDiscriminatorFactor:   1,
		NormalsDiscriminatorFactor: 1,
		GeneratorOptimizer:         "adam",
		DiscriminatorOptimizer:     "adam",
		CriticOptimizer:            "rmsprop",
		GeneratorLR:                5e-5,
		DiscriminatorLR:            5e-5,
		CriticLR:                   5e-5,
		DiscriminatorLoss:          "bce",
		CriticLoss:                 "wasserstein",
		Encoder: EncoderConfig{
			Channels:   []int{8, 16, 32, 64},
			KernelSize: 3,
		},
		FeatureLevelDiscriminator: DefaultDiscriminatorConfig(0),
		DepthDiscriminator:        DefaultDiscriminatorConfig(1),
		PhongDiscriminator:        DefaultDiscriminatorConfig(3),
		NormalsDiscriminator:      DefaultDiscriminatorConfig(3),
		FeatureLevelCritic:        DefaultDiscriminatorConfig(0),
		DepthCritic:               DefaultDiscriminatorConfig(1),
		PhongCritic:               DefaultDiscriminatorConfig(3),
		NormalsCritic:             DefaultDiscriminatorConfig(3),
		Phong:                     DefaultPhongConfig(),
		LRScheduler:               optimizer.SchedulerConfig{Name: "constant"},
	}
}

// DefaultTextureConfig returns the texture generator defaults.
func DefaultTextureConfig() TextureConfig {
	return TextureConfig{
		ReferenceSources:       2,
		UseDiscriminator:       true,
		UseCritic:              true,
		GeneratorOptimizer:     "adam",
		DiscriminatorOptimizer: "adam",
		CriticOptimizer:        "rmsprop",
		GeneratorLR:            1e-4,
		DiscriminatorLR:        1e-4,
		CriticLR:               1e-4,
		DiscriminatorLoss:      "bce",
		CriticLoss:             "wasserstein",
		WassersteinLambda:      10,
		ReconstructionFactor:   1,
		AdversarialFactor:      0.1,
		Generator: TextureNetworkConfig{
			Channels:   []int{16, 16},
			KernelSize: 3,
		},
		DiscriminatorConfig: DefaultDiscriminatorConfig(3),
		CriticConfig:        DefaultDiscriminatorConfig(3),
	}
}

// Default returns a complete configuration with every default applied.
func Default() Config {
	return Config{
		GAN:     DefaultGANConfig(),
		Texture: DefaultTextureConfig(),
		Data: DataConfig{
			BatchSize:  4,
			Seed:       4242,
			DepthScale: 10,
			NumWorkers: 4,
			CacheSize:  512,
			Prefetch:   2,
		},
		Training: TrainingConfig{
			Steps:              1000,
			ValidationInterval: 100,
			ValidationBatches:  1,
			CheckpointInterval: 500,
			CheckpointLocation: "checkpoints",
			CheckpointFormat:   "json",
			Seed:               1,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// NewRunID returns a fresh identifier that tags metrics and checkpoints of
// one run.
func NewRunID() string {
	return uuid.New().String()
}
