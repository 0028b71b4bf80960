package training

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tsawler/hailmary/async"
	"github.com/tsawler/hailmary/checkpoints"
	"github.com/tsawler/hailmary/config"
	"github.com/tsawler/hailmary/gan"
	"github.com/tsawler/hailmary/layers"
	"github.com/tsawler/hailmary/metrics"
	"github.com/tsawler/hailmary/rendering"
	"github.com/tsawler/hailmary/vision/dataset"
)

const fixtureSize = 32

func savePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create %s: %v", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
}

// writeSource writes n noisy color images, plus smooth depth and flat
// normals when geometry is set.
func writeSource(t *testing.T, root string, n int, geometry bool, seed int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	colorDir := root
	if geometry {
		colorDir = filepath.Join(root, dataset.ColorDir)
	}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%04d.png", i)
		rgb := image.NewRGBA(image.Rect(0, 0, fixtureSize, fixtureSize))
		depth := image.NewGray16(rgb.Bounds())
		normals := image.NewRGBA(rgb.Bounds())
		for y := 0; y < fixtureSize; y++ {
			for x := 0; x < fixtureSize; x++ {
				rgb.SetRGBA(x, y, color.RGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
				depth.SetGray16(x, y, color.Gray16{Y: uint16(20000 + 100*x + 50*y)})
				normals.SetRGBA(x, y, color.RGBA{128, 128, 0, 255})
			}
		}
		savePNG(t, filepath.Join(colorDir, name), rgb)
		if geometry {
			savePNG(t, filepath.Join(root, dataset.DepthDir, name), depth)
			savePNG(t, filepath.Join(root, dataset.NormalsDir, name), normals)
		}
	}
}

func smallHead(in int) config.DiscriminatorConfig {
	cfg := config.DefaultDiscriminatorConfig(in)
	cfg.Channels = []int{4}
	return cfg
}

func integrationConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	dirs := []string{filepath.Join(root, "synthetic"), filepath.Join(root, "scans"), filepath.Join(root, "real")}
	writeSource(t, dirs[0], 3, true, 1)
	writeSource(t, dirs[1], 3, false, 2)
	writeSource(t, dirs[2], 3, false, 3)

	cfg := config.Default()
	cfg.GAN.ImageSize = fixtureSize
	cfg.GAN.WassersteinCriticUpdates = 1
	cfg.GAN.Encoder.Channels = []int{4, 8}
	cfg.GAN.UseFeatureLevel = false
	cfg.GAN.PredictNormals = false
	cfg.GAN.DepthDiscriminator = smallHead(1)
	cfg.GAN.DepthCritic = smallHead(1)
	cfg.Texture.ReferenceSources = 2
	cfg.Texture.Generator.Channels = []int{4}
	cfg.Texture.DiscriminatorConfig = smallHead(3)
	cfg.Texture.CriticConfig = smallHead(3)

	for _, dir := range dirs {
		src := config.SourceConfig{Name: filepath.Base(dir), Dir: dir}
		cfg.Data.Sources = append(cfg.Data.Sources, src)
		cfg.Data.ValidationDirs = append(cfg.Data.ValidationDirs, src)
	}
	cfg.Data.BatchSize = 2
	cfg.Data.NumWorkers = 2
	cfg.Data.CacheSize = 64
	cfg.Training.Steps = 4
	cfg.Training.ValidationInterval = 2
	cfg.Training.CheckpointInterval = 2
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid test configuration: %v", err)
	}
	return cfg
}

func TestRunnerTrainsModelFromImageFolders(t *testing.T) {
	cfg := integrationConfig(t)
	train, val, err := OpenBatches(cfg)
	if err != nil {
		t.Fatalf("OpenBatches failed: %v", err)
	}
	if val == nil {
		t.Fatal("Expected a validation loader")
	}

	mem := metrics.NewMemorySink()
	latest := NewLatestSink()
	sink := metrics.MultiSink{mem, latest}

	layers.SetRandomSeed(3)
	model, err := gan.NewModel(gan.Options{
		GAN:      cfg.GAN,
		Texture:  cfg.Texture,
		Factory:  layers.Factory{},
		Renderer: rendering.NewPhong(cfg.GAN.Phong),
		Sink:     sink,
		Logger:   zerolog.Nop(),
		RunID:    "integration",
		Seed:     cfg.Training.Seed,
	})
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}

	store, err := checkpoints.NewFileStore(t.TempDir(), checkpoints.FormatProto)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	prefetcher, err := async.NewPrefetcher(train, cfg.Data.Prefetch)
	if err != nil {
		t.Fatalf("NewPrefetcher failed: %v", err)
	}
	defer prefetcher.Stop()

	var progress bytes.Buffer
	runner, err := NewRunner(model, RunnerConfigFrom(cfg), RunnerOptions{
		Train:      prefetcher,
		Validation: val,
		Store:      store,
		Sink:       sink,
		Logger:     zerolog.Nop(),
		Progress:   &progress,
		Latest:     latest,
	})
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := model.Counters().TotalTrainSteps; got != 4 {
		t.Errorf("Expected 4 training steps, got %d", got)
	}
	if n := len(mem.Values("val_score")); n != 2 {
		t.Errorf("Expected 2 validation scores, got %d", n)
	}
	if _, ok := mem.Last("val_reference_depth-0_mae"); !ok {
		t.Error("Expected reference depth metrics for the source with ground truth")
	}
	if _, ok := mem.Last("lr_generator"); !ok {
		t.Error("Expected the generator learning rate to be logged")
	}

	cp, err := LoadCheckpoint(context.Background(), store, "final")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if cp.TrainingState.TotalTrainSteps != 4 || cp.Metadata.RunID != "integration" {
		t.Errorf("Unexpected final checkpoint state %+v %+v", cp.TrainingState, cp.Metadata)
	}
	if !bytes.Contains(progress.Bytes(), []byte("4/4")) {
		t.Errorf("Expected a finished progress line, got %q", progress.String())
	}
}

func TestOpenBatchesErrors(t *testing.T) {
	cfg := config.Default()
	if _, _, err := OpenBatches(cfg); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig without sources, got %v", err)
	}

	cfg = integrationConfig(t)
	cfg.Data.ValidationDirs = cfg.Data.ValidationDirs[:1]
	if _, _, err := OpenBatches(cfg); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for mismatched validation sources, got %v", err)
	}

	cfg = integrationConfig(t)
	cfg.Data.Sources[1].Dir = filepath.Join(t.TempDir(), "missing")
	if _, _, err := OpenBatches(cfg); err == nil {
		t.Error("Expected an error for a missing source directory")
	}

	cfg = integrationConfig(t)
	cfg.Data.Memorize = true
	cfg.Data.BatchSize = 5
	if _, _, err := OpenBatches(cfg); err == nil {
		t.Error("Expected an error for a memorize batch larger than the source")
	}
}
