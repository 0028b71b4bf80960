package gan

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/hailmary/config"
	"github.com/tsawler/hailmary/tensor"
)

// TextureAdapter trains a generator that renders color from depth and
// normals. Reference sources supervise it with a reconstruction loss; the
// generated source, whose geometry comes from the outer model, is trained
// against its own discriminator and critic.
type TextureAdapter struct {
	cfg         config.TextureConfig
	generatedID int

	Generator     TextureGenerator
	Discriminator Head // nil when disabled
	Critic        Head // nil when disabled

	discriminatorLoss          DiscriminatorLossFunc
	criticLoss                 CriticLossFunc
	generatorDiscriminatorLoss GeneratorLossFunc
	generatorCriticLoss        GeneratorLossFunc
}

// NewTextureAdapter builds the texture networks for a model whose generated
// source id is cfg.ReferenceSources.
func NewTextureAdapter(cfg config.TextureConfig, factory NetworkFactory, rng *rand.Rand) (*TextureAdapter, error) {
	if cfg.ReferenceSources <= 0 {
		return nil, ErrNoReferenceSources
	}
	t := &TextureAdapter{cfg: cfg, generatedID: cfg.ReferenceSources}

	var err error
	if t.Generator, err = factory.NewTextureGenerator(cfg); err != nil {
		return nil, errors.Wrap(err, "texture generator")
	}
	if cfg.UseDiscriminator {
		if t.Discriminator, err = factory.NewHead(cfg.DiscriminatorConfig, 0); err != nil {
			return nil, errors.Wrap(err, "texture discriminator")
		}
		if t.discriminatorLoss, err = NewDiscriminatorLoss(cfg.DiscriminatorLoss, cfg.WassersteinLambda); err != nil {
			return nil, err
		}
		if t.generatorDiscriminatorLoss, err = NewGeneratorLoss(cfg.DiscriminatorLoss); err != nil {
			return nil, err
		}
	}
	if cfg.UseCritic {
		if t.Critic, err = factory.NewHead(cfg.CriticConfig, 0); err != nil {
			return nil, errors.Wrap(err, "texture critic")
		}
		if t.criticLoss, err = NewCriticLoss(cfg.CriticLoss, cfg.WassersteinLambda, rng); err != nil {
			return nil, err
		}
		if t.generatorCriticLoss, err = NewGeneratorLoss(cfg.CriticLoss); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *TextureAdapter) name(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, t.generatedID)
}

// LossNames returns the names of every loss the adapter reports, by group.
func (t *TextureAdapter) LossNames() map[Group][]string {
	names := map[Group][]string{
		GroupGenerator: {"g_texture_reconstruction_loss"},
	}
	if t.Discriminator != nil {
		names[GroupGenerator] = append(names[GroupGenerator], t.name("g_discriminator_loss"))
		names[GroupDiscriminator] = append(names[GroupDiscriminator],
			t.name("d_discriminator_loss"), t.name("d_discriminator_reg_loss"))
	}
	if t.Critic != nil {
		names[GroupGenerator] = append(names[GroupGenerator], t.name("g_critic_loss"))
		names[GroupCritic] = append(names[GroupCritic], t.name("d_critic_loss"), t.name("d_critic_gp"))
	}
	return names
}

// HeadNames returns the names the adapter's heads are stored under.
func (t *TextureAdapter) HeadNames() []string {
	var names []string
	if t.Discriminator != nil {
		names = append(names, "texture_discriminator")
	}
	if t.Critic != nil {
		names = append(names, "texture_critic")
	}
	return names
}

// Train puts the heads in training mode; Eval freezes their statistics.
func (t *TextureAdapter) Train() { t.eachHead(func(h Head) { h.Train() }) }
func (t *TextureAdapter) Eval()  { t.eachHead(func(h Head) { h.Eval() }) }

func (t *TextureAdapter) eachHead(fn func(Head)) {
	if t.Discriminator != nil {
		fn(t.Discriminator)
	}
	if t.Critic != nil {
		fn(t.Critic)
	}
}

// geometry returns depth and normals of source id from an augmented batch.
func (t *TextureAdapter) geometry(batch Batch, id int) (depth, normals *tensor.Tensor, err error) {
	list := batch[id]
	if len(list) < 3 {
		return nil, nil, errors.Errorf("source %d has no depth and normals for the texture generator", id)
	}
	return list[1], list[2], nil
}

// fake renders the generated source's color from its geometry.
func (t *TextureAdapter) fake(batch Batch) (*tensor.Tensor, error) {
	depth, normals, err := t.geometry(batch, t.generatedID)
	if err != nil {
		return nil, err
	}
	return t.Generator.Generate(depth, normals)
}

// reconstructionLoss is the mean absolute color error over every reference
// source.
func (t *TextureAdapter) reconstructionLoss(batch Batch) (*tensor.Tensor, error) {
	var depths, normals, colors []*tensor.Tensor
	for id := 0; id < t.generatedID; id++ {
		d, n, err := t.geometry(batch, id)
		if err != nil {
			return nil, err
		}
		c, err := batch.color(id)
		if err != nil {
			return nil, err
		}
		depths, normals, colors = append(depths, d), append(normals, n), append(colors, c)
	}
	d, err := tensor.ConcatBatch(depths...)
	if err != nil {
		return nil, err
	}
	n, err := tensor.ConcatBatch(normals...)
	if err != nil {
		return nil, err
	}
	c, err := tensor.ConcatBatch(colors...)
	if err != nil {
		return nil, err
	}
	out, err := t.Generator.Generate(d, n)
	if err != nil {
		return nil, err
	}
	diff, err := tensor.Sub(out, c)
	if err != nil {
		return nil, err
	}
	if diff, err = tensor.Abs(diff); err != nil {
		return nil, err
	}
	return tensor.Mean(diff)
}

// CalculateGeneratorLoss returns the reconstruction loss on the reference
// sources plus the adversarial loss on the generated source.
func (t *TextureAdapter) CalculateGeneratorLoss(batch Batch) (*tensor.Tensor, LossDelta, error) {
	delta := LossDelta{}
	recon, err := t.reconstructionLoss(batch)
	if err != nil {
		return nil, nil, errors.Wrap(err, "texture reconstruction")
	}
	if err := delta.Add("g_texture_reconstruction_loss", recon); err != nil {
		return nil, nil, err
	}
	total, err := tensor.Scale(recon, t.cfg.ReconstructionFactor)
	if err != nil {
		return nil, nil, err
	}
	if t.Discriminator == nil && t.Critic == nil {
		return total, delta, nil
	}

	fake, err := t.fake(batch)
	if err != nil {
		return nil, nil, err
	}
	adversarial := tensor.FromScalar(0)
	if t.Discriminator != nil {
		loss, _, err := t.generatorDiscriminatorLoss(t.Discriminator, fake)
		if err != nil {
			return nil, nil, errors.Wrap(err, "texture generator against discriminator")
		}
		if err := delta.Add(t.name("g_discriminator_loss"), loss); err != nil {
			return nil, nil, err
		}
		if adversarial, err = tensor.Add(adversarial, loss); err != nil {
			return nil, nil, err
		}
	}
	if t.Critic != nil {
		loss, penalty, err := t.generatorCriticLoss(t.Critic, fake)
		if err != nil {
			return nil, nil, errors.Wrap(err, "texture generator against critic")
		}
		if err := delta.Add(t.name("g_critic_loss"), loss); err != nil {
			return nil, nil, err
		}
		if adversarial, err = addAll(adversarial, loss, penalty); err != nil {
			return nil, nil, err
		}
	}
	if adversarial, err = tensor.Scale(adversarial, t.cfg.AdversarialFactor); err != nil {
		return nil, nil, err
	}
	total, err = tensor.Add(total, adversarial)
	return total, delta, err
}

// detachedFake renders the generated source without recording the texture
// generator, so head losses never reach its parameters.
func (t *TextureAdapter) detachedFake(batch Batch) (*tensor.Tensor, error) {
	var fake *tensor.Tensor
	err := tensor.NoGrad(func() error {
		var err error
		fake, err = t.fake(batch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return fake.Detach(), nil
}

// CalculateCriticLoss trains the texture critic to separate real color of
// the generated source from rendered color.
func (t *TextureAdapter) CalculateCriticLoss(batch Batch) (*tensor.Tensor, LossDelta, error) {
	if t.Critic == nil {
		return nil, nil, errors.New("texture critic is disabled")
	}
	fake, err := t.detachedFake(batch)
	if err != nil {
		return nil, nil, err
	}
	realColor, err := batch.color(t.generatedID)
	if err != nil {
		return nil, nil, err
	}
	loss, penalty, err := t.criticLoss(t.Critic, fake, realColor)
	if err != nil {
		return nil, nil, errors.Wrap(err, "texture critic")
	}
	delta := LossDelta{}
	if err := delta.Add(t.name("d_critic_loss"), loss); err != nil {
		return nil, nil, err
	}
	if err := delta.Add(t.name("d_critic_gp"), penalty); err != nil {
		return nil, nil, err
	}
	total, err := tensor.Add(loss, penalty)
	return total, delta, err
}

// CalculateDiscriminatorLoss trains the texture discriminator on the same
// real and rendered color.
func (t *TextureAdapter) CalculateDiscriminatorLoss(batch Batch) (*tensor.Tensor, LossDelta, error) {
	if t.Discriminator == nil {
		return nil, nil, errors.New("texture discriminator is disabled")
	}
	fake, err := t.detachedFake(batch)
	if err != nil {
		return nil, nil, err
	}
	realColor, err := batch.color(t.generatedID)
	if err != nil {
		return nil, nil, err
	}
	lossG, penG, err := t.discriminatorLoss(t.Discriminator, fake, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "texture discriminator")
	}
	lossR, penR, err := t.discriminatorLoss(t.Discriminator, realColor, 1)
	if err != nil {
		return nil, nil, errors.Wrap(err, "texture discriminator")
	}
	loss, err := tensor.Add(lossG, lossR)
	if err != nil {
		return nil, nil, err
	}
	penalty, err := tensor.Add(penG, penR)
	if err != nil {
		return nil, nil, err
	}
	delta := LossDelta{}
	if err := delta.Add(t.name("d_discriminator_loss"), loss); err != nil {
		return nil, nil, err
	}
	if err := delta.Add(t.name("d_discriminator_reg_loss"), penalty); err != nil {
		return nil, nil, err
	}
	total, err := tensor.Add(loss, penalty)
	return total, delta, err
}

// Validate returns the reconstruction error on the reference sources and,
// when real color is available, on the generated source, without
// recording gradients.
func (t *TextureAdapter) Validate(batch Batch) (reference, generated float64, err error) {
	err = tensor.NoGrad(func() error {
		recon, err := t.reconstructionLoss(batch)
		if err != nil {
			return err
		}
		if reference, err = recon.Item(); err != nil {
			return err
		}
		fake, err := t.fake(batch)
		if err != nil {
			return err
		}
		realColor, err := batch.color(t.generatedID)
		if err != nil {
			return err
		}
		diff, err := tensor.Sub(fake, realColor)
		if err != nil {
			return err
		}
		if diff, err = tensor.Abs(diff); err != nil {
			return err
		}
		m, err := tensor.Mean(diff)
		if err != nil {
			return err
		}
		generated, err = m.Item()
		return err
	})
	return reference, generated, err
}
