package gan

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/hailmary/config"
	"github.com/tsawler/hailmary/tensor"
)

// Heads is one family of adversarial heads. A nil field is a disabled
// modality. Features are indexed coarsest first: with n encoder stages,
// Features[i] judges stage n-2-i and the coarsest stage n-1 has no head.
type Heads struct {
	Features   []Head
	DepthImage Head
	Phong      Head
	DepthPhong Head
	Normals    Head
}

// Groups counts the enabled modalities; all feature heads count as one.
func (h *Heads) Groups() int {
	n := 0
	if len(h.Features) > 0 {
		n++
	}
	for _, head := range []Head{h.DepthImage, h.Phong, h.DepthPhong, h.Normals} {
		if head != nil {
			n++
		}
	}
	return n
}

// featureStage maps feature head i to the encoder stage it judges.
func (h *Heads) featureStage(i int) int {
	return len(h.Features) - 1 - i
}

// modality is one input a head can judge.
type modality struct {
	key    string // head name
	suffix string // loss name suffix
	head   Head
	factor float64
	pick   func(*PredictionRecord) *tensor.Tensor
}

// modalities lists the enabled heads in a fixed order.
func (h *Heads) modalities(cfg config.GANConfig) []modality {
	var mods []modality
	if h.DepthImage != nil {
		mods = append(mods, modality{"depth_image", "depth_img", h.DepthImage, cfg.ImgDiscriminatorFactor,
			func(r *PredictionRecord) *tensor.Tensor { return r.Depth }})
	}
	for i, head := range h.Features {
		stage := h.featureStage(i)
		mods = append(mods, modality{fmt.Sprintf("features.%d", i), fmt.Sprintf("feature_%d", i), head, cfg.FeatureDiscriminatorFactor,
			func(r *PredictionRecord) *tensor.Tensor { return r.EncoderOuts[stage] }})
	}
	if h.Phong != nil {
		mods = append(mods, modality{"phong", "phong", h.Phong, cfg.PhongDiscriminatorFactor,
			func(r *PredictionRecord) *tensor.Tensor { return r.Phong }})
	}
	if h.DepthPhong != nil {
		mods = append(mods, modality{"depth_phong", "depth_phong", h.DepthPhong, cfg.PhongDiscriminatorFactor,
			func(r *PredictionRecord) *tensor.Tensor { return r.CalculatedPhong }})
	}
	if h.Normals != nil {
		mods = append(mods, modality{"normals", "normals", h.Normals, cfg.NormalsDiscriminatorFactor,
			func(r *PredictionRecord) *tensor.Tensor { return r.Normals }})
	}
	return mods
}

// each calls fn for every enabled head with its name.
func (h *Heads) each(fn func(name string, head Head)) {
	if h.DepthImage != nil {
		fn("depth_image", h.DepthImage)
	}
	for i, head := range h.Features {
		fn(fmt.Sprintf("features.%d", i), head)
	}
	if h.Phong != nil {
		fn("phong", h.Phong)
	}
	if h.DepthPhong != nil {
		fn("depth_phong", h.DepthPhong)
	}
	if h.Normals != nil {
		fn("normals", h.Normals)
	}
}

// Names returns the enabled head names.
func (h *Heads) Names() []string {
	var names []string
	h.each(func(name string, _ Head) { names = append(names, name) })
	return names
}

// Parameters returns the parameters of every enabled head.
func (h *Heads) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	h.each(func(_ string, head Head) { params = append(params, head.Parameters()...) })
	return params
}

func (h *Heads) Train() { h.each(func(_ string, head Head) { head.Train() }) }
func (h *Heads) Eval()  { h.each(func(_ string, head Head) { head.Eval() }) }

// Get returns the head registered under name.
func (h *Heads) Get(name string) (Head, bool) {
	var found Head
	h.each(func(n string, head Head) {
		if n == name {
			found = head
		}
	})
	return found, found != nil
}

// Bank owns the discriminators and critics of the outer model and computes
// their losses.
type Bank struct {
	Discriminators Heads
	Critics        Heads

	cfg                        config.GANConfig
	discriminatorLoss          DiscriminatorLossFunc
	criticLoss                 CriticLossFunc
	generatorDiscriminatorLoss GeneratorLossFunc
	generatorCriticLoss        GeneratorLossFunc
}

// BankLosses are the loss functions a Bank applies.
type BankLosses struct {
	Discriminator          DiscriminatorLossFunc
	Critic                 CriticLossFunc
	GeneratorDiscriminator GeneratorLossFunc
	GeneratorCritic        GeneratorLossFunc
}

func NewBank(cfg config.GANConfig, discriminators, critics Heads, losses BankLosses) *Bank {
	return &Bank{
		Discriminators:             discriminators,
		Critics:                    critics,
		cfg:                        cfg,
		discriminatorLoss:          losses.Discriminator,
		criticLoss:                 losses.Critic,
		generatorDiscriminatorLoss: losses.GeneratorDiscriminator,
		generatorCriticLoss:        losses.GeneratorCritic,
	}
}

// Discriminate scores t with the discriminator registered under key.
func (b *Bank) Discriminate(key string, t *tensor.Tensor) (*tensor.Tensor, error) {
	head, ok := b.Discriminators.Get(key)
	if !ok {
		return nil, errors.Errorf("no discriminator %q", key)
	}
	return head.Forward(t)
}

// Critique scores t with the critic registered under key.
func (b *Bank) Critique(key string, t *tensor.Tensor) (*tensor.Tensor, error) {
	head, ok := b.Critics.Get(key)
	if !ok {
		return nil, errors.Errorf("no critic %q", key)
	}
	return head.Forward(t)
}

// LossNames returns every loss name the bank can produce, by group.
func (b *Bank) LossNames() map[Group][]string {
	names := make(map[Group][]string)
	if mods := b.Discriminators.modalities(b.cfg); len(mods) > 0 {
		names[GroupDiscriminator] = append(names[GroupDiscriminator], "d_discriminators_loss")
		for _, m := range mods {
			names[GroupDiscriminator] = append(names[GroupDiscriminator],
				"d_loss_discriminator_"+m.suffix, "d_loss_reg_discriminator_"+m.suffix)
			names[GroupGenerator] = append(names[GroupGenerator], "g_loss_discriminator_"+m.suffix)
		}
	}
	if mods := b.Critics.modalities(b.cfg); len(mods) > 0 {
		names[GroupCritic] = append(names[GroupCritic], "d_critics_loss")
		for _, m := range mods {
			names[GroupCritic] = append(names[GroupCritic], "d_loss_critic_"+m.suffix, "d_loss_critic_gp_"+m.suffix)
			names[GroupGenerator] = append(names[GroupGenerator], "g_loss_critic_"+m.suffix, "g_loss_critic_gp_"+m.suffix)
		}
	}
	return names
}

// DiscriminatorLoss is the summed discriminator loss over every enabled
// modality: generated samples against label 0, the concatenated reference
// samples against label 1.
func (b *Bank) DiscriminatorLoss(records map[int]*PredictionRecord, generatedID int) (*tensor.Tensor, LossDelta, error) {
	gen, ok := records[generatedID]
	if !ok {
		return nil, nil, errors.Wrapf(ErrMissingSource, "no predictions for generated source %d", generatedID)
	}
	total := tensor.FromScalar(0)
	delta := LossDelta{}
	for _, m := range b.Discriminators.modalities(b.cfg) {
		orig, err := references(records, generatedID, m.pick)
		if err != nil {
			return nil, nil, err
		}
		lossG, penG, err := b.discriminatorLoss(m.head, m.pick(gen), 0)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "discriminator %s", m.key)
		}
		lossR, penR, err := b.discriminatorLoss(m.head, orig, 1)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "discriminator %s", m.key)
		}
		loss, err := tensor.Add(lossG, lossR)
		if err != nil {
			return nil, nil, err
		}
		penalty, err := tensor.Add(penG, penR)
		if err != nil {
			return nil, nil, err
		}
		if err := delta.Add("d_loss_discriminator_"+m.suffix, loss); err != nil {
			return nil, nil, err
		}
		if err := delta.Add("d_loss_reg_discriminator_"+m.suffix, penalty); err != nil {
			return nil, nil, err
		}
		if total, err = addAll(total, loss, penalty); err != nil {
			return nil, nil, err
		}
	}
	if err := delta.Add("d_discriminators_loss", total); err != nil {
		return nil, nil, err
	}
	return total, delta, nil
}

// CriticLoss is the summed Wasserstein loss and gradient penalty over every
// enabled modality.
func (b *Bank) CriticLoss(records map[int]*PredictionRecord, generatedID int) (*tensor.Tensor, LossDelta, error) {
	gen, ok := records[generatedID]
	if !ok {
		return nil, nil, errors.Wrapf(ErrMissingSource, "no predictions for generated source %d", generatedID)
	}
	total := tensor.FromScalar(0)
	delta := LossDelta{}
	for _, m := range b.Critics.modalities(b.cfg) {
		orig, err := references(records, generatedID, m.pick)
		if err != nil {
			return nil, nil, err
		}
		loss, penalty, err := b.criticLoss(m.head, m.pick(gen), orig)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "critic %s", m.key)
		}
		if err := delta.Add("d_loss_critic_"+m.suffix, loss); err != nil {
			return nil, nil, err
		}
		if err := delta.Add("d_loss_critic_gp_"+m.suffix, penalty); err != nil {
			return nil, nil, err
		}
		if total, err = addAll(total, loss, penalty); err != nil {
			return nil, nil, err
		}
	}
	if err := delta.Add("d_critics_loss", total); err != nil {
		return nil, nil, err
	}
	return total, delta, nil
}

// GeneratorLoss is the factor-weighted adversarial loss of the generated
// record against every enabled discriminator and critic. rec must carry
// gradients back to the generator.
func (b *Bank) GeneratorLoss(rec *PredictionRecord) (*tensor.Tensor, LossDelta, error) {
	total := tensor.FromScalar(0)
	delta := LossDelta{}
	for _, m := range b.Discriminators.modalities(b.cfg) {
		loss, _, err := b.generatorDiscriminatorLoss(m.head, m.pick(rec))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "generator against discriminator %s", m.key)
		}
		if err := delta.Add("g_loss_discriminator_"+m.suffix, loss); err != nil {
			return nil, nil, err
		}
		weighted, err := tensor.Scale(loss, m.factor)
		if err != nil {
			return nil, nil, err
		}
		if total, err = tensor.Add(total, weighted); err != nil {
			return nil, nil, err
		}
	}
	for _, m := range b.Critics.modalities(b.cfg) {
		loss, penalty, err := b.generatorCriticLoss(m.head, m.pick(rec))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "generator against critic %s", m.key)
		}
		if err := delta.Add("g_loss_critic_"+m.suffix, loss); err != nil {
			return nil, nil, err
		}
		if err := delta.Add("g_loss_critic_gp_"+m.suffix, penalty); err != nil {
			return nil, nil, err
		}
		sum, err := tensor.Add(loss, penalty)
		if err != nil {
			return nil, nil, err
		}
		weighted, err := tensor.Scale(sum, m.factor)
		if err != nil {
			return nil, nil, err
		}
		if total, err = tensor.Add(total, weighted); err != nil {
			return nil, nil, err
		}
	}
	return total, delta, nil
}

func addAll(ts ...*tensor.Tensor) (*tensor.Tensor, error) {
	out := ts[0]
	for _, t := range ts[1:] {
		var err error
		if out, err = tensor.Add(out, t); err != nil {
			return nil, err
		}
	}
	return out, nil
}
