package gan

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tsawler/hailmary/checkpoints"
	"github.com/tsawler/hailmary/config"
	"github.com/tsawler/hailmary/metrics"
	"github.com/tsawler/hailmary/optimizer"
	"github.com/tsawler/hailmary/tensor"
)

// Options configures NewModel.
type Options struct {
	GAN     config.GANConfig
	Texture config.TextureConfig

	Factory  NetworkFactory
	Renderer Renderer // required when GAN.PredictNormals is set

	Sink   metrics.Sink // nil discards losses
	Logger zerolog.Logger
	RunID  string
	Seed   int64

	// Baseline optionally holds pretrained depth model weights under the
	// depth_encoder and depth_decoder layers.
	Baseline *checkpoints.Checkpoint
	// Restore resumes a run. Its stored hyperparameters override GAN and
	// Texture.
	Restore *checkpoints.Checkpoint
}

// Model is the adversarial adaptation model: a frozen baseline depth
// model, an adaptable generator encoder sharing its decoder, the
// discriminator/critic bank and the texture sub-trainer.
type Model struct {
	cfg         config.GANConfig
	texCfg      config.TextureConfig
	generatedID int
	runID       string

	baseline  Encoder
	generator Encoder
	decoder   Decoder

	predictor *Predictor
	cache     *PredictionCache
	bank      *Bank
	texture   *TextureAdapter
	registry  *OptimizerRegistry
	losses    *LossAggregator
	scheduler *Scheduler
	sink      metrics.Sink
	log       zerolog.Logger
}

// NewModel builds every network, primes lazily sized layers with one
// forward pass, creates the optimizers and, when opts.Restore is set,
// loads weights, optimizer states and counters.
func NewModel(opts Options) (*Model, error) {
	gcfg, tcfg := opts.GAN, opts.Texture
	if opts.Restore != nil {
		if err := config.ApplyHyperparameters(opts.Restore.Hyperparameters, &gcfg, &tcfg); err != nil {
			return nil, err
		}
	}
	if err := gcfg.Validate(); err != nil {
		return nil, err
	}
	if err := tcfg.Validate(); err != nil {
		return nil, err
	}
	if tcfg.ReferenceSources <= 0 {
		return nil, ErrNoReferenceSources
	}
	if opts.Factory == nil {
		return nil, errors.New("a network factory is required")
	}
	if gcfg.PredictNormals && opts.Renderer == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "predict_normals needs a renderer")
	}
	sink := opts.Sink
	if sink == nil {
		sink = metrics.Discard{}
	}

	m := &Model{
		cfg:         gcfg,
		texCfg:      tcfg,
		generatedID: tcfg.ReferenceSources,
		runID:       opts.RunID,
		sink:        sink,
		log:         opts.Logger,
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	if err := m.buildDepthModels(opts); err != nil {
		return nil, err
	}
	if err := m.buildBank(opts.Factory, rng); err != nil {
		return nil, err
	}
	texture, err := NewTextureAdapter(tcfg, opts.Factory, rng)
	if err != nil {
		return nil, err
	}
	m.texture = texture
	if err := m.checkHeadNames(); err != nil {
		return nil, err
	}

	m.predictor = &Predictor{
		generator: m.generator,
		baseline:  m.baseline,
		decoder:   m.decoder,
		renderer:  opts.Renderer,
		minDepth:  gcfg.MinDepth,
		render:    gcfg.PredictNormals,
	}
	m.cache = NewPredictionCache(m.predictor, m.generatedID)

	if err := m.prime(); err != nil {
		return nil, errors.WithMessage(err, "priming forward pass")
	}
	if m.registry, err = m.buildRegistry(); err != nil {
		return nil, err
	}
	if m.losses, err = m.buildLosses(); err != nil {
		return nil, err
	}

	schedule := Schedule{
		Window:               gcfg.AccumulateGradBatches,
		CriticUpdates:        gcfg.WassersteinCriticUpdates,
		Discriminator:        gcfg.UseDiscriminator,
		Critic:               gcfg.UseCritic,
		TextureDiscriminator: tcfg.UseDiscriminator,
		TextureCritic:        tcfg.UseCritic,
		DiscriminatorGroups:  m.bank.Discriminators.Groups(),
	}
	if m.scheduler, err = NewScheduler(schedule, m, m.registry, m.losses, m.log); err != nil {
		return nil, err
	}

	if opts.Restore != nil {
		if err := m.restore(opts.Restore); err != nil {
			return nil, err
		}
	}
	m.log.Info().
		Int("reference_sources", m.generatedID).
		Strs("optimizers", slotNames(m.registry.Slots())).
		Int("discriminator_groups", schedule.DiscriminatorGroups).
		Bool("resumed", opts.Restore != nil).
		Msg("model ready")
	return m, nil
}

func (m *Model) buildDepthModels(opts Options) error {
	baseline, decoder, err := opts.Factory.NewDepthModel(m.cfg)
	if err != nil {
		return errors.Wrap(err, "depth model")
	}
	if opts.Baseline != nil {
		if err := loadNetwork(opts.Baseline.Weights, "depth_encoder", baseline); err != nil {
			return errors.Wrap(err, "baseline depth model")
		}
		if err := loadNetwork(opts.Baseline.Weights, "depth_decoder", decoder); err != nil {
			return errors.Wrap(err, "baseline depth model")
		}
	}
	generator, err := opts.Factory.NewGenerator(m.cfg, baseline)
	if err != nil {
		return errors.Wrap(err, "generator")
	}

	// The baseline never trains; gradients still flow through the decoder
	// into the generator.
	for _, p := range append(baseline.Parameters(), decoder.Parameters()...) {
		p.SetRequiresGrad(false)
	}
	baseline.FreezeBatchNorm()
	decoder.FreezeBatchNorm()
	if m.cfg.FreezeBatchNorm {
		generator.FreezeBatchNorm()
	}
	m.baseline, m.decoder, m.generator = baseline, decoder, generator
	return nil
}

// headConfigs selects the discriminator or critic head configurations.
type headConfigs struct {
	feature, depth, phong, normals config.DiscriminatorConfig
}

func (m *Model) buildHeads(factory NetworkFactory, hc headConfigs) (Heads, error) {
	var h Heads
	var err error
	if m.cfg.UseFeatureLevel {
		channels := m.generator.FeatureChannels()
		for i := 0; i < len(channels)-1; i++ {
			head, err := factory.NewHead(hc.feature, channels[len(channels)-2-i])
			if err != nil {
				return h, errors.Wrapf(err, "feature head %d", i)
			}
			h.Features = append(h.Features, head)
		}
	}
	if h.DepthImage, err = factory.NewHead(hc.depth, 0); err != nil {
		return h, errors.Wrap(err, "depth head")
	}
	if m.cfg.PredictNormals {
		if h.Phong, err = factory.NewHead(hc.phong, 0); err != nil {
			return h, errors.Wrap(err, "phong head")
		}
		if h.DepthPhong, err = factory.NewHead(hc.phong, 0); err != nil {
			return h, errors.Wrap(err, "depth phong head")
		}
		if h.Normals, err = factory.NewHead(hc.normals, 0); err != nil {
			return h, errors.Wrap(err, "normals head")
		}
	}
	return h, nil
}

func (m *Model) buildBank(factory NetworkFactory, rng *rand.Rand) error {
	var discriminators, critics Heads
	var losses BankLosses
	var err error
	if m.cfg.UseDiscriminator {
		discriminators, err = m.buildHeads(factory, headConfigs{
			feature: m.cfg.FeatureLevelDiscriminator,
			depth:   m.cfg.DepthDiscriminator,
			phong:   m.cfg.PhongDiscriminator,
			normals: m.cfg.NormalsDiscriminator,
		})
		if err != nil {
			return errors.WithMessage(err, "discriminators")
		}
		if losses.Discriminator, err = NewDiscriminatorLoss(m.cfg.DiscriminatorLoss, m.cfg.WassersteinLambda); err != nil {
			return err
		}
		if losses.GeneratorDiscriminator, err = NewGeneratorLoss(m.cfg.DiscriminatorLoss); err != nil {
			return err
		}
	}
	if m.cfg.UseCritic {
		critics, err = m.buildHeads(factory, headConfigs{
			feature: m.cfg.FeatureLevelCritic,
			depth:   m.cfg.DepthCritic,
			phong:   m.cfg.PhongCritic,
			normals: m.cfg.NormalsCritic,
		})
		if err != nil {
			return errors.WithMessage(err, "critics")
		}
		if losses.Critic, err = NewCriticLoss(m.cfg.CriticLoss, m.cfg.WassersteinLambda, rng); err != nil {
			return err
		}
		if losses.GeneratorCritic, err = NewGeneratorLoss(m.cfg.CriticLoss); err != nil {
			return err
		}
	}
	m.bank = NewBank(m.cfg, discriminators, critics, losses)
	return nil
}

// checkHeadNames makes sure every network has a unique checkpoint name.
func (m *Model) checkHeadNames() error {
	seen := make(map[string]bool)
	for _, n := range m.networks() {
		if seen[n.name] {
			return errors.Wrapf(ErrNameCollision, "network %q", n.name)
		}
		seen[n.name] = true
	}
	return nil
}

// prime runs ones [1,3,S,S] through the generator and every head so that
// lazily sized layers create their parameters. Statistics are left alone.
func (m *Model) prime() error {
	for _, n := range m.networks() {
		n.net.Eval()
	}
	size := m.cfg.ImageSize
	ones, err := tensor.Ones([]int{1, 3, size, size})
	if err != nil {
		return err
	}
	return tensor.NoGrad(func() error {
		rec, err := m.predictor.Predict(ones, true)
		if err != nil {
			return err
		}
		for _, heads := range []*Heads{&m.bank.Discriminators, &m.bank.Critics} {
			for _, mod := range heads.modalities(m.cfg) {
				if _, err := mod.head.Forward(mod.pick(rec)); err != nil {
					return errors.Wrapf(err, "head %s", mod.key)
				}
			}
		}
		color, err := m.texture.Generator.Generate(rec.Depth, rec.Normals)
		if err != nil {
			return errors.Wrap(err, "texture generator")
		}
		var headErr error
		m.texture.eachHead(func(h Head) {
			if _, err := h.Forward(color); err != nil && headErr == nil {
				headErr = errors.Wrap(err, "texture head")
			}
		})
		return headErr
	})
}

func (m *Model) buildRegistry() (*OptimizerRegistry, error) {
	b := NewRegistryBuilder()
	add := func(slot Slot, name string, params []*tensor.Tensor, lr float64) error {
		opt, err := optimizer.New(name, params, lr)
		if err != nil {
			return errors.Wrapf(err, "%s optimizer", slot)
		}
		b.Add(slot, opt)
		return nil
	}
	if err := add(SlotGenerator, m.cfg.GeneratorOptimizer, m.generator.Parameters(), m.cfg.GeneratorLR); err != nil {
		return nil, err
	}
	if m.cfg.UseDiscriminator {
		if err := add(SlotDiscriminator, m.cfg.DiscriminatorOptimizer, m.bank.Discriminators.Parameters(), m.cfg.DiscriminatorLR); err != nil {
			return nil, err
		}
	}
	if m.cfg.UseCritic {
		if err := add(SlotCritic, m.cfg.CriticOptimizer, m.bank.Critics.Parameters(), m.cfg.CriticLR); err != nil {
			return nil, err
		}
	}
	if err := add(SlotTextureGenerator, m.texCfg.GeneratorOptimizer, m.texture.Generator.Parameters(), m.texCfg.GeneratorLR); err != nil {
		return nil, err
	}
	if m.texture.Critic != nil {
		if err := add(SlotTextureCritic, m.texCfg.CriticOptimizer, m.texture.Critic.Parameters(), m.texCfg.CriticLR); err != nil {
			return nil, err
		}
	}
	if m.texture.Discriminator != nil {
		if err := add(SlotTextureDiscriminator, m.texCfg.DiscriminatorOptimizer, m.texture.Discriminator.Parameters(), m.texCfg.DiscriminatorLR); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

// buildLosses registers the outer and texture loss names. Overlapping
// names fail with ErrNameCollision.
func (m *Model) buildLosses() (*LossAggregator, error) {
	agg, err := NewLossAggregator(m.cfg.AccumulateGradBatches, m.sink)
	if err != nil {
		return nil, err
	}
	if err := agg.Register(GroupGenerator, "g_loss"); err != nil {
		return nil, err
	}
	for _, names := range []map[Group][]string{m.bank.LossNames(), m.texture.LossNames()} {
		for _, g := range []Group{GroupGenerator, GroupDiscriminator, GroupCritic} {
			if err := agg.Register(g, names[g]...); err != nil {
				return nil, err
			}
		}
	}
	return agg, nil
}

type namedNetwork struct {
	name string
	net  Network
}

// networks lists every network under its checkpoint layer name.
func (m *Model) networks() []namedNetwork {
	nets := []namedNetwork{
		{"generator", m.generator},
		{"depth_encoder", m.baseline},
		{"depth_decoder", m.decoder},
	}
	m.bank.Discriminators.each(func(name string, h Head) {
		nets = append(nets, namedNetwork{"discriminator." + name, h})
	})
	m.bank.Critics.each(func(name string, h Head) {
		nets = append(nets, namedNetwork{"critic." + name, h})
	})
	if m.texture != nil {
		nets = append(nets, namedNetwork{"texture_generator", m.texture.Generator})
		if m.texture.Discriminator != nil {
			nets = append(nets, namedNetwork{"texture_discriminator", m.texture.Discriminator})
		}
		if m.texture.Critic != nil {
			nets = append(nets, namedNetwork{"texture_critic", m.texture.Critic})
		}
	}
	return nets
}

// NetworkSize reports the parameter count of one network.
type NetworkSize struct {
	Name      string
	Params    int
	Trainable int
}

// Sizes lists every network with its parameter counts, in checkpoint order.
func (m *Model) Sizes() []NetworkSize {
	nets := m.networks()
	out := make([]NetworkSize, len(nets))
	for i, n := range nets {
		out[i].Name = n.name
		for _, p := range n.net.Parameters() {
			out[i].Params += p.NumElems
			if p.RequiresGrad() {
				out[i].Trainable += p.NumElems
			}
		}
	}
	return out
}

func loadNetwork(weights []checkpoints.WeightTensor, name string, n Network) error {
	params, buffers := stateTensors(n)
	if err := checkpoints.LoadWeights(weights, name, params); err != nil {
		return err
	}
	if len(buffers) == 0 {
		return nil
	}
	return checkpoints.LoadWeights(weights, name+".buffers", buffers)
}

// TrainingStep validates batch and runs one scheduler call.
func (m *Model) TrainingStep(ctx context.Context, batch Batch) error {
	if err := batch.Validate(m.generatedID); err != nil {
		return err
	}
	return m.scheduler.Step(ctx, batch)
}

func (m *Model) Phase() Phase                        { return m.scheduler.Phase() }
func (m *Model) Counters() Counters                  { return m.scheduler.Counters() }
func (m *Model) Registry() *OptimizerRegistry        { return m.registry }
func (m *Model) Losses() *LossAggregator             { return m.losses }
func (m *Model) Bank() *Bank                         { return m.bank }
func (m *Model) Texture() *TextureAdapter            { return m.texture }
func (m *Model) GeneratedSourceID() int              { return m.generatedID }
func (m *Model) Config() config.GANConfig            { return m.cfg }
func (m *Model) TextureConfig() config.TextureConfig { return m.texCfg }

// Checkpoint snapshots weights, optimizer states, counters and the
// hyperparameters of the run.
func (m *Model) Checkpoint() (*checkpoints.Checkpoint, error) {
	var weights []checkpoints.WeightTensor
	for _, n := range m.networks() {
		params, buffers := stateTensors(n.net)
		weights = append(weights, checkpoints.ExtractWeights(n.name, params)...)
		if len(buffers) > 0 {
			weights = append(weights, checkpoints.ExtractWeights(n.name+".buffers", buffers)...)
		}
	}
	states, err := m.registry.States()
	if err != nil {
		return nil, err
	}
	hp, err := config.MarshalHyperparameters(m.cfg, m.texCfg)
	if err != nil {
		return nil, err
	}
	c := m.scheduler.Counters()
	return &checkpoints.Checkpoint{
		Weights: weights,
		TrainingState: checkpoints.TrainingState{
			TotalTrainSteps:     c.TotalTrainSteps,
			GeneratorGlobalStep: c.GeneratorGlobalStep,
			CriticGlobalStep:    c.CriticGlobalStep,
			BatchesAccumulated:  c.BatchesAccumulated,
			Phase:               m.scheduler.Phase().String(),

			TextureGeneratorSteps:     c.TextureGeneratorSteps,
			TextureCriticSteps:        c.TextureCriticSteps,
			TextureDiscriminatorSteps: c.TextureDiscriminatorSteps,
		},
		OptimizerStates: states,
		Hyperparameters: hp,
		Metadata: checkpoints.CheckpointMetadata{
			Version:   "1.0",
			Framework: "hailmary",
			CreatedAt: time.Now(),
			RunID:     m.runID,
			Tags:      []string{fmt.Sprintf("step-%d", c.TotalTrainSteps)},
		},
	}, nil
}

func (m *Model) restore(cp *checkpoints.Checkpoint) error {
	for _, n := range m.networks() {
		if err := loadNetwork(cp.Weights, n.name, n.net); err != nil {
			return errors.Wrapf(err, "failed to restore %s", n.name)
		}
	}
	if err := m.registry.LoadStates(cp.OptimizerStates); err != nil {
		return err
	}
	phase, err := ParsePhase(cp.TrainingState.Phase)
	if err != nil {
		return err
	}
	// Accumulated gradients and loss sums are not checkpointed, so a resumed
	// run starts a fresh accumulation window.
	ts := cp.TrainingState
	m.scheduler.Restore(phase, Counters{
		TotalTrainSteps:           ts.TotalTrainSteps,
		GeneratorGlobalStep:       ts.GeneratorGlobalStep,
		CriticGlobalStep:          ts.CriticGlobalStep,
		TextureGeneratorSteps:     ts.TextureGeneratorSteps,
		TextureCriticSteps:        ts.TextureCriticSteps,
		TextureDiscriminatorSteps: ts.TextureDiscriminatorSteps,
	})
	return nil
}

// prepare sets train/eval modes for phase. The baseline depth model always
// runs with frozen statistics.
func (m *Model) prepare(phase Phase) {
	m.baseline.Eval()
	m.decoder.Eval()
	m.texture.Generator.Train()
	if phase == PhaseGenerator {
		m.generator.Train()
		m.bank.Discriminators.Eval()
		m.bank.Critics.Eval()
		m.texture.Eval()
		return
	}
	m.generator.Eval()
	m.bank.Discriminators.Train()
	m.bank.Critics.Train()
	m.texture.Train()
}

// augment returns batch with depth and normals attached to the generated
// source and to every reference source that lacks them; the latter come
// from the baseline predictions.
func (m *Model) augment(step int, batch Batch, depth, normals *tensor.Tensor) (Batch, error) {
	extra := map[int][2]*tensor.Tensor{m.generatedID: {depth, normals}}
	var records map[int]*PredictionRecord
	for id := 0; id < m.generatedID; id++ {
		if batch.hasGeometry(id) {
			continue
		}
		if records == nil {
			var err error
			if records, err = m.cache.Compute(step, batch); err != nil {
				return nil, err
			}
		}
		extra[id] = [2]*tensor.Tensor{records[id].Depth, records[id].Normals}
	}
	return batch.augmented(extra), nil
}

func (m *Model) generatorPass(step int, batch Batch) (LossDelta, error) {
	color, err := batch.color(m.generatedID)
	if err != nil {
		return nil, err
	}
	rec, err := m.predictor.Predict(color, true)
	if err != nil {
		return nil, err
	}
	adversarial, delta, err := m.bank.GeneratorLoss(rec)
	if err != nil {
		return nil, err
	}
	aug, err := m.augment(step, batch, rec.Depth, rec.Normals)
	if err != nil {
		return nil, err
	}
	textureLoss, textureDelta, err := m.texture.CalculateGeneratorLoss(aug)
	if err != nil {
		return nil, err
	}
	total, err := tensor.Add(adversarial, textureLoss)
	if err != nil {
		return nil, err
	}
	if err := backward(total); err != nil {
		return nil, errors.Wrap(err, "generator backward")
	}
	delta.Merge(textureDelta)
	if err := delta.Add("g_loss", total); err != nil {
		return nil, err
	}
	return delta, nil
}

func (m *Model) discriminatorPass(step int, batch Batch) (LossDelta, error) {
	records, err := m.cache.Compute(step, batch)
	if err != nil {
		return nil, err
	}
	loss, delta, err := m.bank.DiscriminatorLoss(records, m.generatedID)
	if err != nil {
		return nil, err
	}
	return delta, errors.Wrap(backward(loss), "discriminator backward")
}

func (m *Model) criticPass(step int, batch Batch) (LossDelta, error) {
	records, err := m.cache.Compute(step, batch)
	if err != nil {
		return nil, err
	}
	loss, delta, err := m.bank.CriticLoss(records, m.generatedID)
	if err != nil {
		return nil, err
	}
	return delta, errors.Wrap(backward(loss), "critic backward")
}

// textureBatch augments batch with the cached generated-source geometry.
func (m *Model) textureBatch(step int, batch Batch) (Batch, error) {
	records, err := m.cache.Compute(step, batch)
	if err != nil {
		return nil, err
	}
	gen := records[m.generatedID]
	return m.augment(step, batch, gen.Depth, gen.Normals)
}

func (m *Model) textureCriticPass(step int, batch Batch) (LossDelta, error) {
	aug, err := m.textureBatch(step, batch)
	if err != nil {
		return nil, err
	}
	loss, delta, err := m.texture.CalculateCriticLoss(aug)
	if err != nil {
		return nil, err
	}
	return delta, errors.Wrap(backward(loss), "texture critic backward")
}

func (m *Model) textureDiscriminatorPass(step int, batch Batch) (LossDelta, error) {
	aug, err := m.textureBatch(step, batch)
	if err != nil {
		return nil, err
	}
	loss, delta, err := m.texture.CalculateDiscriminatorLoss(aug)
	if err != nil {
		return nil, err
	}
	return delta, errors.Wrap(backward(loss), "texture discriminator backward")
}

func (m *Model) zeroGrad() {
	m.registry.ZeroGrad()
}

func (m *Model) endStep() {
	m.cache.Discard()
}

func slotNames(slots []Slot) []string {
	names := make([]string, len(slots))
	for i, s := range slots {
		names[i] = string(s)
	}
	return names
}
