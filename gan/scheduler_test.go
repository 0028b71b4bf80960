package gan

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tsawler/hailmary/checkpoints"
	"github.com/tsawler/hailmary/metrics"
	"github.com/tsawler/hailmary/tensor"
)

// fakeOptimizer records every Step and ZeroGrad into a shared event log.
type fakeOptimizer struct {
	slot   Slot
	events *[]string
	steps  uint64
	lr     float64
}

func (f *fakeOptimizer) Step() error {
	f.steps++
	*f.events = append(*f.events, "step:"+string(f.slot))
	return nil
}

func (f *fakeOptimizer) ZeroGrad() {
	*f.events = append(*f.events, "zero:"+string(f.slot))
}

func (f *fakeOptimizer) GetLR() float64               { return f.lr }
func (f *fakeOptimizer) SetLR(lr float64)             { f.lr = lr }
func (f *fakeOptimizer) GetStepCount() uint64         { return f.steps }
func (f *fakeOptimizer) Parameters() []*tensor.Tensor { return nil }

func (f *fakeOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	return &checkpoints.OptimizerState{Type: "fake", Parameters: map[string]interface{}{"steps": f.steps}}, nil
}

func (f *fakeOptimizer) LoadState(*checkpoints.OptimizerState) error { return nil }

// fakePasses reports a loss of 1 from every pass and counts the calls.
type fakePasses struct {
	calls    map[string]int
	phases   []Phase
	zeroed   int
	ended    int
	extra    LossDelta
	failWith error
	onPass   func(name string)
}

func newFakePasses() *fakePasses {
	return &fakePasses{calls: make(map[string]int)}
}

func (f *fakePasses) pass(name, loss string) (LossDelta, error) {
	f.calls[name]++
	if f.onPass != nil {
		f.onPass(name)
	}
	if f.failWith != nil {
		return nil, f.failWith
	}
	d := LossDelta{loss: 1}
	for k, v := range f.extra {
		d[k] = v
	}
	return d, nil
}

func (f *fakePasses) prepare(p Phase) { f.phases = append(f.phases, p) }

func (f *fakePasses) generatorPass(int, Batch) (LossDelta, error) {
	return f.pass("generator", "g_loss")
}

func (f *fakePasses) discriminatorPass(int, Batch) (LossDelta, error) {
	return f.pass("discriminator", "d_loss")
}

func (f *fakePasses) criticPass(int, Batch) (LossDelta, error) {
	return f.pass("critic", "c_loss")
}

func (f *fakePasses) textureCriticPass(int, Batch) (LossDelta, error) {
	return f.pass("texture_critic", "tc_loss")
}

func (f *fakePasses) textureDiscriminatorPass(int, Batch) (LossDelta, error) {
	return f.pass("texture_discriminator", "td_loss")
}

func (f *fakePasses) zeroGrad() { f.zeroed++ }
func (f *fakePasses) endStep()  { f.ended++ }

type harness struct {
	scheduler *Scheduler
	work      *fakePasses
	registry  *OptimizerRegistry
	losses    *LossAggregator
	sink      *metrics.MemorySink
	events    []string
	opts      map[Slot]*fakeOptimizer
}

func newHarness(t *testing.T, schedule Schedule) *harness {
	t.Helper()
	h := &harness{work: newFakePasses(), sink: metrics.NewMemorySink(), opts: make(map[Slot]*fakeOptimizer)}

	slots := []Slot{SlotGenerator, SlotTextureGenerator}
	if schedule.Discriminator {
		slots = append(slots, SlotDiscriminator)
	}
	if schedule.Critic {
		slots = append(slots, SlotCritic)
	}
	if schedule.TextureCritic {
		slots = append(slots, SlotTextureCritic)
	}
	if schedule.TextureDiscriminator {
		slots = append(slots, SlotTextureDiscriminator)
	}
	b := NewRegistryBuilder()
	for _, slot := range slots {
		opt := &fakeOptimizer{slot: slot, events: &h.events, lr: 1}
		h.opts[slot] = opt
		b.Add(slot, opt)
	}
	var err error
	if h.registry, err = b.Build(); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if h.losses, err = NewLossAggregator(schedule.Window, h.sink); err != nil {
		t.Fatalf("NewLossAggregator failed: %v", err)
	}
	for group, names := range map[Group][]string{
		GroupGenerator:     {"g_loss"},
		GroupDiscriminator: {"d_loss", "td_loss"},
		GroupCritic:        {"c_loss", "tc_loss"},
	} {
		if err := h.losses.Register(group, names...); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	if h.scheduler, err = NewScheduler(schedule, h.work, h.registry, h.losses, zerolog.Nop()); err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	return h
}

func (h *harness) step(t *testing.T) {
	t.Helper()
	if err := h.scheduler.Step(context.Background(), Batch{}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
}

func (h *harness) steps(slot Slot) uint64 {
	if opt, ok := h.opts[slot]; ok {
		return opt.steps
	}
	return 0
}

func TestSchedulerAlternatesEveryCallWithUnitWindow(t *testing.T) {
	h := newHarness(t, Schedule{Window: 1, CriticUpdates: 1, Discriminator: true, Critic: true, DiscriminatorGroups: 1})

	if h.scheduler.Phase() != PhaseDiscriminatorCritic {
		t.Fatalf("Expected to start in DISC, got %v", h.scheduler.Phase())
	}
	want := []Phase{PhaseGenerator, PhaseDiscriminatorCritic, PhaseGenerator, PhaseDiscriminatorCritic}
	for i, p := range want {
		h.step(t)
		if got := h.scheduler.Phase(); got != p {
			t.Errorf("After call %d expected phase %v, got %v", i+1, p, got)
		}
	}

	c := h.scheduler.Counters()
	if c.TotalTrainSteps != 4 || c.CriticGlobalStep != 2 || c.GeneratorGlobalStep != 1 {
		t.Errorf("Unexpected counters %+v", c)
	}
	if h.steps(SlotGenerator) != 2 || h.steps(SlotDiscriminator) != 2 || h.steps(SlotCritic) != 2 {
		t.Errorf("Unexpected optimizer steps: gen=%d disc=%d critic=%d",
			h.steps(SlotGenerator), h.steps(SlotDiscriminator), h.steps(SlotCritic))
	}
	if h.work.zeroed != 4 || h.work.ended != 4 {
		t.Errorf("Expected zeroGrad and endStep on every full call, got %d and %d", h.work.zeroed, h.work.ended)
	}
}

func TestSchedulerWindowAndCriticCadence(t *testing.T) {
	h := newHarness(t, Schedule{Window: 2, CriticUpdates: 2, Discriminator: true, Critic: true, DiscriminatorGroups: 1})

	D, G := PhaseDiscriminatorCritic, PhaseGenerator
	want := []Phase{D, D, D, G, G, D, D, D, D, G, G, D}
	var got []Phase
	for range want {
		h.step(t)
		got = append(got, h.scheduler.Phase())
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Phase sequence %v, want %v", got, want)
	}

	if n := h.work.calls["discriminator"]; n != 4 {
		t.Errorf("Expected the discriminator to run on the first window of each cycle only (4 calls), got %d", n)
	}
	if n := h.work.calls["critic"]; n != 8 {
		t.Errorf("Expected 8 critic passes, got %d", n)
	}
	if n := h.work.calls["generator"]; n != 4 {
		t.Errorf("Expected 4 generator passes, got %d", n)
	}
	if h.steps(SlotDiscriminator) != 2 || h.steps(SlotCritic) != 4 || h.steps(SlotGenerator) != 2 {
		t.Errorf("Unexpected optimizer steps: disc=%d critic=%d gen=%d",
			h.steps(SlotDiscriminator), h.steps(SlotCritic), h.steps(SlotGenerator))
	}
	c := h.scheduler.Counters()
	if c.CriticGlobalStep != 4 || c.GeneratorGlobalStep != 1 || c.BatchesAccumulated != 0 {
		t.Errorf("Unexpected counters %+v", c)
	}

	// Each flushed value is the window mean of two losses of 1.
	for _, name := range []string{"g_loss", "d_loss", "c_loss"} {
		for _, v := range h.sink.Values(name) {
			if v != 1 {
				t.Errorf("%s logged %v, want 1", name, v)
			}
		}
	}
	if n := len(h.sink.Values("c_loss")); n != 4 {
		t.Errorf("Expected c_loss logged once per critic update, got %d", n)
	}
	if n := len(h.sink.Values("d_loss")); n != 2 {
		t.Errorf("Expected d_loss logged once per cycle, got %d", n)
	}
}

func TestSchedulerStepsBeforeZeroing(t *testing.T) {
	h := newHarness(t, Schedule{Window: 1, CriticUpdates: 1, Critic: true, DiscriminatorGroups: 1})
	h.step(t)
	want := []string{"step:critic", "zero:critic"}
	if !reflect.DeepEqual(h.events, want) {
		t.Errorf("Events %v, want %v", h.events, want)
	}
}

func TestSchedulerThrottlesGeneratorByDiscriminatorGroups(t *testing.T) {
	h := newHarness(t, Schedule{Window: 1, CriticUpdates: 1, Discriminator: true, DiscriminatorGroups: 2})

	for i := 0; i < 8; i++ {
		h.step(t)
	}
	if n := h.work.calls["generator"]; n != 4 {
		t.Fatalf("Expected 4 generator passes, got %d", n)
	}
	if n := h.steps(SlotGenerator); n != 2 {
		t.Errorf("Expected the generator to step every second window, got %d steps", n)
	}
	if n := len(h.sink.Values("g_loss")); n != 2 {
		t.Errorf("Throttled windows must not be logged, got %d g_loss values", n)
	}
	if v, _ := h.losses.Value("g_loss"); v != 0 {
		t.Errorf("Expected g_loss to be reset after a throttled window, got %v", v)
	}
	if c := h.scheduler.Counters(); c.GeneratorGlobalStep != 3 {
		t.Errorf("Expected generator global step 3, got %d", c.GeneratorGlobalStep)
	}
}

func TestSchedulerWithoutDiscriminatorsNeverThrottles(t *testing.T) {
	h := newHarness(t, Schedule{Window: 1, CriticUpdates: 1, Critic: true})
	for i := 0; i < 6; i++ {
		h.step(t)
	}
	if n := h.steps(SlotGenerator); n != 3 {
		t.Errorf("Expected a generator step on every GEN call, got %d", n)
	}
}

func TestSchedulerTextureHeads(t *testing.T) {
	h := newHarness(t, Schedule{Window: 1, CriticUpdates: 2, Critic: true, TextureCritic: true, TextureDiscriminator: true, DiscriminatorGroups: 1})
	for i := 0; i < 3; i++ {
		h.step(t)
	}
	c := h.scheduler.Counters()
	if c.TextureCriticSteps != 2 || c.TextureDiscriminatorSteps != 1 || c.TextureGeneratorSteps != 1 {
		t.Errorf("Unexpected texture counters %+v", c)
	}
	if n := h.work.calls["texture_discriminator"]; n != 1 {
		t.Errorf("Expected the texture discriminator to run once per cycle, got %d", n)
	}
}

func TestSchedulerRejectsUnknownLoss(t *testing.T) {
	h := newHarness(t, Schedule{Window: 1, CriticUpdates: 1, Critic: true})
	h.work.extra = LossDelta{"c_lsos": 1}

	err := h.scheduler.Step(context.Background(), Batch{})
	if !errors.Is(err, ErrUnknownLoss) {
		t.Fatalf("Expected ErrUnknownLoss, got %v", err)
	}
	if v, _ := h.losses.Value("c_loss"); v != 0 {
		t.Errorf("A rejected delta must not be applied, c_loss = %v", v)
	}
}

func TestSchedulerPropagatesPassErrors(t *testing.T) {
	h := newHarness(t, Schedule{Window: 1, CriticUpdates: 1, Critic: true})
	boom := errors.New("boom")
	h.work.failWith = boom
	if err := h.scheduler.Step(context.Background(), Batch{}); !errors.Is(err, boom) {
		t.Fatalf("Expected the pass error, got %v", err)
	}
	if h.steps(SlotCritic) != 0 {
		t.Error("No optimizer may step after a failed pass")
	}
}

func TestSchedulerHonoursCancelledContext(t *testing.T) {
	h := newHarness(t, Schedule{Window: 1, CriticUpdates: 1, Critic: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.scheduler.Step(ctx, Batch{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if c := h.scheduler.Counters(); c.TotalTrainSteps != 0 {
		t.Errorf("A cancelled call must not advance counters, got %+v", c)
	}
}

func TestSchedulerCancelledDuringPassesKeepsCounters(t *testing.T) {
	h := newHarness(t, Schedule{Window: 2, CriticUpdates: 1, Critic: true, TextureCritic: true})
	h.step(t)
	before := h.scheduler.Counters()

	ctx, cancel := context.WithCancel(context.Background())
	h.work.onPass = func(name string) {
		if name == "texture_critic" {
			cancel()
		}
	}
	if err := h.scheduler.Step(ctx, Batch{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	want := before
	want.BatchesAccumulated = 0
	if got := h.scheduler.Counters(); got != want {
		t.Errorf("Counters after a cancelled call: got %+v, want %+v", got, want)
	}
	if h.work.zeroed != 1 {
		t.Errorf("Expected the open window's gradients to be dropped, got %d ZeroGrad calls", h.work.zeroed)
	}
	if v, _ := h.losses.Value("c_loss"); v != 0 {
		t.Errorf("Expected the open window's losses to be dropped, c_loss = %v", v)
	}
	if h.scheduler.Phase() != PhaseDiscriminatorCritic {
		t.Errorf("Phase changed on a cancelled call: %v", h.scheduler.Phase())
	}
	if h.steps(SlotCritic) != 0 || h.steps(SlotTextureCritic) != 0 {
		t.Error("No optimizer may step after cancellation")
	}
}

func TestSchedulerFailedPassKeepsCounters(t *testing.T) {
	h := newHarness(t, Schedule{Window: 1, CriticUpdates: 1, Critic: true})
	h.work.failWith = errors.New("boom")
	if err := h.scheduler.Step(context.Background(), Batch{}); err == nil {
		t.Fatal("Expected the pass error")
	}
	if c := h.scheduler.Counters(); c != (Counters{GeneratorGlobalStep: -1}) {
		t.Errorf("A failed call must not advance counters, got %+v", c)
	}
}

func TestNewSchedulerRejectsInvalidCadence(t *testing.T) {
	for _, s := range []Schedule{{Window: 0, CriticUpdates: 1}, {Window: 1, CriticUpdates: 0}} {
		if _, err := NewScheduler(s, newFakePasses(), nil, nil, zerolog.Nop()); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("NewScheduler(%+v) error = %v, want ErrInvalidConfig", s, err)
		}
	}
}

func TestSchedulerRestore(t *testing.T) {
	h := newHarness(t, Schedule{Window: 1, CriticUpdates: 1, Critic: true})
	h.scheduler.Restore(PhaseGenerator, Counters{TotalTrainSteps: 10, GeneratorGlobalStep: 4, CriticGlobalStep: 5})
	h.step(t)
	c := h.scheduler.Counters()
	if c.TotalTrainSteps != 11 || c.GeneratorGlobalStep != 5 || h.scheduler.Phase() != PhaseDiscriminatorCritic {
		t.Errorf("Unexpected state after restore: %+v phase %v", c, h.scheduler.Phase())
	}
}

func TestParsePhase(t *testing.T) {
	for _, p := range []Phase{PhaseGenerator, PhaseDiscriminatorCritic} {
		got, err := ParsePhase(p.String())
		if err != nil || got != p {
			t.Errorf("ParsePhase(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParsePhase("TRAIN"); err == nil {
		t.Error("Expected an error for an unknown phase")
	}
}
