package gan

import (
	"github.com/pkg/errors"

	"github.com/tsawler/hailmary/checkpoints"
	"github.com/tsawler/hailmary/optimizer"
)

// Slot names one optimizer group.
type Slot string

const (
	SlotGenerator            Slot = "generator"
	SlotDiscriminator        Slot = "discriminator"
	SlotCritic               Slot = "critic"
	SlotTextureGenerator     Slot = "texture_generator"
	SlotTextureCritic        Slot = "texture_critic"
	SlotTextureDiscriminator Slot = "texture_discriminator"
)

// slotOrder is the order optimizers are laid out in; disabled groups are
// skipped and later ones move up.
var slotOrder = []Slot{
	SlotGenerator,
	SlotDiscriminator,
	SlotCritic,
	SlotTextureGenerator,
	SlotTextureCritic,
	SlotTextureDiscriminator,
}

func knownSlot(slot Slot) bool {
	for _, s := range slotOrder {
		if s == slot {
			return true
		}
	}
	return false
}

// RegistryBuilder collects the optimizers of the enabled groups.
type RegistryBuilder struct {
	optimizers map[Slot]optimizer.Optimizer
	err        error
}

func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{optimizers: make(map[Slot]optimizer.Optimizer)}
}

// Add records the optimizer of slot. Errors are reported by Build.
func (b *RegistryBuilder) Add(slot Slot, opt optimizer.Optimizer) *RegistryBuilder {
	switch {
	case b.err != nil:
	case !knownSlot(slot):
		b.err = errors.Wrapf(ErrUnknownSlot, "%q", slot)
	case opt == nil:
		b.err = errors.Errorf("nil optimizer for slot %q", slot)
	default:
		if _, dup := b.optimizers[slot]; dup {
			b.err = errors.Wrapf(ErrNameCollision, "optimizer slot %q added twice", slot)
			break
		}
		b.optimizers[slot] = opt
	}
	return b
}

// Build lays the optimizers out in slot order and records each index.
func (b *RegistryBuilder) Build() (*OptimizerRegistry, error) {
	if b.err != nil {
		return nil, b.err
	}
	r := &OptimizerRegistry{index: make(map[Slot]int)}
	for _, slot := range slotOrder {
		opt, ok := b.optimizers[slot]
		if !ok {
			continue
		}
		r.index[slot] = len(r.optimizers)
		r.optimizers = append(r.optimizers, opt)
		r.slots = append(r.slots, slot)
	}
	return r, nil
}

// OptimizerRegistry is the ordered list of optimizers, addressed by slot.
type OptimizerRegistry struct {
	optimizers []optimizer.Optimizer
	slots      []Slot
	index      map[Slot]int
}

func (r *OptimizerRegistry) Len() int { return len(r.optimizers) }

// Slots returns the enabled slots in index order.
func (r *OptimizerRegistry) Slots() []Slot {
	return append([]Slot(nil), r.slots...)
}

// Index returns the position of slot.
func (r *OptimizerRegistry) Index(slot Slot) (int, error) {
	i, ok := r.index[slot]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownSlot, "%q is not enabled", slot)
	}
	return i, nil
}

func (r *OptimizerRegistry) Has(slot Slot) bool {
	_, ok := r.index[slot]
	return ok
}

// Optimizer returns the optimizer of slot.
func (r *OptimizerRegistry) Optimizer(slot Slot) (optimizer.Optimizer, error) {
	i, err := r.Index(slot)
	if err != nil {
		return nil, err
	}
	return r.optimizers[i], nil
}

// StepAndClear runs Step then ZeroGrad on each given slot, in order. All
// slots are resolved before any optimizer runs.
func (r *OptimizerRegistry) StepAndClear(slots ...Slot) error {
	indices := make([]int, len(slots))
	for k, slot := range slots {
		i, err := r.Index(slot)
		if err != nil {
			return err
		}
		indices[k] = i
	}
	return r.StepAndClearIndices(indices...)
}

// StepAndClearIndices is StepAndClear by position.
func (r *OptimizerRegistry) StepAndClearIndices(indices ...int) error {
	for _, i := range indices {
		if i < 0 || i >= len(r.optimizers) {
			return errors.Wrapf(ErrUnknownSlot, "index %d out of range [0, %d)", i, len(r.optimizers))
		}
	}
	for _, i := range indices {
		opt := r.optimizers[i]
		if err := opt.Step(); err != nil {
			return errors.Wrapf(err, "%s optimizer step failed", r.slots[i])
		}
		opt.ZeroGrad()
	}
	return nil
}

// ZeroGrad clears the gradients of every registered optimizer.
func (r *OptimizerRegistry) ZeroGrad() {
	for _, opt := range r.optimizers {
		opt.ZeroGrad()
	}
}

// SetLR sets the learning rate of slot.
func (r *OptimizerRegistry) SetLR(slot Slot, lr float64) error {
	opt, err := r.Optimizer(slot)
	if err != nil {
		return err
	}
	opt.SetLR(lr)
	return nil
}

// States snapshots every optimizer keyed by slot name.
func (r *OptimizerRegistry) States() (map[string]*checkpoints.OptimizerState, error) {
	states := make(map[string]*checkpoints.OptimizerState, len(r.optimizers))
	for i, opt := range r.optimizers {
		st, err := opt.GetState()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to snapshot %s optimizer", r.slots[i])
		}
		states[string(r.slots[i])] = st
	}
	return states, nil
}

// LoadStates restores the optimizers present in states. Slots missing from
// states keep their fresh state.
func (r *OptimizerRegistry) LoadStates(states map[string]*checkpoints.OptimizerState) error {
	for i, opt := range r.optimizers {
		st, ok := states[string(r.slots[i])]
		if !ok {
			continue
		}
		if err := opt.LoadState(st); err != nil {
			return errors.Wrapf(err, "failed to restore %s optimizer", r.slots[i])
		}
	}
	return nil
}
