package gan

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/tsawler/hailmary/metrics"
	"github.com/tsawler/hailmary/tensor"
)

// Group is one of the loss families flushed together.
type Group int

const (
	GroupGenerator Group = iota
	GroupDiscriminator
	GroupCritic
)

func (g Group) String() string {
	switch g {
	case GroupGenerator:
		return "generator"
	case GroupDiscriminator:
		return "discriminator"
	case GroupCritic:
		return "critic"
	default:
		return "unknown"
	}
}

// LossDelta carries the detached loss values one computation produced.
// Components return deltas; only the scheduler merges them.
type LossDelta map[string]float64

// Add adds the value of a one-element tensor under name.
func (d LossDelta) Add(name string, t *tensor.Tensor) error {
	v, err := t.Item()
	if err != nil {
		return errors.Wrapf(err, "loss %s", name)
	}
	d[name] += v
	return nil
}

// Merge adds every entry of other into d.
func (d LossDelta) Merge(other LossDelta) {
	for k, v := range other {
		d[k] += v
	}
}

// LossAggregator keeps named running sums of losses over one accumulation
// window. Names are registered once at setup and never disappear.
type LossAggregator struct {
	window int
	sink   metrics.Sink
	groups map[string]Group
	sums   map[string]float64
}

// NewLossAggregator creates an aggregator that divides by window on flush.
func NewLossAggregator(window int, sink metrics.Sink) (*LossAggregator, error) {
	if window <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "accumulation window must be positive, got %d", window)
	}
	if sink == nil {
		sink = metrics.Discard{}
	}
	return &LossAggregator{
		window: window,
		sink:   sink,
		groups: make(map[string]Group),
		sums:   make(map[string]float64),
	}, nil
}

// Register adds names to group. A name may only be registered once.
func (a *LossAggregator) Register(group Group, names ...string) error {
	for _, name := range names {
		if _, ok := a.groups[name]; ok {
			return errors.Wrapf(ErrNameCollision, "loss %q registered twice", name)
		}
		a.groups[name] = group
		a.sums[name] = 0
	}
	return nil
}

// Has reports whether name is registered.
func (a *LossAggregator) Has(name string) bool {
	_, ok := a.groups[name]
	return ok
}

// Accumulate adds value to the running sum of name.
func (a *LossAggregator) Accumulate(name string, value float64) error {
	if _, ok := a.groups[name]; !ok {
		return errors.Wrapf(ErrUnknownLoss, "%q", name)
	}
	a.sums[name] += value
	return nil
}

// Merge accumulates every entry of d. Nothing is applied if any name is
// unknown.
func (a *LossAggregator) Merge(d LossDelta) error {
	for name := range d {
		if _, ok := a.groups[name]; !ok {
			return errors.Wrapf(ErrUnknownLoss, "%q", name)
		}
	}
	for name, v := range d {
		a.sums[name] += v
	}
	return nil
}

// Value returns the current running sum of name.
func (a *LossAggregator) Value(name string) (float64, error) {
	v, ok := a.sums[name]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownLoss, "%q", name)
	}
	return v, nil
}

// Names returns the names registered in group, sorted.
func (a *LossAggregator) Names(group Group) []string {
	var names []string
	for name, g := range a.groups {
		if g == group {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// FlushAndLog divides every entry of group by the window, emits it at step
// and resets it to zero. Entries are reset even if the sink fails.
func (a *LossAggregator) FlushAndLog(group Group, step int) error {
	var firstErr error
	for _, name := range a.Names(group) {
		mean := a.sums[name] / float64(a.window)
		a.sums[name] = 0
		if err := a.sink.LogScalar(name, step, mean); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to log %s", name)
		}
	}
	return firstErr
}

// Reset zeroes every entry of group without logging.
func (a *LossAggregator) Reset(group Group) {
	for name, g := range a.groups {
		if g == group {
			a.sums[name] = 0
		}
	}
}
