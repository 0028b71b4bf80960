// Package metrics records the scalar losses and validation numbers a
// training run emits.
package metrics

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Sink receives scalar metrics keyed by name and step. Sinks are write-only
// from the training loop's point of view.
type Sink interface {
	LogScalar(name string, step int, value float64) error
}

// Scalar is one recorded value.
type Scalar struct {
	Name  string
	Step  int
	Value float64
}

// MemorySink keeps every scalar in memory, in emission order.
type MemorySink struct {
	mu      sync.Mutex
	scalars []Scalar
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) LogScalar(name string, step int, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scalars = append(m.scalars, Scalar{Name: name, Step: step, Value: value})
	return nil
}

// Scalars returns a copy of everything logged so far.
func (m *MemorySink) Scalars() []Scalar {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Scalar(nil), m.scalars...)
}

// Values returns the values logged under name, oldest first.
func (m *MemorySink) Values(name string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []float64
	for _, s := range m.scalars {
		if s.Name == name {
			out = append(out, s.Value)
		}
	}
	return out
}

// Last returns the most recent scalar logged under name.
func (m *MemorySink) Last(name string) (Scalar, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.scalars) - 1; i >= 0; i-- {
		if m.scalars[i].Name == name {
			return m.scalars[i], true
		}
	}
	return Scalar{}, false
}

// LogSink writes every scalar as a debug event.
type LogSink struct {
	logger zerolog.Logger
	level  zerolog.Level
}

// NewLogSink logs at level through logger.
func NewLogSink(logger zerolog.Logger, level zerolog.Level) *LogSink {
	return &LogSink{logger: logger, level: level}
}

func (l *LogSink) LogScalar(name string, step int, value float64) error {
	l.logger.WithLevel(l.level).
		Str("metric", name).
		Int("step", step).
		Float64("value", value).
		Msg("scalar")
	return nil
}

// MultiSink fans every scalar out to all of its sinks. Every sink is tried;
// the first error is returned.
type MultiSink []Sink

func (ms MultiSink) LogScalar(name string, step int, value float64) error {
	var first error
	for _, s := range ms {
		if err := s.LogScalar(name, step, value); err != nil && first == nil {
			first = errors.WithMessagef(err, "metric %s", name)
		}
	}
	return first
}

// Discard drops every scalar.
type Discard struct{}

func (Discard) LogScalar(string, int, float64) error { return nil }
