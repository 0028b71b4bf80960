package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tsawler/hailmary/gan"
)

// ProgressBar renders a single-line training progress display.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, pb.line())
}

// line builds the current progress line, starting with a carriage return so
// it overwrites the previous one.
func (pb *ProgressBar) line() string {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 && percentage > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\r%s: %3.0f%%|%s| %d/%d [%s<%s", pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))
	if rate > 0 {
		fmt.Fprintf(&b, ", %.2fstep/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, ", %s=%.3f", k, pb.metrics[k])
	}
	b.WriteString("]")
	return b.String()
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// PrintSummary writes one line per network and the parameter totals.
func PrintSummary(out io.Writer, sizes []gan.NetworkSize) {
	total, trainable := 0, 0
	fmt.Fprintf(out, "HailMary(\n")
	for _, s := range sizes {
		fmt.Fprintf(out, "  (%s): %s parameters", s.Name, formatParameterCount(s.Params))
		if s.Trainable != s.Params {
			fmt.Fprintf(out, ", %s trainable", formatParameterCount(s.Trainable))
		}
		fmt.Fprintln(out)
		total += s.Params
		trainable += s.Trainable
	}
	fmt.Fprintf(out, ")\n\n")
	fmt.Fprintf(out, "Total parameters: %s\n", formatParameterCount(total))
	fmt.Fprintf(out, "Trainable parameters: %s\n", formatParameterCount(trainable))
	fmt.Fprintf(out, "Non-trainable parameters: %s\n", formatParameterCount(total-trainable))
	fmt.Fprintf(out, "Params size (MB): %.3f\n\n", float64(total*8)/1024/1024)
}

// LatestSink remembers the last value of every scalar it sees, for progress
// display.
type LatestSink struct {
	mu     sync.Mutex
	values map[string]float64
}

func NewLatestSink() *LatestSink {
	return &LatestSink{values: make(map[string]float64)}
}

func (l *LatestSink) LogScalar(name string, step int, value float64) error {
	l.mu.Lock()
	l.values[name] = value
	l.mu.Unlock()
	return nil
}

// Select returns the latest values of names that have been logged.
func (l *LatestSink) Select(names ...string) map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(names))
	for _, n := range names {
		if v, ok := l.values[n]; ok {
			out[n] = v
		}
	}
	return out
}
