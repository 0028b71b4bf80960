package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/tsawler/hailmary/gan"
)

// BatchSource produces gan batches one at a time. Next returns io.EOF when
// the source is exhausted.
type BatchSource interface {
	Next() (gan.Batch, error)
	Reset()
}

type prefetched struct {
	batch gan.Batch
	err   error
}

// Prefetcher loads batches from a BatchSource on a background goroutine so
// image decoding overlaps the training step. Batches come out in the order
// the source produced them.
type Prefetcher struct {
	source        BatchSource
	prefetchDepth int

	batchChannel chan prefetched
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	err       error // sticky once the source fails or runs out
	produced  uint64
	isRunning bool
	mutex     sync.Mutex
}

// NewPrefetcher wraps source. A depth below 1 defaults to 2.
func NewPrefetcher(source BatchSource, prefetchDepth int) (*Prefetcher, error) {
	if source == nil {
		return nil, fmt.Errorf("batch source cannot be nil")
	}
	if prefetchDepth <= 0 {
		prefetchDepth = 2
	}
	return &Prefetcher{source: source, prefetchDepth: prefetchDepth}, nil
}

// Start begins loading in the background. Next starts the prefetcher on
// first use, so calling Start is optional.
func (p *Prefetcher) Start() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.isRunning {
		return fmt.Errorf("prefetcher is already running")
	}
	p.startLocked()
	return nil
}

func (p *Prefetcher) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.batchChannel = make(chan prefetched, p.prefetchDepth)
	p.wg.Add(1)
	go p.worker(ctx, p.batchChannel)
	p.isRunning = true
}

// Stop halts the background worker and discards queued batches.
func (p *Prefetcher) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.stopLocked()
}

func (p *Prefetcher) stopLocked() {
	if !p.isRunning {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.batchChannel = nil
	p.isRunning = false
}

// Next blocks until the next batch is ready. Once the source fails or
// runs out, Next keeps returning that error until Reset.
func (p *Prefetcher) Next() (gan.Batch, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	if !p.isRunning {
		p.startLocked()
	}
	r := <-p.batchChannel
	if r.err != nil {
		p.err = r.err
		p.stopLocked()
		return nil, r.err
	}
	p.produced++
	return r.batch, nil
}

// Reset stops the worker, rewinds the source and clears any sticky error.
// Loading resumes on the next call to Next.
func (p *Prefetcher) Reset() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.stopLocked()
	p.source.Reset()
	p.err = nil
}

// worker owns the source while running; it exits after the first error.
func (p *Prefetcher) worker(ctx context.Context, out chan<- prefetched) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := p.source.Next()
		select {
		case out <- prefetched{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Stats returns statistics about the prefetcher.
func (p *Prefetcher) Stats() PrefetcherStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stats := PrefetcherStats{
		IsRunning:       p.isRunning,
		BatchesProduced: p.produced,
		QueueCapacity:   p.prefetchDepth,
	}
	if p.batchChannel != nil {
		stats.QueuedBatches = len(p.batchChannel)
	}
	return stats
}

// PrefetcherStats provides statistics about the prefetcher
type PrefetcherStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
}
