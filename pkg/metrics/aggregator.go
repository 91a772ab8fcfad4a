package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultBuffer = 256

// Aggregator drains samples from a buffered channel and folds them into a
// UsageSummary. Observe never blocks: a full buffer drops the sample.
type Aggregator struct {
	samples  chan Sample
	stop     chan struct{}
	drained  chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	exporter *Exporter
	logger   *zap.Logger

	mu      sync.RWMutex
	summary UsageSummary
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithBuffer sets the sample channel capacity.
func WithBuffer(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.samples = make(chan Sample, n)
		}
	}
}

// WithExporter mirrors every folded sample into Prometheus collectors.
func WithExporter(e *Exporter) Option {
	return func(a *Aggregator) { a.exporter = e }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAggregator creates an aggregator. Call Run to start draining.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		samples: make(chan Sample, defaultBuffer),
		stop:    make(chan struct{}),
		drained: make(chan struct{}),
		logger:  zap.NewNop(),
		summary: newSummary(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("component", "metrics"))
	return a
}

// Observe queues s for aggregation.
func (a *Aggregator) Observe(s Sample) {
	select {
	case <-a.stop:
		a.logger.Debug("sample after finalize ignored", zap.String("stage", string(s.Stage)))
		return
	default:
	}
	if s.At.IsZero() {
		s.At = time.Now()
	}
	select {
	case a.samples <- s:
	default:
		a.mu.Lock()
		a.summary.Dropped++
		a.mu.Unlock()
		a.logger.Warn("sample dropped",
			zap.Error(&CollectionError{Reason: "buffer full", Dropped: 1}),
			zap.String("stage", string(s.Stage)))
	}
}

// Run folds samples until Finalize is called or ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	if !a.running.CompareAndSwap(false, true) {
		return
	}
	defer close(a.drained)

	for {
		select {
		case s := <-a.samples:
			a.fold(s)
		case <-a.stop:
			a.drain()
			return
		case <-ctx.Done():
			a.drain()
			return
		}
	}
}

// drain folds everything already buffered.
func (a *Aggregator) drain() {
	for {
		select {
		case s := <-a.samples:
			a.fold(s)
		default:
			return
		}
	}
}

func (a *Aggregator) fold(s Sample) {
	a.mu.Lock()
	a.summary.add(s)
	a.mu.Unlock()

	if a.exporter != nil {
		a.exporter.Record(s)
	}
	a.logger.Debug("metrics collected",
		zap.String("stage", string(s.Stage)),
		zap.String("label", s.Label),
		zap.Duration("latency", s.Latency),
		zap.Int64("amount", s.Amount))
}

// Summarize returns a snapshot of the running summary. It has no side
// effects and may be called any number of times.
func (a *Aggregator) Summarize() UsageSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.summary.clone()
}

// Finalize stops intake and waits up to timeout for buffered samples to be
// folded. On timeout it returns the partial summary and a CollectionError.
// Later calls return the same summary.
func (a *Aggregator) Finalize(timeout time.Duration) (UsageSummary, error) {
	a.stopOnce.Do(func() { close(a.stop) })

	var err error
	if a.running.Load() {
		select {
		case <-a.drained:
		case <-time.After(timeout):
			err = &CollectionError{Reason: "finalize timed out", Err: ErrFinalizeTimeout}
		}
	} else {
		a.drain()
	}

	a.mu.Lock()
	a.summary.Final = true
	if err != nil {
		a.summary.Final = false
	}
	a.mu.Unlock()

	summary := a.Summarize()
	if summary.Dropped > 0 && err == nil {
		err = &CollectionError{Reason: "samples dropped during session", Dropped: summary.Dropped}
	}
	return summary, err
}
