package speech

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teslashibe/go-voiceturn/pkg/metrics"
	"github.com/teslashibe/go-voiceturn/pkg/tts"
)

// ErrQueueRunning is returned when Run is called twice.
var ErrQueueRunning = errors.New("speech: queue already running")

// Sink receives synthesized audio, typically the outbound audio track.
type Sink interface {
	WriteAudio(ctx context.Context, chunk []byte, format tts.AudioFormat) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, chunk []byte, format tts.AudioFormat) error

// WriteAudio implements Sink.
func (f SinkFunc) WriteAudio(ctx context.Context, chunk []byte, format tts.AudioFormat) error {
	return f(ctx, chunk, format)
}

// Queue plays handles sequentially through a TTS provider.
type Queue struct {
	provider tts.Provider
	sink     Sink
	observer metrics.Observer
	logger   *zap.Logger

	mu      sync.Mutex
	pending []*Handle
	current *Handle
	running bool
	wake    chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithSink sets the audio destination. Audio is discarded without one.
func WithSink(s Sink) Option {
	return func(q *Queue) { q.sink = s }
}

// WithObserver sets where TTS metrics samples are reported.
func WithObserver(o metrics.Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// NewQueue creates a queue over provider.
func NewQueue(provider tts.Provider, opts ...Option) *Queue {
	q := &Queue{
		provider: provider,
		logger:   zap.NewNop(),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(zap.String("component", "speech.queue"))
	return q
}

// Say enqueues text and returns its handle.
func (q *Queue) Say(text string, opts ...SayOption) *Handle {
	h := newHandle(text, opts...)
	q.mu.Lock()
	q.pending = append(q.pending, h)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return h
}

// Current returns the playing handle, or nil.
func (q *Queue) Current() *Handle {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Playing reports whether a handle is currently playing.
func (q *Queue) Playing() bool {
	h := q.Current()
	return h != nil && h.State() == StatePlaying
}

// InterruptAll interrupts the current handle and every queued one.
// It returns the number of handles interrupted.
func (q *Queue) InterruptAll() int {
	q.mu.Lock()
	handles := make([]*Handle, 0, len(q.pending)+1)
	if q.current != nil {
		handles = append(handles, q.current)
	}
	handles = append(handles, q.pending...)
	q.mu.Unlock()

	n := 0
	for _, h := range handles {
		if h.Interrupt() {
			n++
		}
	}
	return n
}

// Run plays queued handles until ctx is done. Pending handles are
// interrupted on exit.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrQueueRunning
	}
	q.running = true
	q.mu.Unlock()

	defer func() {
		q.InterruptAll()
		q.mu.Lock()
		for _, h := range q.pending {
			h.finish()
		}
		q.pending = nil
		q.running = false
		q.mu.Unlock()
	}()

	for {
		h := q.next()
		if h == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
				continue
			}
		}
		q.play(ctx, h)
	}
}

func (q *Queue) next() *Handle {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 {
		h := q.pending[0]
		q.pending = q.pending[1:]
		if h.State() == StateQueued {
			q.current = h
			return h
		}
	}
	return nil
}

func (q *Queue) play(ctx context.Context, h *Handle) {
	playCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		q.mu.Lock()
		q.current = nil
		q.mu.Unlock()
	}()

	if !h.start(cancel) {
		h.finish()
		return
	}

	start := time.Now()
	var firstAudio time.Duration
	var bytes int64

	err := q.synthesize(playCtx, h, func(n int) {
		if firstAudio == 0 {
			firstAudio = time.Since(start)
		}
		bytes += int64(n)
	})
	if h.Interrupted() || errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		q.logger.Warn("synthesis failed", zap.String("handle", h.ID), zap.Error(err))
	}
	h.complete(err)

	if q.observer != nil {
		q.observer.Observe(metrics.Sample{
			Stage:      metrics.StageTTS,
			Latency:    firstAudio,
			Amount:     bytes,
			Characters: len(h.Text),
			At:         time.Now(),
		})
	}
	q.logger.Debug("utterance finished",
		zap.String("handle", h.ID),
		zap.Stringer("state", h.State()),
		zap.Duration("ttfb", firstAudio))
}

func (q *Queue) synthesize(ctx context.Context, h *Handle, onChunk func(int)) error {
	stream, err := q.provider.Stream(ctx, h.Text)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		chunk, err := stream.Read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if chunk == nil {
			return nil
		}
		onChunk(len(chunk))
		if q.sink != nil {
			if err := q.sink.WriteAudio(ctx, chunk, stream.Format()); err != nil {
				return err
			}
		}
	}
}
