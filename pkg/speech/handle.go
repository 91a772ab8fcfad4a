// Package speech queues utterances for synthesis and plays them one at a
// time, so at most one SpeechHandle is ever playing per conversation.
package speech

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle phase of a Handle.
type State int32

const (
	StateQueued State = iota
	StatePlaying
	StateInterrupted
	StateDone
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StatePlaying:
		return "playing"
	case StateInterrupted:
		return "interrupted"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Handle represents an in-flight or completed synthesis request.
type Handle struct {
	ID   string
	Text string

	// AllowInterruptions lets Interrupt stop this utterance.
	AllowInterruptions bool

	// AddToContext marks utterances whose text belongs in the chat history
	// once spoken, such as greetings and fillers.
	AddToContext bool

	EnqueuedAt time.Time

	state    atomic.Int32
	done     chan struct{}
	doneOnce sync.Once

	mu     sync.Mutex
	cancel context.CancelFunc
	err    error
}

// SayOption configures a Handle at enqueue time.
type SayOption func(*Handle)

// WithAllowInterruptions sets whether the utterance can be interrupted.
func WithAllowInterruptions(allow bool) SayOption {
	return func(h *Handle) { h.AllowInterruptions = allow }
}

// WithAddToContext marks the utterance for addition to the chat history.
func WithAddToContext() SayOption {
	return func(h *Handle) { h.AddToContext = true }
}

func newHandle(text string, opts ...SayOption) *Handle {
	h := &Handle{
		ID:                 uuid.NewString(),
		Text:               text,
		AllowInterruptions: true,
		EnqueuedAt:         time.Now(),
		done:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// State returns the current state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Done is closed once the handle reaches StateDone or StateInterrupted.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the synthesis error, if playback failed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Interrupted reports whether the handle was interrupted.
func (h *Handle) Interrupted() bool {
	return h.State() == StateInterrupted
}

// Interrupt stops the utterance if it is queued or playing. It reports
// whether the state changed; the transition is visible immediately.
func (h *Handle) Interrupt() bool {
	if !h.AllowInterruptions {
		return false
	}
	if h.state.CompareAndSwap(int32(StateQueued), int32(StateInterrupted)) {
		h.finish()
		return true
	}
	if h.state.CompareAndSwap(int32(StatePlaying), int32(StateInterrupted)) {
		h.mu.Lock()
		cancel := h.cancel
		h.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	}
	return false
}

// start moves a queued handle to playing, binding cancel to Interrupt.
func (h *Handle) start(cancel context.CancelFunc) bool {
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	return h.state.CompareAndSwap(int32(StateQueued), int32(StatePlaying))
}

// complete marks playback finished unless it was interrupted.
func (h *Handle) complete(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.state.CompareAndSwap(int32(StatePlaying), int32(StateDone))
	h.finish()
}

func (h *Handle) finish() {
	h.doneOnce.Do(func() { close(h.done) })
}
