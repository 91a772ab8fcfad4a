package tts

import (
	"context"
	"sync"
	"time"
)

// Silence synthesizes silent PCM at real-time speed. It stands in for a
// voice when no synthesis credentials are configured, so an utterance
// still occupies the speaker for as long as saying it would take and a
// barge-in still has something to interrupt.
type Silence struct {
	// PerChar is the speaking time allotted to each character.
	PerChar time.Duration
	// Chunk is the duration of each audio chunk.
	Chunk time.Duration
	// MinDuration is the shortest utterance.
	MinDuration time.Duration

	format AudioFormat
}

// NewSilence returns a provider pacing roughly 15 characters per second
// in 20ms chunks of 24kHz PCM16.
func NewSilence() *Silence {
	return &Silence{
		PerChar:     65 * time.Millisecond,
		Chunk:       20 * time.Millisecond,
		MinDuration: 200 * time.Millisecond,
		format:      FormatFromEncoding(EncodingPCM24),
	}
}

// Duration returns how long text takes to say.
func (s *Silence) Duration(text string) time.Duration {
	return max(time.Duration(len([]rune(text)))*s.PerChar, s.MinDuration)
}

// Stream returns a stream that delivers one chunk per Chunk interval.
func (s *Silence) Stream(ctx context.Context, text string) (AudioStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chunk := s.format.SampleRate * s.format.Channels * s.format.BitDepth / 8 * int(s.Chunk) / int(time.Second)
	n := int((s.Duration(text) + s.Chunk - 1) / s.Chunk)
	st := &pacedStream{
		ctx:      ctx,
		format:   s.format,
		chunk:    make([]byte, chunk),
		interval: s.Chunk,
		left:     n,
		done:     make(chan struct{}),
	}
	return st, nil
}

func (s *Silence) Health(context.Context) error { return nil }

func (s *Silence) Close() error { return nil }

// pacedStream yields left chunks, each due interval after the previous.
type pacedStream struct {
	ctx      context.Context
	format   AudioFormat
	chunk    []byte
	interval time.Duration
	left     int
	next     time.Time

	once sync.Once
	done chan struct{}
}

func (p *pacedStream) Read() ([]byte, error) {
	if p.left == 0 {
		return nil, nil
	}
	if p.next.IsZero() {
		p.next = time.Now()
	}
	if wait := time.Until(p.next); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-p.ctx.Done():
			return nil, p.ctx.Err()
		case <-p.done:
			return nil, ErrStreamClosed
		case <-t.C:
		}
	}
	select {
	case <-p.done:
		return nil, ErrStreamClosed
	default:
	}
	p.left--
	p.next = p.next.Add(p.interval)
	return p.chunk, nil
}

func (p *pacedStream) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pacedStream) Format() AudioFormat { return p.format }

var _ Provider = (*Silence)(nil)
