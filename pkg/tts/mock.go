package tts

import (
	"context"
	"sync"
	"time"
)

// Mock implements Provider for testing.
// All methods can be customized via function fields.
type Mock struct {
	// StreamFunc is called when Stream is invoked.
	// If nil, returns silent audio split into ChunkCount chunks.
	StreamFunc func(ctx context.Context, text string) (AudioStream, error)

	// HealthFunc is called when Health is invoked.
	// If nil, returns nil (healthy).
	HealthFunc func(ctx context.Context) error

	// ChunkCount is the number of chunks produced by the default stream.
	ChunkCount int

	// Tracking
	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation for verification.
type MockCall struct {
	Method string
	Text   string
	Time   time.Time
}

// NewMock creates a new mock provider with sensible defaults.
func NewMock() *Mock {
	return &Mock{ChunkCount: 2}
}

// Stream calls StreamFunc and records the call.
func (m *Mock) Stream(ctx context.Context, text string) (AudioStream, error) {
	m.recordCall("Stream", text)
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, text)
	}
	// 960 bytes (20ms of 24kHz PCM16) per character, returned at once.
	// Use Silence when playback must take real time.
	audio := make([]byte, len(text)*960)
	return NewBufferStream(audio, m.ChunkCount, FormatFromEncoding(EncodingPCM24)), nil
}

// Health calls HealthFunc and records the call.
func (m *Mock) Health(ctx context.Context) error {
	m.recordCall("Health", "")
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return nil
}

// Close records the call.
func (m *Mock) Close() error {
	m.recordCall("Close", "")
	return nil
}

func (m *Mock) recordCall(method, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: method, Text: text, Time: time.Now()})
}

// Calls returns all recorded method calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// Texts returns the text of every Stream call in order.
func (m *Mock) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		if c.Method == "Stream" {
			out = append(out, c.Text)
		}
	}
	return out
}

// CallCount returns the number of times a method was called.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// Reset clears all recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// WithError returns a mock that always returns the given error.
func WithError(err error) *Mock {
	return &Mock{
		StreamFunc: func(ctx context.Context, text string) (AudioStream, error) {
			return nil, err
		},
		HealthFunc: func(ctx context.Context) error {
			return err
		},
	}
}

// bufferStream wraps a byte slice as AudioStream.
type bufferStream struct {
	data   []byte
	offset int
	size   int
	format AudioFormat
}

// NewBufferStream splits data into roughly n chunks.
func NewBufferStream(data []byte, n int, format AudioFormat) AudioStream {
	if n < 1 {
		n = 1
	}
	size := (len(data) + n - 1) / n
	if size == 0 {
		size = 1
	}
	return &bufferStream{data: data, size: size, format: format}
}

// Read returns the next audio chunk.
func (s *bufferStream) Read() ([]byte, error) {
	if s.offset >= len(s.data) {
		return nil, nil
	}
	end := min(s.offset+s.size, len(s.data))
	chunk := s.data[s.offset:end]
	s.offset = end
	return chunk, nil
}

// Close releases resources.
func (s *bufferStream) Close() error {
	return nil
}

// Format returns the audio format.
func (s *bufferStream) Format() AudioFormat {
	return s.format
}

// blockingStream yields a single chunk, then holds until released.
type blockingStream struct {
	ctx     context.Context
	release <-chan struct{}
	sent    bool
}

// NewBlockingStream returns a stream that yields one chunk and then blocks
// until release is closed or ctx is done. It keeps playback open in tests.
func NewBlockingStream(ctx context.Context, release <-chan struct{}) AudioStream {
	return &blockingStream{ctx: ctx, release: release}
}

// Read returns the first chunk, then waits.
func (s *blockingStream) Read() ([]byte, error) {
	if !s.sent {
		s.sent = true
		return make([]byte, 480), nil
	}
	select {
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	case <-s.release:
		return nil, nil
	}
}

// Close releases resources.
func (s *blockingStream) Close() error {
	return nil
}

// Format returns the audio format.
func (s *blockingStream) Format() AudioFormat {
	return FormatFromEncoding(EncodingPCM24)
}

// Verify Mock implements Provider at compile time.
var _ Provider = (*Mock)(nil)
