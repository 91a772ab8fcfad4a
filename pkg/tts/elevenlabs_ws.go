package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	elevenLabsWSBaseURL = "wss://api.elevenlabs.io/v1/text-to-speech"
	streamBuffer        = 64
)

// ElevenLabsWS implements streaming TTS over the ElevenLabs stream-input
// WebSocket. Each call to Stream uses its own connection.
type ElevenLabsWS struct {
	config *Config
	logger *zap.Logger
	dialer websocket.Dialer
}

// NewElevenLabsWS creates a new WebSocket-based ElevenLabs TTS provider.
func NewElevenLabsWS(opts ...Option) (*ElevenLabsWS, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &ElevenLabsWS{
		config: cfg,
		logger: cfg.Logger.With(zap.String("component", "tts.elevenlabs_ws")),
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}, nil
}

// Stream dials a connection, sends text followed by end-of-stream, and
// returns a stream of decoded audio chunks.
func (e *ElevenLabsWS) Stream(ctx context.Context, text string) (AudioStream, error) {
	conn, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}

	// BOS, text, EOS. The trailing space lets the server flush the final word.
	msgs := []any{
		e.beginMessage(),
		map[string]any{"text": strings.TrimSpace(text) + " ", "try_trigger_generation": true},
		map[string]any{"text": ""},
	}
	for _, m := range msgs {
		if err := conn.WriteJSON(m); err != nil {
			conn.Close()
			return nil, &SynthesisError{Voice: e.config.VoiceID, Err: fmt.Errorf("send text: %w", err)}
		}
	}

	s := &wsStream{
		conn:   conn,
		chunks: make(chan []byte, streamBuffer),
		done:   make(chan struct{}),
		format: FormatFromEncoding(e.config.OutputFormat),
		voice:  e.config.VoiceID,
		logger: e.logger,
	}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	go func() {
		defer stop()
		s.readLoop()
	}()
	return s, nil
}

// dial establishes the WebSocket connection.
func (e *ElevenLabsWS) dial(ctx context.Context) (*websocket.Conn, error) {
	url := fmt.Sprintf("%s/%s/stream-input?model_id=%s&output_format=%s",
		strings.TrimSuffix(e.config.BaseURL, "/"), e.config.VoiceID, e.config.ModelID, e.config.OutputFormat)

	headers := http.Header{}
	headers.Set("xi-api-key", e.config.APIKey)

	conn, resp, err := e.dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			return nil, &SynthesisError{Voice: e.config.VoiceID, StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, &SynthesisError{Voice: e.config.VoiceID, Err: fmt.Errorf("dial: %w", err)}
	}
	e.logger.Debug("websocket connected",
		zap.String("voice", e.config.VoiceID),
		zap.String("model", e.config.ModelID))
	return conn, nil
}

func (e *ElevenLabsWS) beginMessage() map[string]any {
	return map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        e.config.VoiceSettings.Stability,
			"similarity_boost": e.config.VoiceSettings.SimilarityBoost,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": e.config.ChunkSchedule,
		},
	}
}

// Health dials and immediately closes a connection.
func (e *ElevenLabsWS) Health(ctx context.Context) error {
	conn, err := e.dial(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close is a no-op; connections are owned by their streams.
func (e *ElevenLabsWS) Close() error {
	return nil
}

// VoiceID returns the configured voice ID.
func (e *ElevenLabsWS) VoiceID() string {
	return e.config.VoiceID
}

type wsResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// wsStream delivers audio from a single stream-input connection.
type wsStream struct {
	conn   *websocket.Conn
	chunks chan []byte
	done   chan struct{}
	format AudioFormat
	voice  string
	logger *zap.Logger

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// readLoop reads audio chunks until the server marks the stream final.
func (s *wsStream) readLoop() {
	defer close(s.chunks)
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed() {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.setErr(&SynthesisError{Voice: s.voice, Err: fmt.Errorf("read: %w", err)})
			}
			return
		}

		var resp wsResponse
		if err := json.Unmarshal(message, &resp); err != nil {
			s.logger.Warn("failed to parse response", zap.Error(err))
			continue
		}
		if resp.Error != "" {
			s.setErr(&SynthesisError{Voice: s.voice, Reason: resp.Error, Message: resp.Message})
			return
		}

		if resp.Audio != "" {
			audio, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				s.logger.Warn("failed to decode audio", zap.Error(err))
				continue
			}
			select {
			case s.chunks <- audio:
			case <-s.done:
				return
			}
		}
		if resp.IsFinal {
			return
		}
	}
}

// Read returns the next chunk, or nil once the stream is complete.
func (s *wsStream) Read() ([]byte, error) {
	chunk, ok := <-s.chunks
	if ok {
		return chunk, nil
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil && s.closed() {
		return nil, ErrStreamClosed
	}
	return nil, s.err
}

// Close stops the stream and closes the connection.
func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	})
	return nil
}

// Format returns the audio format metadata.
func (s *wsStream) Format() AudioFormat {
	return s.format
}

func (s *wsStream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *wsStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Verify ElevenLabsWS implements Provider at compile time.
var _ Provider = (*ElevenLabsWS)(nil)
