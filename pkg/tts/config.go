package tts

import (
	"time"

	"go.uber.org/zap"
)

// Config configures the ElevenLabs stream-input provider.
type Config struct {
	APIKey  string
	BaseURL string

	VoiceID       string
	ModelID       string
	VoiceSettings VoiceSettings
	OutputFormat  Encoding

	// HandshakeTimeout bounds the WebSocket dial. A slow dial delays the
	// first audio of every utterance, so keep it short.
	HandshakeTimeout time.Duration

	// ChunkSchedule is the generation chunk_length_schedule: how many
	// characters the server buffers before each successive audio chunk.
	ChunkSchedule []int

	Logger *zap.Logger
}

type Option func(*Config)

func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithBaseURL overrides the stream-input endpoint; tests point it at a
// local server.
func WithBaseURL(u string) Option {
	return func(c *Config) { c.BaseURL = u }
}

func WithVoice(voiceID string) Option {
	return func(c *Config) { c.VoiceID = voiceID }
}

// WithModel selects the model. An empty id keeps the default.
func WithModel(modelID string) Option {
	return func(c *Config) {
		if modelID != "" {
			c.ModelID = modelID
		}
	}
}

func WithOutputFormat(format Encoding) Option {
	return func(c *Config) { c.OutputFormat = format }
}

func WithVoiceSettings(settings VoiceSettings) Option {
	return func(c *Config) { c.VoiceSettings = settings }
}

func WithChunkSchedule(schedule ...int) Option {
	return func(c *Config) { c.ChunkSchedule = schedule }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// DefaultConfig favours time to first audio: the turbo model and a short
// first chunk.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          elevenLabsWSBaseURL,
		ModelID:          "eleven_turbo_v2_5",
		OutputFormat:     EncodingPCM24,
		VoiceSettings:    DefaultVoiceSettings(),
		HandshakeTimeout: 5 * time.Second,
		ChunkSchedule:    []int{50, 120, 200, 260},
		Logger:           zap.NewNop(),
	}
}

func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrNoAPIKey
	}
	if c.VoiceID == "" {
		return ErrNoVoiceID
	}
	return nil
}
