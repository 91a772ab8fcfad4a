// Package config loads voiceagent settings: defaults, then an optional YAML
// file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-voiceturn/pkg/endpoint"
	"github.com/teslashibe/go-voiceturn/pkg/tools"
	"github.com/teslashibe/go-voiceturn/pkg/turn"
)

// Environment overrides.
const (
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvOpenAIBaseURL = "OPENAI_BASE_URL"
	EnvElevenLabsKey = "ELEVENLABS_API_KEY"
	EnvVoiceID       = "ELEVENLABS_VOICE_ID"
	EnvLogLevel      = "VOICETURN_LOG_LEVEL"
	EnvWebPort       = "VOICETURN_WEB_PORT"
)

// Speech recognition models by participant kind.
const (
	DefaultSTTModel          = "nova-2-general"
	DefaultSTTTelephonyModel = "nova-2-phonecall"
)

// Config is the complete voiceagent configuration.
type Config struct {
	Agent       AgentConfig       `yaml:"agent"`
	LLM         LLMConfig         `yaml:"llm"`
	STT         STTConfig         `yaml:"stt"`
	TTS         TTSConfig         `yaml:"tts"`
	Endpointing EndpointingConfig `yaml:"endpointing"`
	Tools       ToolsConfig       `yaml:"tools"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Web         WebConfig         `yaml:"web"`
	Log         LogConfig         `yaml:"log"`
}

// AgentConfig is the assistant persona.
type AgentConfig struct {
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"system_prompt"`
	Greeting     string `yaml:"greeting"`
}

// EndpointConfig is an OpenAI-compatible chat completions endpoint.
type EndpointConfig struct {
	// Name labels the endpoint in logs. Defaults to the base URL host.
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// LLMConfig configures the language model.
type LLMConfig struct {
	EndpointConfig `yaml:",inline"`

	Temperature   float64       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	MaxToolRounds int           `yaml:"max_tool_rounds"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`

	// Fallbacks are tried in order when the primary endpoint fails.
	Fallbacks []EndpointConfig `yaml:"fallbacks"`
}

// STTConfig selects recognition models.
type STTConfig struct {
	Model          string `yaml:"model"`
	TelephonyModel string `yaml:"telephony_model"`
}

// ModelFor returns the recognition model for a participant: the telephony
// model for SIP callers, the general one otherwise.
func (c STTConfig) ModelFor(kind turn.ParticipantKind) string {
	if kind == turn.ParticipantSIP && c.TelephonyModel != "" {
		return c.TelephonyModel
	}
	return c.Model
}

// TTSConfig configures ElevenLabs synthesis.
type TTSConfig struct {
	APIKey  string `yaml:"api_key"`
	VoiceID string `yaml:"voice_id"`
	Model   string `yaml:"model"`
}

// Enabled reports whether real synthesis is configured.
func (c TTSConfig) Enabled() bool {
	return c.APIKey != "" && c.VoiceID != ""
}

// EndpointingConfig bounds the wait after the user stops speaking.
type EndpointingConfig struct {
	MinDelay  time.Duration `yaml:"min_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	Threshold float64       `yaml:"threshold"`
}

// Policy converts to an endpointing policy.
func (c EndpointingConfig) Policy() endpoint.Policy {
	return endpoint.Policy{MinDelay: c.MinDelay, MaxDelay: c.MaxDelay, Threshold: c.Threshold}
}

// ToolsConfig configures tool invocation.
type ToolsConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	WeatherURL  string        `yaml:"weather_url"`
	AwaitFiller bool          `yaml:"await_filler"`
}

// MetricsConfig configures usage collection.
type MetricsConfig struct {
	Namespace       string        `yaml:"namespace"`
	Buffer          int           `yaml:"buffer"`
	FinalizeTimeout time.Duration `yaml:"finalize_timeout"`
}

// WebConfig configures the dashboard.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// Addr returns the listen address.
func (c WebConfig) Addr() string {
	return ":" + c.Port
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Agent: AgentConfig{
			Name:         "voiceturn",
			SystemPrompt: turn.DefaultSystemPrompt,
			Greeting:     turn.DefaultGreeting,
		},
		LLM: LLMConfig{
			EndpointConfig: EndpointConfig{
				BaseURL: "https://api.openai.com/v1",
				Model:   turn.DefaultModel,
			},
			Temperature:   turn.DefaultTemperature,
			MaxTokens:     1024,
			MaxToolRounds: turn.DefaultMaxToolRounds,
			Timeout:       30 * time.Second,
			MaxRetries:    3,
		},
		STT: STTConfig{
			Model:          DefaultSTTModel,
			TelephonyModel: DefaultSTTTelephonyModel,
		},
		TTS: TTSConfig{
			Model: "eleven_turbo_v2_5",
		},
		Endpointing: EndpointingConfig{
			MinDelay: endpoint.DefaultMinDelay,
			MaxDelay: endpoint.DefaultMaxDelay,
		},
		Tools: ToolsConfig{
			Timeout:     tools.DefaultTimeout,
			WeatherURL:  tools.DefaultWeatherURL,
			AwaitFiller: true,
		},
		Metrics: MetricsConfig{
			Namespace:       "voiceturn",
			Buffer:          256,
			FinalizeTimeout: 2 * time.Second,
		},
		Web: WebConfig{
			Enabled: false,
			Port:    "8080",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (skipped when empty) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.LLM.APIKey, EnvOpenAIKey)
	set(&c.LLM.BaseURL, EnvOpenAIBaseURL)
	set(&c.TTS.APIKey, EnvElevenLabsKey)
	set(&c.TTS.VoiceID, EnvVoiceID)
	set(&c.Log.Level, EnvLogLevel)

	if v, ok := lookup(EnvWebPort); ok && v != "" {
		if _, err := strconv.ParseUint(v, 10, 16); err != nil {
			return fmt.Errorf("config: %s=%q is not a port", EnvWebPort, v)
		}
		c.Web.Port = v
		c.Web.Enabled = true
	}
	return nil
}

// Validate checks ranges and required values.
func (c Config) Validate() error {
	var errs []error
	if err := c.Endpointing.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("endpointing: %w", err))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm: model is required"))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm: temperature %.2f outside [0, 2]", c.LLM.Temperature))
	}
	if c.LLM.MaxToolRounds < 0 {
		errs = append(errs, errors.New("llm: max_tool_rounds must not be negative"))
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, errors.New("llm: timeout must be positive"))
	}
	for i, f := range c.LLM.Fallbacks {
		if f.BaseURL == "" {
			errs = append(errs, fmt.Errorf("llm: fallback %d has no base_url", i))
		}
	}
	if c.Tools.Timeout <= 0 {
		errs = append(errs, errors.New("tools: timeout must be positive"))
	}
	if c.Metrics.FinalizeTimeout <= 0 {
		errs = append(errs, errors.New("metrics: finalize_timeout must be positive"))
	}
	if c.Metrics.Buffer < 1 {
		errs = append(errs, errors.New("metrics: buffer must be at least 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// TurnConfig builds the controller configuration.
func (c Config) TurnConfig() turn.Config {
	return turn.Config{
		SystemPrompt:  c.Agent.SystemPrompt,
		Greeting:      c.Agent.Greeting,
		Endpointing:   c.Endpointing.Policy(),
		MaxToolRounds: c.LLM.MaxToolRounds,
		Model:         c.LLM.Model,
		Temperature:   c.LLM.Temperature,
	}
}
