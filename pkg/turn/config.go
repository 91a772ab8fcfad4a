package turn

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/teslashibe/go-voiceturn/pkg/endpoint"
	"github.com/teslashibe/go-voiceturn/pkg/metrics"
	"github.com/teslashibe/go-voiceturn/pkg/tools"
)

// Defaults.
const (
	DefaultSystemPrompt = "You are a voice assistant. Users talk to you by voice, " +
		"so keep your answers short and concise and avoid punctuation that cannot be pronounced."
	DefaultGreeting      = "Hey, how can I help you today?"
	DefaultModel         = "gpt-4o-mini"
	DefaultTemperature   = 0.7
	DefaultMaxToolRounds = 3
)

// Config holds controller configuration.
type Config struct {
	// SystemPrompt seeds the chat history. Empty means no system message.
	SystemPrompt string

	// Greeting is spoken when the conversation starts. Empty skips it.
	Greeting string

	// Endpointing bounds the wait after a final transcript.
	Endpointing endpoint.Policy

	// MaxToolRounds is how many consecutive tool rounds a turn may take
	// before the model must answer in text.
	MaxToolRounds int

	Model       string
	Temperature float64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		SystemPrompt:  DefaultSystemPrompt,
		Greeting:      DefaultGreeting,
		Endpointing:   endpoint.DefaultPolicy(),
		MaxToolRounds: DefaultMaxToolRounds,
		Model:         DefaultModel,
		Temperature:   DefaultTemperature,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Endpointing.Validate(); err != nil {
		return err
	}
	if c.MaxToolRounds < 0 {
		return errors.New("turn: max tool rounds must not be negative")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("turn: temperature %.2f outside [0, 2]", c.Temperature)
	}
	return nil
}

// Option configures a Controller.
type Option func(*Controller)

// WithInvoker sets the tool invoker. Without one, tool calls fail softly
// as unknown tools.
func WithInvoker(inv *tools.Invoker) Option {
	return func(c *Controller) { c.invoker = inv }
}

// WithTurnDetector sets the end-of-turn model. Without one, every final
// transcript is treated as certain and the minimum delay applies.
func WithTurnDetector(d TurnDetector) Option {
	return func(c *Controller) { c.detector = d }
}

// WithObserver reports stt and llm samples.
func WithObserver(o metrics.Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithParticipant records the remote party.
func WithParticipant(p Participant) Option {
	return func(c *Controller) { c.participant = p }
}

// WithStateListener registers fn for every state transition. fn runs on
// the controller goroutine and must not block.
func WithStateListener(fn func(StateChange)) Option {
	return func(c *Controller) {
		if fn != nil {
			c.listeners = append(c.listeners, fn)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}
