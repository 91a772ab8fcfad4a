package inference

import (
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Config describes one chat completions endpoint.
type Config struct {
	// Name labels the endpoint in logs and chain errors. Defaults to the
	// host of BaseURL.
	Name string

	BaseURL string
	// APIKey may be empty for local servers.
	APIKey string
	Model  string

	// Defaults applied when a request leaves them zero.
	MaxTokens   int
	Temperature float64

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	// MaxRetries is the number of extra attempts for retryable failures.
	// Attempt n waits RetryDelay doubled n-1 times, or the server's
	// Retry-After when larger, capped at MaxRetryWait.
	MaxRetries   int
	RetryDelay   time.Duration
	MaxRetryWait time.Duration

	Logger *zap.Logger
}

// Option configures a Client.
type Option func(*Config)

// WithName sets the endpoint label.
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithBaseURL sets the API base URL, e.g. "http://localhost:11434/v1".
func WithBaseURL(u string) Option {
	return func(c *Config) { c.BaseURL = u }
}

func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

func WithMaxTokens(n int) Option {
	return func(c *Config) { c.MaxTokens = n }
}

func WithTemperature(t float64) Option {
	return func(c *Config) { c.Temperature = t }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithRetry sets the retry budget and the first backoff step.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithMaxRetryWait caps how long a Retry-After hint may stall a turn.
func WithMaxRetryWait(d time.Duration) Option {
	return func(c *Config) { c.MaxRetryWait = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// DefaultConfig targets OpenAI with a short retry budget. A voice turn
// cannot wait long, so retries are few and quick.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:      "https://api.openai.com/v1",
		Model:        "gpt-4o-mini",
		MaxTokens:    512,
		Temperature:  0.7,
		Timeout:      20 * time.Second,
		MaxRetries:   2,
		RetryDelay:   200 * time.Millisecond,
		MaxRetryWait: 2 * time.Second,
		Logger:       zap.NewNop(),
	}
}

func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

func (c *Config) Validate() error {
	if c.Model == "" {
		return ErrNoModel
	}
	return nil
}

// EndpointName returns Name, or the BaseURL host when Name is empty.
func (c *Config) EndpointName() string {
	if c.Name != "" {
		return c.Name
	}
	if u, err := url.Parse(c.BaseURL); err == nil && u.Host != "" {
		return u.Host
	}
	return c.BaseURL
}
