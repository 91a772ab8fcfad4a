package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Named is implemented by providers that can label themselves in chain
// errors. Client implements it.
type Named interface {
	Name() string
}

// Chain falls back across providers. After a fallback succeeds the chain
// keeps starting from that provider, so a dead primary costs one failed
// request per outage rather than one per turn. Fatal failures such as a
// rejected key still move on to the next provider.
type Chain struct {
	providers []Provider
	logger    *zap.Logger

	mu        sync.Mutex
	preferred int
}

// NewChain builds a chain from providers in priority order.
func NewChain(providers ...Provider) (*Chain, error) {
	return NewChainWithLogger(nil, providers...)
}

// NewChainWithLogger is NewChain with logging of fallbacks.
func NewChainWithLogger(logger *zap.Logger, providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		providers: providers,
		logger:    logger.With(zap.String("component", "inference.chain")),
	}, nil
}

// Chat tries providers starting from the preferred one. A cancelled
// context stops immediately and returns the context error.
func (c *Chain) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := c.Preferred()
	var attempts []Attempt

	for n := range c.providers {
		i := (start + n) % len(c.providers)
		resp, err := c.providers[i].Chat(ctx, req)
		if err == nil {
			if i != start {
				c.setPreferred(i)
				c.logger.Info("switched provider",
					zap.String("from", providerName(c.providers[start], start)),
					zap.String("to", providerName(c.providers[i], i)),
				)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		attempts = append(attempts, Attempt{Provider: providerName(c.providers[i], i), Err: err})
		c.logger.Warn("provider failed",
			zap.String("provider", providerName(c.providers[i], i)),
			zap.Stringer("failure", Classify(err)),
			zap.Error(err),
		)
	}
	return nil, &ChainError{Attempts: attempts}
}

// Health succeeds when at least one provider is healthy.
func (c *Chain) Health(ctx context.Context) error {
	var errs []error
	for i, p := range c.providers {
		err := p.Health(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", providerName(p, i), err))
	}
	return errors.Join(errs...)
}

// Close closes every provider and joins their errors.
func (c *Chain) Close() error {
	var errs []error
	for _, p := range c.providers {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

// Preferred returns the index the next Chat starts from.
func (c *Chain) Preferred() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preferred
}

func (c *Chain) setPreferred(i int) {
	c.mu.Lock()
	c.preferred = i
	c.mu.Unlock()
}

func providerName(p Provider, i int) string {
	if n, ok := p.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return fmt.Sprintf("provider-%d", i)
}

var _ Provider = (*Chain)(nil)
