// Package endpoint decides how long to wait after apparent silence before a
// user's utterance is treated as finished.
package endpoint

import (
	"errors"
	"math"
	"time"
)

// Default bounds, used when the turn detector is confident and when it is not.
const (
	DefaultMinDelay = 500 * time.Millisecond
	DefaultMaxDelay = 5 * time.Second
)

var (
	// ErrNegativeDelay indicates a bound below zero.
	ErrNegativeDelay = errors.New("endpoint: delays must not be negative")

	// ErrInvertedBounds indicates MinDelay > MaxDelay.
	ErrInvertedBounds = errors.New("endpoint: min delay exceeds max delay")

	// ErrThresholdRange indicates a threshold outside [0, 1].
	ErrThresholdRange = errors.New("endpoint: threshold must be between 0 and 1")
)

// Policy maps end-of-utterance confidence to an endpointing delay.
type Policy struct {
	MinDelay time.Duration
	MaxDelay time.Duration

	// Threshold switches to a step policy when > 0: confidence at or above
	// it yields MinDelay, anything lower yields MaxDelay. Zero interpolates.
	Threshold float64
}

// DefaultPolicy returns the interpolating policy with default bounds.
func DefaultPolicy() Policy {
	return Policy{MinDelay: DefaultMinDelay, MaxDelay: DefaultMaxDelay}
}

// Validate checks the bound invariant.
func (p Policy) Validate() error {
	if p.MinDelay < 0 || p.MaxDelay < 0 {
		return ErrNegativeDelay
	}
	if p.MinDelay > p.MaxDelay {
		return ErrInvertedBounds
	}
	if p.Threshold < 0 || p.Threshold > 1 || math.IsNaN(p.Threshold) {
		return ErrThresholdRange
	}
	return nil
}

// Decide returns the delay for the given confidence under this policy.
func (p Policy) Decide(confidence float64) time.Duration {
	if p.Threshold > 0 {
		lo, hi := ordered(p.MinDelay, p.MaxDelay)
		if clamp(confidence) >= p.Threshold {
			return lo
		}
		return hi
	}
	return Decide(confidence, p.MinDelay, p.MaxDelay)
}

// Decide linearly interpolates from maxDelay (confidence 0) down to
// minDelay (confidence 1). Out-of-range and NaN confidences are clamped,
// so the result always lies in [minDelay, maxDelay].
func Decide(confidence float64, minDelay, maxDelay time.Duration) time.Duration {
	lo, hi := ordered(minDelay, maxDelay)
	c := clamp(confidence)
	span := float64(hi - lo)
	d := hi - time.Duration(math.Round(c*span))
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func clamp(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

func ordered(a, b time.Duration) (time.Duration, time.Duration) {
	if a > b {
		return b, a
	}
	return a, b
}
