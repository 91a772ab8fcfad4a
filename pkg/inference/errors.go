package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoModel is returned when no chat model is configured.
	ErrNoModel = errors.New("inference: model required")

	// ErrNoProviders is returned when a chain is built without providers.
	ErrNoProviders = errors.New("inference: no providers")

	// ErrAllProvidersFailed matches a ChainError.
	ErrAllProvidersFailed = errors.New("inference: all providers failed")

	// ErrNoChoices is returned when a completion carries no choices.
	ErrNoChoices = errors.New("inference: no choices returned")

	// ErrMalformedResponse is returned when a completion body cannot be
	// decoded.
	ErrMalformedResponse = errors.New("inference: malformed response")
)

// Failure says what a failed completion means for the conversation.
type Failure int

const (
	// FailureNone is the classification of a nil error.
	FailureNone Failure = iota
	// FailureCanceled means the caller gave up, usually on barge-in.
	FailureCanceled
	// FailureTransient means the next turn may well succeed: rate limits,
	// server errors, timeouts, dropped connections, garbled replies.
	FailureTransient
	// FailureFatal means every later turn will fail the same way until the
	// configuration changes: bad key, unknown model, rejected request.
	FailureFatal
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureCanceled:
		return "canceled"
	case FailureTransient:
		return "transient"
	case FailureFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// APIError is a non-2xx answer from a chat completions endpoint.
type APIError struct {
	Endpoint   string
	StatusCode int
	Type       string
	Code       string
	Message    string

	// RetryAfter is the server's Retry-After hint, if it sent one.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "inference: %s returned %d", e.Endpoint, e.StatusCode)
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Retryable reports whether repeating the same request may succeed.
func (e *APIError) Retryable() bool {
	switch {
	case e.StatusCode == 408, e.StatusCode == 409, e.StatusCode == 429:
		return true
	default:
		return e.StatusCode >= 500
	}
}

// TransportError is a request that never produced an HTTP response.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("inference: %s unreachable: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Attempt is one provider's failure inside a chain.
type Attempt struct {
	Provider string
	Err      error
}

// ChainError reports a chain in which every provider failed.
type ChainError struct {
	Attempts []Attempt
}

func (e *ChainError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Provider, a.Err)
	}
	return fmt.Sprintf("inference: all %d providers failed [%s]", len(e.Attempts), strings.Join(parts, "; "))
}

// Unwrap exposes every attempt to errors.Is and errors.As.
func (e *ChainError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// Is matches ErrAllProvidersFailed.
func (e *ChainError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

// Classify maps a Chat error to a Failure. A chain is transient when any
// of its providers failed transiently.
func Classify(err error) Failure {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.Canceled) {
		return FailureCanceled
	}

	var chainErr *ChainError
	if errors.As(err, &chainErr) {
		worst := FailureFatal
		for _, a := range chainErr.Attempts {
			switch Classify(a.Err) {
			case FailureCanceled:
				return FailureCanceled
			case FailureTransient:
				worst = FailureTransient
			}
		}
		return worst
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Retryable() {
			return FailureTransient
		}
		return FailureFatal
	}

	var transportErr *TransportError
	switch {
	case errors.As(err, &transportErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrNoChoices),
		errors.Is(err, ErrMalformedResponse):
		return FailureTransient
	}
	return FailureFatal
}
