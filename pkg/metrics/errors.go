package metrics

import (
	"errors"
	"fmt"
)

// ErrFinalizeTimeout indicates Finalize returned before draining every sample.
var ErrFinalizeTimeout = errors.New("metrics: finalize timed out")

// CollectionError reports samples that were not folded into the summary.
// It is never fatal.
type CollectionError struct {
	Reason  string
	Dropped int
	Err     error
}

// Error implements the error interface.
func (e *CollectionError) Error() string {
	if e.Dropped > 0 {
		return fmt.Sprintf("metrics: %s (%d samples dropped)", e.Reason, e.Dropped)
	}
	return fmt.Sprintf("metrics: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *CollectionError) Unwrap() error {
	return e.Err
}

// IsCollectionError reports whether err is a CollectionError.
func IsCollectionError(err error) bool {
	var ce *CollectionError
	return errors.As(err, &ce)
}
