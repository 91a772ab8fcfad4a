package tts

import (
	"errors"
	"fmt"
)

var (
	ErrNoAPIKey  = errors.New("tts: API key required")
	ErrNoVoiceID = errors.New("tts: voice ID required")

	// ErrStreamClosed is returned by Read after Close or cancellation.
	ErrStreamClosed = errors.New("tts: stream closed")
)

// SynthesisError reports a failed utterance. StatusCode is set when the
// WebSocket handshake was rejected; Reason when the server aborted the
// stream with an error message; Err when the connection itself failed.
type SynthesisError struct {
	Voice      string
	StatusCode int
	Reason     string
	Message    string
	Err        error
}

func (e *SynthesisError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("tts: voice %s rejected with %d: %s", e.Voice, e.StatusCode, e.Message)
	case e.Reason != "":
		return fmt.Sprintf("tts: voice %s aborted (%s): %s", e.Voice, e.Reason, e.Message)
	default:
		return fmt.Sprintf("tts: voice %s: %v", e.Voice, e.Err)
	}
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Retryable reports whether saying the same text again may succeed.
// A rejected key or an exhausted quota will not.
func (e *SynthesisError) Retryable() bool {
	switch {
	case e.StatusCode == 401, e.StatusCode == 403, e.Reason == "quota_exceeded":
		return false
	case e.StatusCode == 429, e.StatusCode >= 500, e.Err != nil:
		return true
	default:
		return false
	}
}
