// Package turn implements the conversational turn controller: the state
// machine that sequences listening, thinking and speaking for one voice
// conversation, dispatches model tool calls and handles barge-in.
//
// All state transitions and chat history writes happen on the goroutine
// running Controller.Run. Language model calls, tool executions, turn
// detection and playback waits run on helper goroutines that report back
// to that loop; results from a turn that has since been interrupted are
// dropped.
package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/go-voiceturn/pkg/chat"
	"github.com/teslashibe/go-voiceturn/pkg/inference"
	"github.com/teslashibe/go-voiceturn/pkg/speech"
)

// State is the controller's conversational phase.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateIdle, StateListening, StateThinking, StateSpeaking} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("turn: unknown state %q", b)
}

var (
	// ErrTurnInterrupted is the cancellation cause of a turn preempted by
	// user speech. It is a normal transition, not a failure.
	ErrTurnInterrupted = errors.New("turn: interrupted by user speech")

	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("turn: controller already running")

	// ErrNoProvider is returned when no language model is configured.
	ErrNoProvider = errors.New("turn: language model provider required")

	// ErrNoSpeaker is returned when no speech output is configured.
	ErrNoSpeaker = errors.New("turn: speaker required")
)

// IsInterrupted reports whether err or ctx's cause is a barge-in.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrTurnInterrupted)
}

// errNoResponse is reported when a provider returns neither a response
// nor an error.
var errNoResponse = errors.New("turn: language model returned no response")

// EngineError is the cause of a turn abandoned because an engine failed.
// It reaches state listeners through StateChange.Cause.
type EngineError struct {
	Stage   string
	Turn    uint64
	Failure inference.Failure
	Err     error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("turn %d: %s failed (%s): %v", e.Turn, e.Stage, e.Failure, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// EventKind classifies recognizer events.
type EventKind int

const (
	// SpeechStarted is raised when voice activity begins.
	SpeechStarted EventKind = iota
	// InterimTranscript carries a partial hypothesis.
	InterimTranscript
	// FinalTranscript carries a finalized segment.
	FinalTranscript
	// SpeechEnded is raised when voice activity stops.
	SpeechEnded
)

func (k EventKind) String() string {
	switch k {
	case SpeechStarted:
		return "speech_started"
	case InterimTranscript:
		return "interim"
	case FinalTranscript:
		return "final"
	case SpeechEnded:
		return "speech_ended"
	default:
		return "unknown"
	}
}

// TranscriptEvent is emitted by the speech recognizer.
type TranscriptEvent struct {
	Kind EventKind
	Text string

	// Latency is the recognizer's processing delay for this segment.
	Latency time.Duration

	// AudioDuration is the amount of audio the segment covers.
	AudioDuration time.Duration
}

// Recognizer is the speech recognition boundary. Closing the channel ends
// the conversation.
type Recognizer interface {
	Events() <-chan TranscriptEvent
}

// ChannelRecognizer adapts a channel to Recognizer.
type ChannelRecognizer chan TranscriptEvent

// Events implements Recognizer.
func (c ChannelRecognizer) Events() <-chan TranscriptEvent { return c }

// TurnDetector estimates whether the user has finished speaking.
type TurnDetector interface {
	// PredictEndOfTurn returns a confidence in [0, 1] that text ends the
	// user's turn given the conversation so far.
	PredictEndOfTurn(ctx context.Context, history []chat.Message, text string) (float64, error)
}

// DetectorFunc adapts a function to TurnDetector.
type DetectorFunc func(ctx context.Context, history []chat.Message, text string) (float64, error)

// PredictEndOfTurn implements TurnDetector.
func (f DetectorFunc) PredictEndOfTurn(ctx context.Context, history []chat.Message, text string) (float64, error) {
	return f(ctx, history, text)
}

// Speaker is the speech output the controller drives. *speech.Queue
// satisfies it.
type Speaker interface {
	Say(text string, opts ...speech.SayOption) *speech.Handle
	InterruptAll() int
	Playing() bool
}

// ParticipantKind is the kind of remote party, reported by the session host.
type ParticipantKind string

const (
	ParticipantStandard ParticipantKind = "standard"
	ParticipantSIP      ParticipantKind = "sip"
	ParticipantAgent    ParticipantKind = "agent"
)

// Participant describes the remote user of the conversation.
type Participant struct {
	Identity   string            `json:"identity"`
	Name       string            `json:"name,omitempty"`
	Kind       ParticipantKind   `json:"kind"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// StateChange is delivered to state listeners.
type StateChange struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	Turn uint64    `json:"turn"`
	At   time.Time `json:"at"`

	// Cause is set when a turn ends early: ErrTurnInterrupted on barge-in,
	// an *EngineError when the language model failed.
	Cause error `json:"-"`
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State       State       `json:"state"`
	Turns       uint64      `json:"turns"`
	Messages    int         `json:"messages"`
	Participant Participant `json:"participant"`
}
