package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/teslashibe/go-voiceturn/pkg/speech"
	"github.com/teslashibe/go-voiceturn/pkg/turn"
)

// consoleRecognizer turns typed lines into transcript events. An empty line
// is reported as the start of speech, which interrupts the assistant.
type consoleRecognizer struct {
	events chan turn.TranscriptEvent
}

func newConsoleRecognizer(ctx context.Context, r io.Reader) *consoleRecognizer {
	c := &consoleRecognizer{events: make(chan turn.TranscriptEvent)}
	go c.read(ctx, r)
	return c
}

func (c *consoleRecognizer) Events() <-chan turn.TranscriptEvent {
	return c.events
}

func (c *consoleRecognizer) read(ctx context.Context, r io.Reader) {
	defer close(c.events)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		evs := []turn.TranscriptEvent{{Kind: turn.SpeechStarted}}
		if line != "" {
			evs = append(evs,
				turn.TranscriptEvent{Kind: turn.FinalTranscript, Text: line},
				turn.TranscriptEvent{Kind: turn.SpeechEnded},
			)
		}
		for _, ev := range evs {
			select {
			case c.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// consoleSpeaker prints every utterance as it is queued.
type consoleSpeaker struct {
	*speech.Queue
	mu  sync.Mutex
	out io.Writer
}

func (s *consoleSpeaker) Say(text string, opts ...speech.SayOption) *speech.Handle {
	s.mu.Lock()
	fmt.Fprintf(s.out, "assistant> %s\n", text)
	s.mu.Unlock()
	return s.Queue.Say(text, opts...)
}

func (s *consoleSpeaker) InterruptAll() int {
	n := s.Queue.InterruptAll()
	if n > 0 {
		s.mu.Lock()
		fmt.Fprintln(s.out, "assistant> [interrupted]")
		s.mu.Unlock()
	}
	return n
}
