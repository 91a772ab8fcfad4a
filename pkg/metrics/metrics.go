// Package metrics aggregates per-stage latency and usage samples emitted
// during a conversation into a running UsageSummary.
//
// Stages report samples through the Observer interface. The Aggregator
// drains them on its own goroutine, so observers never block on folding:
//
//	agg := metrics.NewAggregator(metrics.WithLogger(logger))
//	go agg.Run(ctx)
//
//	agg.Observe(metrics.Sample{Stage: metrics.StageLLM, Latency: 420 * time.Millisecond})
//
//	summary, err := agg.Finalize(5 * time.Second)
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Stage identifies the pipeline stage a sample came from.
type Stage string

const (
	StageSTT  Stage = "stt"
	StageLLM  Stage = "llm"
	StageTTS  Stage = "tts"
	StageTool Stage = "tool"
)

// Sample is a single immutable measurement.
type Sample struct {
	Stage   Stage
	Latency time.Duration

	// Amount is tokens for llm, bytes for tts, characters for stt.
	Amount int64

	// Stage-specific usage.
	PromptTokens     int
	CompletionTokens int
	Characters       int
	AudioDuration    time.Duration

	// Label is a free-form qualifier such as the model or tool name.
	Label string
	At    time.Time
}

// Observer receives samples. Implementations must not block.
type Observer interface {
	Observe(Sample)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Sample)

// Observe implements Observer.
func (f ObserverFunc) Observe(s Sample) { f(s) }

// StageTotals accumulates samples for one stage.
type StageTotals struct {
	Count        int           `json:"count"`
	TotalLatency time.Duration `json:"total_latency"`
	TotalAmount  int64         `json:"total_amount"`
}

// AverageLatency returns the mean latency, or zero with no samples.
func (t StageTotals) AverageLatency() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.TotalLatency / time.Duration(t.Count)
}

// UsageSummary is the running fold of every collected sample.
type UsageSummary struct {
	Stages map[Stage]StageTotals `json:"stages"`

	LLMPromptTokens     int           `json:"llm_prompt_tokens"`
	LLMCompletionTokens int           `json:"llm_completion_tokens"`
	TTSCharacters       int           `json:"tts_characters"`
	STTAudioDuration    time.Duration `json:"stt_audio_duration"`

	// Dropped counts samples that could not be recorded.
	Dropped int `json:"dropped"`

	// Final is set once the summary has been finalized.
	Final bool `json:"final"`
}

func newSummary() UsageSummary {
	return UsageSummary{Stages: make(map[Stage]StageTotals)}
}

// add folds s into the summary.
func (u *UsageSummary) add(s Sample) {
	t := u.Stages[s.Stage]
	t.Count++
	t.TotalLatency += s.Latency
	t.TotalAmount += s.Amount
	u.Stages[s.Stage] = t

	switch s.Stage {
	case StageLLM:
		u.LLMPromptTokens += s.PromptTokens
		u.LLMCompletionTokens += s.CompletionTokens
	case StageTTS:
		u.TTSCharacters += s.Characters
	case StageSTT:
		u.STTAudioDuration += s.AudioDuration
	}
}

// clone returns a deep copy.
func (u UsageSummary) clone() UsageSummary {
	out := u
	out.Stages = make(map[Stage]StageTotals, len(u.Stages))
	for k, v := range u.Stages {
		out.Stages[k] = v
	}
	return out
}

// String renders a one-line summary, stages in name order.
func (u UsageSummary) String() string {
	stages := make([]string, 0, len(u.Stages))
	for s := range u.Stages {
		stages = append(stages, string(s))
	}
	sort.Strings(stages)

	var b strings.Builder
	for _, name := range stages {
		t := u.Stages[Stage(name)]
		fmt.Fprintf(&b, "%s: %d calls avg %s; ", name, t.Count, t.AverageLatency().Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "llm tokens %d/%d, tts chars %d, stt audio %s",
		u.LLMPromptTokens, u.LLMCompletionTokens, u.TTSCharacters, u.STTAudioDuration.Round(time.Millisecond))
	if u.Dropped > 0 {
		fmt.Fprintf(&b, ", dropped %d", u.Dropped)
	}
	return b.String()
}
