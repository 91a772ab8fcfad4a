package turn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/teslashibe/go-voiceturn/pkg/chat"
	"github.com/teslashibe/go-voiceturn/pkg/endpoint"
	"github.com/teslashibe/go-voiceturn/pkg/inference"
	"github.com/teslashibe/go-voiceturn/pkg/metrics"
	"github.com/teslashibe/go-voiceturn/pkg/speech"
	"github.com/teslashibe/go-voiceturn/pkg/tools"
	"github.com/teslashibe/go-voiceturn/pkg/tts"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second

// recordingSpeaker keeps every handle it queues.
type recordingSpeaker struct {
	*speech.Queue
	mu      sync.Mutex
	handles []*speech.Handle
}

func (s *recordingSpeaker) Say(text string, opts ...speech.SayOption) *speech.Handle {
	h := s.Queue.Say(text, opts...)
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return h
}

func (s *recordingSpeaker) last() *speech.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles) == 0 {
		return nil
	}
	return s.handles[len(s.handles)-1]
}

type harness struct {
	t       *testing.T
	ctl     *Controller
	rec     ChannelRecognizer
	llm     *inference.Mock
	synth   *tts.Mock
	speaker *recordingSpeaker

	mu      sync.Mutex
	changes []StateChange
}

type harnessOpts struct {
	cfg     *Config
	synth   *tts.Mock
	invoker func(tools.Speaker) *tools.Invoker
	opts    []Option
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Greeting = ""
	cfg.Endpointing = endpoint.Policy{MinDelay: 5 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	return cfg
}

func newHarness(t *testing.T, llm *inference.Mock, ho harnessOpts) *harness {
	t.Helper()
	cfg := testConfig()
	if ho.cfg != nil {
		cfg = *ho.cfg
	}
	synth := ho.synth
	if synth == nil {
		synth = tts.NewMock()
	}

	h := &harness{
		t:       t,
		rec:     make(ChannelRecognizer, 16),
		llm:     llm,
		synth:   synth,
		speaker: &recordingSpeaker{Queue: speech.NewQueue(synth)},
	}

	opts := append([]Option{WithStateListener(func(sc StateChange) {
		h.mu.Lock()
		h.changes = append(h.changes, sc)
		h.mu.Unlock()
	})}, ho.opts...)
	if ho.invoker != nil {
		opts = append(opts, WithInvoker(ho.invoker(h.speaker)))
	}

	ctl, err := New(cfg, llm, h.speaker, opts...)
	require.NoError(t, err)
	h.ctl = ctl

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = h.speaker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, ctl.Run(ctx, h.rec))
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	require.Eventually(t, func() bool { return ctl.State() == StateListening }, waitFor, time.Millisecond)
	return h
}

func (h *harness) final(text string) {
	h.rec <- TranscriptEvent{Kind: FinalTranscript, Text: text}
}

func (h *harness) waitState(s State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.ctl.State() == s }, waitFor, time.Millisecond,
		"state stuck at %s, want %s", h.ctl.State(), s)
}

// waitResolved waits until at least turns turns have started and the last
// one has resolved back to listening.
func (h *harness) waitResolved(turns uint64) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		s := h.ctl.Snapshot()
		return s.Turns >= turns && s.State == StateListening
	}, waitFor, time.Millisecond)
}

func (h *harness) roles() []chat.Role {
	var out []chat.Role
	for _, m := range h.ctl.History().Messages() {
		out = append(out, m.Role)
	}
	return out
}

func (h *harness) states() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []State{h.changes[0].From}
	for _, c := range h.changes {
		out = append(out, c.To)
	}
	return out
}

// cause returns the Cause of the last transition into to.
func (h *harness) cause(to State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.changes) - 1; i >= 0; i-- {
		if h.changes[i].To == to {
			return h.changes[i].Cause
		}
	}
	return nil
}

// scriptedLLM replies with responses in order, then repeats the last one.
func scriptedLLM(responses ...*inference.ChatResponse) *inference.Mock {
	var mu sync.Mutex
	i := 0
	m := inference.NewMock()
	m.ChatFunc = func(ctx context.Context, req *inference.ChatRequest) (*inference.ChatResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		resp := responses[min(i, len(responses)-1)]
		i++
		return resp, nil
	}
	return m
}

func weatherInvoker(t *testing.T, status int, body string) func(tools.Speaker) *tools.Invoker {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)

	reg := tools.MustRegistry(tools.Weather(srv.URL, srv.Client()), tools.Time(nil))
	return func(s tools.Speaker) *tools.Invoker {
		return tools.NewInvoker(reg, s, tools.WithPicker(func(int) int { return 0 }))
	}
}

func weatherCall(location string) inference.ToolCall {
	return inference.ToolCall{ID: "call_w", Name: "get_weather", Arguments: fmt.Sprintf(`{"location":%q}`, location)}
}

func TestNewValidates(t *testing.T) {
	q := speech.NewQueue(tts.NewMock())

	_, err := New(DefaultConfig(), nil, q)
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = New(DefaultConfig(), inference.NewMock(), nil)
	assert.ErrorIs(t, err, ErrNoSpeaker)

	cfg := DefaultConfig()
	cfg.Endpointing.MinDelay = 10 * time.Second
	_, err = New(cfg, inference.NewMock(), q)
	assert.ErrorIs(t, err, endpoint.ErrInvertedBounds)

	cfg = DefaultConfig()
	cfg.Temperature = 3
	_, err = New(cfg, inference.NewMock(), q)
	assert.Error(t, err)
}

func TestGreeting(t *testing.T) {
	cfg := testConfig()
	cfg.Greeting = DefaultGreeting
	h := newHarness(t, inference.NewMock(), harnessOpts{cfg: &cfg})

	msgs := h.ctl.History().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleSystem, msgs[0].Role)
	assert.Equal(t, chat.RoleAssistant, msgs[1].Role)
	assert.Equal(t, DefaultGreeting, msgs[1].Text)
	assert.Equal(t, []State{StateIdle, StateListening}, h.states())

	require.Eventually(t, func() bool { return len(h.synth.Texts()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, DefaultGreeting, h.synth.Texts()[0])
}

func TestSimpleTurn(t *testing.T) {
	h := newHarness(t, scriptedLLM(inference.TextResponse("Hi there.")), harnessOpts{})

	h.final("hello")
	h.waitResolved(1)

	assert.Equal(t, []chat.Role{chat.RoleSystem, chat.RoleUser, chat.RoleAssistant}, h.roles())
	assert.Equal(t, []State{StateIdle, StateListening, StateThinking, StateSpeaking, StateListening}, h.states())
	assert.Contains(t, h.synth.Texts(), "Hi there.")

	req := h.llm.Requests()[0]
	assert.Equal(t, DefaultModel, req.Model)
	assert.Equal(t, inference.RoleUser, req.Messages[len(req.Messages)-1].Role)
}

func TestWeatherToolTurn(t *testing.T) {
	llm := scriptedLLM(
		inference.ToolCallResponse(weatherCall("Boston")),
		inference.TextResponse("It's sunny and 18 degrees in Boston."),
	)
	h := newHarness(t, llm, harnessOpts{invoker: weatherInvoker(t, http.StatusOK, "Sunny +18°C")})

	h.final("what's the weather in Boston?")
	h.waitResolved(1)

	msgs := h.ctl.History().Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, chat.RoleUser, msgs[1].Role)
	assert.Equal(t, chat.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "Let me check the weather in Boston for you.", msgs[2].Text)
	assert.Equal(t, chat.RoleTool, msgs[3].Role)
	assert.Equal(t, "The weather in Boston is Sunny +18°C.", msgs[3].Text)
	assert.Equal(t, "It's sunny and 18 degrees in Boston.", msgs[4].Text)

	reqs := llm.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Tools, 2)
	assert.Len(t, reqs[1].Tools, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, inference.RoleTool, last.Role)
	assert.Equal(t, "call_w", last.ToolCallID)

	assert.Equal(t, []string{"Let me check the weather in Boston for you.", "It's sunny and 18 degrees in Boston."}, h.synth.Texts())
}

func TestToolFailureContinues(t *testing.T) {
	llm := scriptedLLM(
		inference.ToolCallResponse(weatherCall("Boston")),
		inference.TextResponse("Sorry, the weather service is down."),
	)
	h := newHarness(t, llm, harnessOpts{invoker: weatherInvoker(t, http.StatusServiceUnavailable, "")})

	h.final("what's the weather in Boston?")
	h.waitResolved(1)

	msgs := h.ctl.History().Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, chat.RoleTool, msgs[3].Role)
	assert.Contains(t, msgs[3].Text, "503")
	assert.Equal(t, "Sorry, the weather service is down.", msgs[4].Text)
	assert.Equal(t, 2, llm.CallCount("Chat"))
}

func TestTimeToolTurn(t *testing.T) {
	clock := func() time.Time { return time.Date(2026, 1, 2, 9, 5, 7, 0, time.UTC) }
	reg := tools.MustRegistry(tools.Time(clock))
	llm := scriptedLLM(
		inference.ToolCallResponse(inference.ToolCall{ID: "t1", Name: "get_time"}),
		inference.TextResponse("It's five past nine."),
	)
	h := newHarness(t, llm, harnessOpts{invoker: func(s tools.Speaker) *tools.Invoker {
		return tools.NewInvoker(reg, s, tools.WithPicker(func(int) int { return 0 }))
	}})

	h.final("what time is it?")
	h.waitResolved(1)

	msgs := h.ctl.History().Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, "Let me check the time.", msgs[2].Text)
	assert.Equal(t, "09:05:07", msgs[3].Text)
}

func TestUnknownToolTurn(t *testing.T) {
	llm := scriptedLLM(
		inference.ToolCallResponse(inference.ToolCall{ID: "x", Name: "book_flight", Arguments: `{}`}),
		inference.TextResponse("I can't book flights."),
	)
	h := newHarness(t, llm, harnessOpts{invoker: weatherInvoker(t, http.StatusOK, "")})

	h.final("book me a flight")
	h.waitResolved(1)

	msgs := h.ctl.History().Messages()
	require.Len(t, msgs, 4, "unknown tool adds exactly one message")
	assert.Equal(t, chat.RoleTool, msgs[2].Role)
	assert.Contains(t, msgs[2].Text, "unavailable")
	assert.Equal(t, []string{"I can't book flights."}, h.synth.Texts())
}

func TestMalformedToolArguments(t *testing.T) {
	llm := scriptedLLM(
		inference.ToolCallResponse(inference.ToolCall{ID: "x", Name: "get_weather", Arguments: `{"location":`}),
		inference.TextResponse("Which city?"),
	)
	h := newHarness(t, llm, harnessOpts{invoker: weatherInvoker(t, http.StatusOK, "")})

	h.final("weather")
	h.waitResolved(1)

	msgs := h.ctl.History().Messages()
	require.Len(t, msgs, 4)
	assert.Contains(t, msgs[2].Text, "malformed JSON")
}

func TestMaxToolRounds(t *testing.T) {
	for _, rounds := range []int{0, 1, 2} {
		t.Run(fmt.Sprintf("rounds=%d", rounds), func(t *testing.T) {
			llm := inference.NewMock()
			llm.ChatFunc = func(ctx context.Context, req *inference.ChatRequest) (*inference.ChatResponse, error) {
				if len(req.Tools) == 0 {
					return inference.TextResponse("Enough checking."), nil
				}
				return inference.ToolCallResponse(inference.ToolCall{ID: "t", Name: "get_time"}), nil
			}
			cfg := testConfig()
			cfg.MaxToolRounds = rounds
			reg := tools.MustRegistry(tools.Time(nil))
			h := newHarness(t, llm, harnessOpts{cfg: &cfg, invoker: func(s tools.Speaker) *tools.Invoker {
				return tools.NewInvoker(reg, s)
			}})

			h.final("time?")
			h.waitResolved(1)

			reqs := llm.Requests()
			require.Len(t, reqs, rounds+1)
			for i, req := range reqs[:rounds] {
				assert.NotEmpty(t, req.Tools, "request %d", i)
			}
			assert.Empty(t, reqs[rounds].Tools, "tools offered past the limit")
			assert.Empty(t, reqs[rounds].ToolChoice)

			last, _ := h.ctl.History().Last()
			assert.Equal(t, "Enough checking.", last.Text)
		})
	}
}

func TestBargeInDuringSpeech(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	synth := tts.NewMock()
	synth.StreamFunc = func(ctx context.Context, text string) (tts.AudioStream, error) {
		return tts.NewBlockingStream(ctx, release), nil
	}

	h := newHarness(t, scriptedLLM(inference.TextResponse("Here is a very long answer.")), harnessOpts{synth: synth})

	h.final("tell me a story")
	h.waitState(StateSpeaking)
	require.Eventually(t, h.speaker.Playing, waitFor, time.Millisecond)
	handle := h.speaker.last()
	before := h.ctl.History().Messages()

	h.rec <- TranscriptEvent{Kind: SpeechStarted}

	h.waitState(StateListening)
	assert.Equal(t, speech.StateInterrupted, handle.State())
	assert.Equal(t, before, h.ctl.History().Messages(), "interrupted answer is not retracted")

	last, _ := h.ctl.History().Last()
	assert.Equal(t, chat.RoleAssistant, last.Role)
	assert.Equal(t, "Here is a very long answer.", last.Text)
}

func TestBargeInThenNewTurn(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	synth := tts.NewMock()
	var calls int
	var mu sync.Mutex
	synth.StreamFunc = func(ctx context.Context, text string) (tts.AudioStream, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return tts.NewBlockingStream(ctx, release), nil
		}
		return tts.NewBufferStream(make([]byte, 64), 1, tts.FormatFromEncoding(tts.EncodingPCM24)), nil
	}

	llm := scriptedLLM(inference.TextResponse("First answer."), inference.TextResponse("Second answer."))
	h := newHarness(t, llm, harnessOpts{synth: synth})

	h.final("one")
	require.Eventually(t, h.speaker.Playing, waitFor, time.Millisecond)

	// A final transcript while speaking implies speech and preempts.
	h.final("two")
	h.waitResolved(2)

	texts := []string{}
	for _, m := range h.ctl.History().Messages()[1:] {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"one", "First answer.", "two", "Second answer."}, texts)
}

func TestBargeInDuringFiller(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	synth := tts.NewMock()
	synth.StreamFunc = func(ctx context.Context, text string) (tts.AudioStream, error) {
		return tts.NewBlockingStream(ctx, release), nil
	}

	started := make(chan struct{})
	slow := tools.Tool{
		Name:    "lookup",
		Fillers: []string{"One moment."},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			close(started)
			<-ctx.Done()
			return "", context.Cause(ctx)
		},
	}
	reg := tools.MustRegistry(slow)
	llm := scriptedLLM(inference.ToolCallResponse(inference.ToolCall{ID: "l", Name: "lookup"}))
	h := newHarness(t, llm, harnessOpts{synth: synth, invoker: func(s tools.Speaker) *tools.Invoker {
		return tools.NewInvoker(reg, s, tools.WithTimeout(time.Minute))
	}})

	h.final("look it up")
	<-started
	require.Eventually(t, h.speaker.Playing, waitFor, time.Millisecond)
	assert.Equal(t, StateThinking, h.ctl.State())

	h.rec <- TranscriptEvent{Kind: SpeechStarted}
	h.waitState(StateListening)
	assert.True(t, h.speaker.last().Interrupted())

	// The abandoned tool outcome never reaches the history.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []chat.Role{chat.RoleSystem, chat.RoleUser}, h.roles())
}

func TestFinalDeferredWhileThinking(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	n := 0
	llm := inference.NewMock()
	llm.ChatFunc = func(ctx context.Context, req *inference.ChatRequest) (*inference.ChatResponse, error) {
		mu.Lock()
		n++
		first := n == 1
		mu.Unlock()
		if first {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		last := req.Messages[len(req.Messages)-1]
		return inference.TextResponse("re: " + last.Content), nil
	}
	h := newHarness(t, llm, harnessOpts{})

	h.final("first")
	h.waitState(StateThinking)
	h.final("second")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []chat.Role{chat.RoleSystem, chat.RoleUser}, h.roles(), "second utterance waits")

	close(gate)
	h.waitResolved(2)

	var texts []string
	for _, m := range h.ctl.History().Messages()[1:] {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"first", "re: first", "second", "re: second"}, texts)
}

// deferredThenSpeaking holds the first completion until gate closes and
// echoes the last message back. The first reply plays until interrupted;
// later replies play out.
func deferredThenSpeaking(gate <-chan struct{}, release <-chan struct{}) (*inference.Mock, *tts.Mock) {
	var mu sync.Mutex
	chats, streams := 0, 0
	llm := inference.NewMock()
	llm.ChatFunc = func(ctx context.Context, req *inference.ChatRequest) (*inference.ChatResponse, error) {
		mu.Lock()
		chats++
		first := chats == 1
		mu.Unlock()
		if first {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		last := req.Messages[len(req.Messages)-1]
		return inference.TextResponse("re: " + last.Content), nil
	}
	synth := tts.NewMock()
	synth.StreamFunc = func(ctx context.Context, text string) (tts.AudioStream, error) {
		mu.Lock()
		streams++
		first := streams == 1
		mu.Unlock()
		if first {
			return tts.NewBlockingStream(ctx, release), nil
		}
		return tts.NewBufferStream(make([]byte, 64), 1, tts.FormatFromEncoding(tts.EncodingPCM24)), nil
	}
	return llm, synth
}

func TestDeferredUtteranceSurvivesBargeIn(t *testing.T) {
	tests := []struct {
		name      string
		interrupt func(h *harness)
	}{
		{"interrupt", func(h *harness) { h.ctl.Interrupt() }},
		{"speech started", func(h *harness) { h.rec <- TranscriptEvent{Kind: SpeechStarted} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, release := make(chan struct{}), make(chan struct{})
			defer close(release)
			llm, synth := deferredThenSpeaking(gate, release)
			h := newHarness(t, llm, harnessOpts{synth: synth})

			h.final("one")
			h.waitState(StateThinking)
			h.final("two")
			close(gate)

			h.waitState(StateSpeaking)
			require.Eventually(t, h.speaker.Playing, waitFor, time.Millisecond)
			tt.interrupt(h)

			// No further speech events arrive; the deferred utterance
			// must still become the next turn.
			h.waitResolved(2)
			require.Eventually(t, func() bool { return len(h.ctl.History().Messages()) == 5 }, waitFor, time.Millisecond)

			var texts []string
			for _, m := range h.ctl.History().Messages()[1:] {
				texts = append(texts, m.Text)
			}
			assert.Equal(t, []string{"one", "re: one", "two", "re: two"}, texts)
			assert.Contains(t, h.states(), StateThinking)

			var interrupted bool
			h.mu.Lock()
			for _, sc := range h.changes {
				if sc.From == StateSpeaking && sc.To == StateListening && IsInterrupted(sc.Cause) {
					interrupted = true
				}
			}
			h.mu.Unlock()
			assert.True(t, interrupted, "barge-in transition carries ErrTurnInterrupted")
		})
	}
}

func TestLanguageModelFailure(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		failure inference.Failure
	}{
		{"server error", &inference.APIError{Endpoint: "openai", StatusCode: 500, Message: "boom"}, inference.FailureTransient},
		{"rejected key", &inference.APIError{Endpoint: "openai", StatusCode: 401, Message: "bad key"}, inference.FailureFatal},
		{"all providers down", &inference.ChainError{Attempts: []inference.Attempt{
			{Provider: "openai", Err: &inference.APIError{StatusCode: 503}},
			{Provider: "ollama", Err: &inference.TransportError{Endpoint: "ollama", Err: errors.New("refused")}},
		}}, inference.FailureTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, inference.WithError(tt.err), harnessOpts{})

			h.final("hello")
			h.waitResolved(1)

			assert.Equal(t, []chat.Role{chat.RoleSystem, chat.RoleUser}, h.roles())
			assert.Equal(t, []State{StateIdle, StateListening, StateThinking, StateListening}, h.states())

			var engineErr *EngineError
			require.ErrorAs(t, h.cause(StateListening), &engineErr)
			assert.Equal(t, "llm", engineErr.Stage)
			assert.Equal(t, uint64(1), engineErr.Turn)
			assert.Equal(t, tt.failure, engineErr.Failure)
			assert.ErrorIs(t, engineErr, tt.err)
		})
	}
}

func TestNilCompletionAbandonsTurn(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	llm := inference.NewMock()
	llm.ChatFunc = func(ctx context.Context, req *inference.ChatRequest) (*inference.ChatResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, nil
		}
		return inference.TextResponse("back again"), nil
	}
	h := newHarness(t, llm, harnessOpts{})

	h.final("hello")
	h.waitResolved(1)
	var engineErr *EngineError
	require.ErrorAs(t, h.cause(StateListening), &engineErr)
	assert.ErrorIs(t, engineErr, errNoResponse)

	h.final("still there?")
	h.waitResolved(2)
	require.Eventually(t, func() bool {
		last, _ := h.ctl.History().Last()
		return last.Text == "back again"
	}, waitFor, time.Millisecond)
}

func TestEndpointingDelay(t *testing.T) {
	cfg := testConfig()
	cfg.Endpointing = endpoint.Policy{MinDelay: 5 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	detector := DetectorFunc(func(ctx context.Context, history []chat.Message, text string) (float64, error) {
		if strings.HasSuffix(text, "...") {
			return 0, nil
		}
		return 1, nil
	})
	h := newHarness(t, scriptedLLM(inference.TextResponse("ok")), harnessOpts{
		cfg:  &cfg,
		opts: []Option{WithTurnDetector(detector)},
	})

	start := time.Now()
	h.final("so I was thinking...")
	h.waitState(StateThinking)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	h.waitResolved(1)

	start = time.Now()
	h.final("that's all")
	h.waitState(StateThinking)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestSpeechCancelsEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Endpointing = endpoint.Policy{MinDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	h := newHarness(t, scriptedLLM(inference.TextResponse("ok")), harnessOpts{cfg: &cfg})

	h.final("wait")
	h.rec <- TranscriptEvent{Kind: SpeechStarted}
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, StateListening, h.ctl.State())

	h.rec <- TranscriptEvent{Kind: FinalTranscript, Text: "for it"}
	h.waitResolved(1)
	msgs := h.ctl.History().Messages()
	assert.Equal(t, "wait for it", msgs[1].Text)
}

func TestDetectorErrorUsesMaxDelay(t *testing.T) {
	cfg := testConfig()
	cfg.Endpointing = endpoint.Policy{MinDelay: 0, MaxDelay: 150 * time.Millisecond}
	detector := DetectorFunc(func(ctx context.Context, history []chat.Message, text string) (float64, error) {
		return 0.99, errors.New("model offline")
	})
	h := newHarness(t, scriptedLLM(inference.TextResponse("ok")), harnessOpts{
		cfg:  &cfg,
		opts: []Option{WithTurnDetector(detector)},
	})

	start := time.Now()
	h.final("hi")
	h.waitState(StateThinking)
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestObservesSamples(t *testing.T) {
	var mu sync.Mutex
	var samples []metrics.Sample
	obs := metrics.ObserverFunc(func(s metrics.Sample) {
		mu.Lock()
		samples = append(samples, s)
		mu.Unlock()
	})
	h := newHarness(t, scriptedLLM(inference.TextResponse("ok")), harnessOpts{opts: []Option{WithObserver(obs)}})

	h.rec <- TranscriptEvent{Kind: FinalTranscript, Text: "hello", Latency: 80 * time.Millisecond, AudioDuration: time.Second}
	h.waitResolved(1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, samples, 2)
	assert.Equal(t, metrics.StageSTT, samples[0].Stage)
	assert.Equal(t, time.Second, samples[0].AudioDuration)
	assert.Equal(t, metrics.StageLLM, samples[1].Stage)
	assert.Equal(t, 10, samples[1].PromptTokens)
}

func TestInterruptMethod(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	synth := tts.NewMock()
	synth.StreamFunc = func(ctx context.Context, text string) (tts.AudioStream, error) {
		return tts.NewBlockingStream(ctx, release), nil
	}
	h := newHarness(t, scriptedLLM(inference.TextResponse("long")), harnessOpts{synth: synth})

	h.final("go")
	h.waitState(StateSpeaking)
	h.ctl.Interrupt()
	h.waitState(StateListening)
}

func TestRecognizerClosed(t *testing.T) {
	q := speech.NewQueue(tts.NewMock())
	cfg := testConfig()
	ctl, err := New(cfg, inference.NewMock(), q)
	require.NoError(t, err)

	rec := make(ChannelRecognizer)
	close(rec)
	require.NoError(t, ctl.Run(context.Background(), rec))
	assert.Equal(t, StateIdle, ctl.State())
	assert.ErrorIs(t, ctl.Run(context.Background(), rec), ErrAlreadyRunning)
}

func TestSingleActiveTurnUnderLoad(t *testing.T) {
	llm := inference.NewMock()
	llm.ChatFunc = func(ctx context.Context, req *inference.ChatRequest) (*inference.ChatResponse, error) {
		select {
		case <-time.After(time.Duration(rand.Intn(5)) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		last := req.Messages[len(req.Messages)-1]
		return inference.TextResponse("re: " + last.Content), nil
	}
	h := newHarness(t, llm, harnessOpts{})

	const senders, perSender = 4, 5
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				h.final(fmt.Sprintf("w%d_%d", s, i))
				time.Sleep(time.Duration(rand.Intn(8)) * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		if h.ctl.State() != StateListening {
			return false
		}
		var users strings.Builder
		for _, m := range h.ctl.History().Messages() {
			if m.Role == chat.RoleUser {
				users.WriteString(m.Text + " ")
			}
		}
		last, _ := h.ctl.History().Last()
		for s := 0; s < senders; s++ {
			for i := 0; i < perSender; i++ {
				if !strings.Contains(users.String(), fmt.Sprintf("w%d_%d ", s, i)) {
					return false
				}
			}
		}
		return last.Role == chat.RoleAssistant
	}, 5*time.Second, 5*time.Millisecond)

	// Every user message is answered before the next one is appended.
	msgs := h.ctl.History().Messages()[1:]
	require.Zero(t, len(msgs)%2)
	for i := 0; i < len(msgs); i += 2 {
		require.Equal(t, chat.RoleUser, msgs[i].Role, "message %d", i)
		require.Equal(t, chat.RoleAssistant, msgs[i+1].Role, "message %d", i+1)
		require.Equal(t, "re: "+msgs[i].Text, msgs[i+1].Text)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "thinking", StateThinking.String())
	b, err := StateSpeaking.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "speaking", string(b))
	assert.Equal(t, "final", FinalTranscript.String())
	assert.True(t, IsInterrupted(fmt.Errorf("wrapped: %w", ErrTurnInterrupted)))
}

func TestStateText(t *testing.T) {
	var s State
	require.NoError(t, s.UnmarshalText([]byte("listening")))
	assert.Equal(t, StateListening, s)
	assert.Error(t, s.UnmarshalText([]byte("dreaming")))
}
