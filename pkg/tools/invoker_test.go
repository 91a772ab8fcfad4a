package tools_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/teslashibe/go-voiceturn/pkg/chat"
	"github.com/teslashibe/go-voiceturn/pkg/metrics"
	"github.com/teslashibe/go-voiceturn/pkg/speech"
	"github.com/teslashibe/go-voiceturn/pkg/tools"
	"github.com/teslashibe/go-voiceturn/pkg/tts"
)

// recordingSpeaker wraps a queue and records every filler.
type recordingSpeaker struct {
	q     *speech.Queue
	mu    sync.Mutex
	texts []string
}

func newRecordingSpeaker() *recordingSpeaker {
	return &recordingSpeaker{q: speech.NewQueue(tts.NewMock())}
}

func (s *recordingSpeaker) Say(text string, opts ...speech.SayOption) *speech.Handle {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return s.q.Say(text, opts...)
}

func (s *recordingSpeaker) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func (s *recordingSpeaker) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func weatherServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Boston", r.URL.Path)
		assert.Equal(t, "format=%C+%t", r.URL.RawQuery)
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func userHistory(text string) *chat.Context {
	return chat.NewContext(
		chat.NewMessage(chat.RoleSystem, "You are a voice assistant."),
		chat.NewMessage(chat.RoleUser, text),
	)
}

func first(n int) int { return 0 }

func TestInvokeWeather(t *testing.T) {
	srv := weatherServer(t, http.StatusOK, "Sunny +18°C\n")
	speaker := newRecordingSpeaker()
	speaker.run(t)

	inv := tools.NewInvoker(
		tools.MustRegistry(tools.Weather(srv.URL, srv.Client())),
		speaker,
		tools.WithPicker(first),
	)

	history := userHistory("what's the weather in Boston?")
	before := history.Len()
	call := chat.CallRef{ID: "call_1", Name: "get_weather", Arguments: map[string]any{"location": "Boston"}}

	out := inv.Invoke(context.Background(), call, history)
	require.NoError(t, out.Err)
	assert.Equal(t, tools.CallSucceeded, out.State)

	require.NotNil(t, out.Filler)
	assert.Equal(t, speech.StateDone, out.Filler.State(), "filler is awaited by default")
	assert.Equal(t, []string{"Let me check the weather in Boston for you."}, speaker.Texts())

	history.Append(out.Messages()...)
	msgs := history.Messages()
	require.Equal(t, before+2, len(msgs))
	assert.Equal(t, chat.RoleAssistant, msgs[before].Role)
	assert.Equal(t, "Let me check the weather in Boston for you.", msgs[before].Text)
	assert.Equal(t, chat.RoleTool, msgs[before+1].Role)
	assert.Equal(t, "The weather in Boston is Sunny +18°C.", msgs[before+1].Text)
	assert.Equal(t, "call_1", msgs[before+1].Call.ID)
}

func TestInvokeWeatherUpstreamFailure(t *testing.T) {
	srv := weatherServer(t, http.StatusServiceUnavailable, "busy")
	speaker := newRecordingSpeaker()

	inv := tools.NewInvoker(
		tools.MustRegistry(tools.Weather(srv.URL, srv.Client())),
		speaker,
		tools.WithAwaitFiller(false),
	)

	history := userHistory("what's the weather in Boston?")
	call := chat.CallRef{ID: "call_2", Name: "get_weather", Arguments: map[string]any{"location": "Boston"}}
	out := inv.Invoke(context.Background(), call, history)

	require.Error(t, out.Err)
	assert.True(t, tools.IsExecutionError(out.Err))
	var execErr *tools.ToolExecutionError
	require.ErrorAs(t, out.Err, &execErr)
	assert.Equal(t, http.StatusServiceUnavailable, execErr.Status)

	assert.Equal(t, tools.CallFailed, out.State)
	assert.Equal(t, chat.RoleTool, out.Result.Role)
	assert.Contains(t, out.Result.Text, "503")
	assert.Len(t, out.Messages(), 2)
	assert.Len(t, speaker.Texts(), 1)
}

func TestInvokeTime(t *testing.T) {
	clock := func() time.Time { return time.Date(2026, 10, 18, 14, 30, 5, 0, time.UTC) }
	speaker := newRecordingSpeaker()
	inv := tools.NewInvoker(tools.MustRegistry(tools.Time(clock)), speaker, tools.WithAwaitFiller(false))

	out := inv.Invoke(context.Background(), chat.CallRef{ID: "c", Name: "get_time"}, userHistory("what time is it?"))
	require.NoError(t, out.Err)
	assert.Equal(t, "14:30:05", out.Result.Text)
	assert.NotNil(t, out.FillerMessage)
}

func TestInvokeUnknownTool(t *testing.T) {
	speaker := newRecordingSpeaker()
	inv := tools.NewInvoker(tools.MustRegistry(tools.Time(nil)), speaker)

	history := userHistory("book me a flight")
	out := inv.Invoke(context.Background(), chat.CallRef{ID: "c", Name: "book_flight"}, history)

	assert.True(t, tools.IsUnknownTool(out.Err))
	assert.Contains(t, out.Result.Text, "unavailable")
	assert.Nil(t, out.Filler)
	assert.Len(t, out.Messages(), 1)
	assert.Empty(t, speaker.Texts())
}

func TestInvokeBadArgument(t *testing.T) {
	speaker := newRecordingSpeaker()
	inv := tools.NewInvoker(tools.MustRegistry(tools.Weather("http://127.0.0.1:1", nil)), speaker)

	for name, args := range map[string]map[string]any{
		"missing":     {},
		"not text":    {"location": 42},
		"punctuation": {"location": "?!?"},
	} {
		t.Run(name, func(t *testing.T) {
			out := inv.Invoke(context.Background(), chat.CallRef{Name: "get_weather", Arguments: args}, userHistory("weather?"))
			assert.True(t, tools.IsArgumentError(out.Err), "got %v", out.Err)
			assert.Len(t, out.Messages(), 1)
		})
	}
	assert.Empty(t, speaker.Texts())
}

func TestInvokeSanitizesLocation(t *testing.T) {
	srv := weatherServer(t, http.StatusOK, "Cloudy +5°C")
	inv := tools.NewInvoker(tools.MustRegistry(tools.Weather(srv.URL, srv.Client())), nil)

	out := inv.Invoke(context.Background(),
		chat.CallRef{Name: "get_weather", Arguments: map[string]any{"location": "  Boston!! "}},
		userHistory("weather?"))
	require.NoError(t, out.Err)
	assert.Equal(t, "Boston", out.Call.Arguments["location"])
	assert.Nil(t, out.FillerMessage, "no speaker, no filler")
}

func TestInvokeSkipsFillerAfterAssistant(t *testing.T) {
	speaker := newRecordingSpeaker()
	inv := tools.NewInvoker(tools.MustRegistry(tools.Time(nil)), speaker)

	history := userHistory("time?")
	history.Append(chat.NewMessage(chat.RoleAssistant, "Sure."))

	out := inv.Invoke(context.Background(), chat.CallRef{Name: "get_time"}, history)
	require.NoError(t, out.Err)
	assert.Nil(t, out.Filler)
	assert.Len(t, out.Messages(), 1)
	assert.Empty(t, speaker.Texts())
}

func TestInvokeTimeout(t *testing.T) {
	slow := tools.Tool{
		Name: "slow",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	inv := tools.NewInvoker(tools.MustRegistry(slow), nil, tools.WithTimeout(20*time.Millisecond))

	start := time.Now()
	out := inv.Invoke(context.Background(), chat.CallRef{Name: "slow"}, userHistory("go"))
	assert.Less(t, time.Since(start), time.Second)

	var execErr *tools.ToolExecutionError
	require.ErrorAs(t, out.Err, &execErr)
	assert.True(t, execErr.Timeout())
	assert.Contains(t, out.Result.Text, "timed out")
}

func TestInvokeRecoversPanic(t *testing.T) {
	bad := tools.Tool{
		Name: "bad",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			panic("boom")
		},
	}
	inv := tools.NewInvoker(tools.MustRegistry(bad), nil)
	out := inv.Invoke(context.Background(), chat.CallRef{Name: "bad"}, userHistory("go"))
	assert.True(t, tools.IsExecutionError(out.Err))
	assert.Contains(t, out.Result.Text, "boom")
}

func TestFillerQueuedBeforeExecution(t *testing.T) {
	speaker := newRecordingSpeaker()
	var fillersAtStart int
	probe := tools.Tool{
		Name:    "probe",
		Fillers: []string{"Working on it."},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			fillersAtStart = len(speaker.Texts())
			return "ok", nil
		},
	}
	inv := tools.NewInvoker(tools.MustRegistry(probe), speaker, tools.WithAwaitFiller(false))
	out := inv.Invoke(context.Background(), chat.CallRef{Name: "probe"}, userHistory("go"))
	require.NoError(t, out.Err)
	assert.Equal(t, 1, fillersAtStart)
}

func TestInvokeReportsToolSample(t *testing.T) {
	var got []metrics.Sample
	obs := metrics.ObserverFunc(func(s metrics.Sample) { got = append(got, s) })
	inv := tools.NewInvoker(tools.MustRegistry(tools.Time(nil)), nil, tools.WithObserver(obs))

	inv.Invoke(context.Background(), chat.CallRef{Name: "get_time"}, userHistory("time?"))
	require.Len(t, got, 1)
	assert.Equal(t, metrics.StageTool, got[0].Stage)
	assert.Equal(t, "get_time", got[0].Label)
}

func TestFillerExclusivity(t *testing.T) {
	roles := []chat.Role{chat.RoleSystem, chat.RoleUser, chat.RoleAssistant, chat.RoleTool}

	rapid.Check(t, func(t *rapid.T) {
		speaker := newRecordingSpeaker()
		inv := tools.NewInvoker(tools.MustRegistry(tools.Time(nil)), speaker, tools.WithAwaitFiller(false))

		history := chat.NewContext()
		n := rapid.IntRange(0, 5).Draw(t, "n")
		for i := 0; i < n; i++ {
			role := roles[rapid.IntRange(0, len(roles)-1).Draw(t, "role")]
			history.Append(chat.NewMessage(role, "x"))
		}
		lastIsAssistant := chat.LastRole(history) == chat.RoleAssistant

		out := inv.Invoke(context.Background(), chat.CallRef{Name: "get_time"}, history)
		spoke := len(speaker.Texts()) == 1
		if spoke == lastIsAssistant {
			t.Fatalf("filler spoken=%v with last assistant=%v", spoke, lastIsAssistant)
		}
		if (out.FillerMessage != nil) != spoke {
			t.Fatalf("filler message present=%v, spoken=%v", out.FillerMessage != nil, spoke)
		}
	})
}

func TestSoftFailure(t *testing.T) {
	failing := tools.Tool{
		Name:     "flaky",
		Required: []string{"q"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("upstream down")
		},
	}
	reg := tools.MustRegistry(failing)

	rapid.Check(t, func(t *rapid.T) {
		inv := tools.NewInvoker(reg, nil)
		history := userHistory("hi")
		before := history.Len()

		var call chat.CallRef
		switch rapid.IntRange(0, 2).Draw(t, "kind") {
		case 0:
			call = chat.CallRef{Name: rapid.StringMatching(`[a-z_]{1,12}`).Filter(func(s string) bool { return s != "flaky" }).Draw(t, "name")}
		case 1:
			call = chat.CallRef{Name: "flaky"}
		case 2:
			call = chat.CallRef{Name: "flaky", Arguments: map[string]any{"q": rapid.String().Draw(t, "q")}}
		}

		out := inv.Invoke(context.Background(), call, history)
		if out.Err == nil {
			t.Fatalf("expected a failure for %+v", call)
		}
		history.Append(out.Messages()...)
		if history.Len() != before+1 {
			t.Fatalf("history grew by %d, want 1", history.Len()-before)
		}
		if last, _ := history.Last(); last.Role != chat.RoleTool || last.Text == "" {
			t.Fatalf("last message %+v is not a tool result", last)
		}
	})
}

func TestReject(t *testing.T) {
	inv := tools.NewInvoker(tools.MustRegistry(tools.Time(nil)), nil)
	bad := &tools.ToolArgumentError{Tool: "get_time", Argument: "arguments", Reason: "malformed JSON"}

	out := inv.Reject(chat.CallRef{ID: "c", Name: "get_time"}, bad)
	assert.True(t, tools.IsArgumentError(out.Err))
	assert.Contains(t, out.Result.Text, "malformed JSON")
	assert.Len(t, out.Messages(), 1)

	out = inv.Reject(chat.CallRef{ID: "c", Name: "nope"}, bad)
	assert.True(t, tools.IsUnknownTool(out.Err))
}
