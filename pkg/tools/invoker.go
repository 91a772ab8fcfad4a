package tools

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/teslashibe/go-voiceturn/pkg/chat"
	"github.com/teslashibe/go-voiceturn/pkg/metrics"
	"github.com/teslashibe/go-voiceturn/pkg/speech"
)

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 10 * time.Second

// CallState is the lifecycle phase of a tool call.
type CallState string

const (
	CallRequested  CallState = "requested"
	CallValidating CallState = "validating"
	CallFillerSent CallState = "filler_sent"
	CallExecuting  CallState = "executing"
	CallSucceeded  CallState = "succeeded"
	CallFailed     CallState = "failed"
)

// Speaker queues filler utterances.
type Speaker interface {
	Say(text string, opts ...speech.SayOption) *speech.Handle
}

// Config configures an Invoker.
type Config struct {
	// Timeout bounds each tool execution.
	Timeout time.Duration

	// AwaitFiller makes Invoke wait for the filler to finish speaking.
	AwaitFiller bool

	// Pick chooses a filler index in [0, n).
	Pick func(n int) int

	Observer metrics.Observer
	Logger   *zap.Logger
}

// DefaultConfig returns the default invoker configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:     DefaultTimeout,
		AwaitFiller: true,
		Pick:        rand.Intn,
		Logger:      zap.NewNop(),
	}
}

// Option configures an Invoker.
type Option func(*Config)

// WithTimeout sets the per-call execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

// WithAwaitFiller sets whether Invoke waits for the filler to finish.
func WithAwaitFiller(wait bool) Option {
	return func(c *Config) { c.AwaitFiller = wait }
}

// WithPicker overrides the filler choice, for deterministic tests.
func WithPicker(pick func(n int) int) Option {
	return func(c *Config) {
		if pick != nil {
			c.Pick = pick
		}
	}
}

// WithObserver reports tool latency samples.
func WithObserver(o metrics.Observer) Option {
	return func(c *Config) { c.Observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// Outcome is the result of one invocation. The Invoker never touches the
// chat history; the caller appends Messages in order.
type Outcome struct {
	Call  chat.CallRef
	State CallState

	// Filler is the spoken filler, if one was produced.
	Filler        *speech.Handle
	FillerMessage *chat.Message

	// Result is the tool message: the real result or a failure explanation.
	Result chat.Message

	// Err is the soft failure behind Result, if any.
	Err error
}

// Messages returns the messages to append: the filler first, then the result.
func (o Outcome) Messages() []chat.Message {
	if o.FillerMessage != nil {
		return []chat.Message{*o.FillerMessage, o.Result}
	}
	return []chat.Message{o.Result}
}

// Invoker validates and dispatches model tool calls.
type Invoker struct {
	registry *Registry
	speaker  Speaker
	cfg      Config
	logger   *zap.Logger
}

// NewInvoker creates an invoker over registry. speaker may be nil, in which
// case no fillers are spoken.
func NewInvoker(registry *Registry, speaker Speaker, opts ...Option) *Invoker {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Invoker{
		registry: registry,
		speaker:  speaker,
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("component", "tools")),
	}
}

// Registry returns the registry the invoker dispatches to.
func (inv *Invoker) Registry() *Registry {
	return inv.registry
}

// Invoke runs call against history and always returns an Outcome with a
// tool message. history is read, never written.
func (inv *Invoker) Invoke(ctx context.Context, call chat.CallRef, history chat.View) Outcome {
	out := Outcome{Call: call, State: CallRequested}
	log := inv.logger.With(zap.String("tool", call.Name), zap.String("call_id", call.ID))

	tool, ok := inv.registry.Get(call.Name)
	if !ok {
		return inv.fail(out, log, &UnknownToolError{Name: call.Name})
	}

	out.State = CallValidating
	args, err := inv.validate(tool, call.Arguments)
	if err != nil {
		return inv.fail(out, log, err)
	}
	out.Call.Arguments = args

	// The filler is queued before the tool body starts.
	if chat.LastRole(history) != chat.RoleAssistant {
		if text, ok := inv.filler(tool, args); ok {
			out.Filler = inv.speaker.Say(text, speech.WithAddToContext())
			msg := chat.NewMessage(chat.RoleAssistant, text)
			out.FillerMessage = &msg
			out.State = CallFillerSent
			log.Debug("filler queued", zap.String("text", text))
		}
	}

	out.State = CallExecuting
	start := time.Now()
	result, err := inv.execute(ctx, tool, args)
	latency := time.Since(start)

	if inv.cfg.Observer != nil {
		inv.cfg.Observer.Observe(metrics.Sample{
			Stage:   metrics.StageTool,
			Latency: latency,
			Label:   tool.Name,
			At:      time.Now(),
		})
	}

	if inv.cfg.AwaitFiller && out.Filler != nil {
		_ = out.Filler.Wait(ctx)
	}

	if err != nil {
		return inv.fail(out, log, err)
	}

	out.State = CallSucceeded
	out.Result = chat.NewToolMessage(out.Call, result)
	log.Info("tool succeeded", zap.Duration("latency", latency))
	return out
}

// Reject returns a failed Outcome for a call that could not be decoded.
// Unregistered names still report UnknownToolError.
func (inv *Invoker) Reject(call chat.CallRef, err error) Outcome {
	out := Outcome{Call: call, State: CallRequested}
	log := inv.logger.With(zap.String("tool", call.Name), zap.String("call_id", call.ID))
	if _, ok := inv.registry.Get(call.Name); !ok {
		return inv.fail(out, log, &UnknownToolError{Name: call.Name})
	}
	return inv.fail(out, log, err)
}

func (inv *Invoker) validate(tool Tool, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	for _, name := range tool.Required {
		if _, ok := args[name]; !ok {
			return nil, &ToolArgumentError{Tool: tool.Name, Argument: name, Reason: "missing"}
		}
	}
	if tool.Validate == nil {
		return args, nil
	}
	clean, err := tool.Validate(args)
	if err != nil {
		var argErr *ToolArgumentError
		if errors.As(err, &argErr) {
			return nil, err
		}
		return nil, &ToolArgumentError{Tool: tool.Name, Argument: "arguments", Reason: err.Error()}
	}
	return clean, nil
}

func (inv *Invoker) filler(tool Tool, args map[string]any) (string, bool) {
	if inv.speaker == nil || len(tool.Fillers) == 0 {
		return "", false
	}
	i := inv.cfg.Pick(len(tool.Fillers))
	if i < 0 || i >= len(tool.Fillers) {
		i = 0
	}
	return renderFiller(tool.Fillers[i], args), true
}

type execResult struct {
	text string
	err  error
}

// execute runs the handler with a bounded timeout. A handler that ignores
// its context is abandoned when the deadline passes.
func (inv *Invoker) execute(ctx context.Context, tool Tool, args map[string]any) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		text, err := tool.Handler(execCtx, args)
		done <- execResult{text: text, err: err}
	}()

	var res execResult
	select {
	case res = <-done:
	case <-execCtx.Done():
		res.err = execCtx.Err()
	}
	if res.err == nil {
		return res.text, nil
	}

	var execErr *ToolExecutionError
	if errors.As(res.err, &execErr) {
		return "", res.err
	}
	detail := ""
	if errors.Is(res.err, context.DeadlineExceeded) {
		detail = fmt.Sprintf("timed out after %s", inv.cfg.Timeout)
	}
	return "", &ToolExecutionError{Tool: tool.Name, Detail: detail, Cause: res.err}
}

func (inv *Invoker) fail(out Outcome, log *zap.Logger, err error) Outcome {
	out.State = CallFailed
	out.Err = err
	out.Result = chat.NewToolMessage(out.Call, ResultText(err))
	if errors.Is(err, context.Canceled) {
		log.Debug("tool cancelled")
	} else {
		log.Warn("tool failed", zap.Error(err))
	}
	return out
}
