package turn

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teslashibe/go-voiceturn/pkg/chat"
	"github.com/teslashibe/go-voiceturn/pkg/inference"
	"github.com/teslashibe/go-voiceturn/pkg/metrics"
	"github.com/teslashibe/go-voiceturn/pkg/speech"
	"github.com/teslashibe/go-voiceturn/pkg/tools"
)

// Loop messages posted by helper goroutines.
type (
	detectorResult struct {
		gen        uint64
		confidence float64
		err        error
	}
	endpointElapsed struct {
		gen uint64
	}
	llmResult struct {
		turn      uint64
		resp      *inference.ChatResponse
		err       error
		latency   time.Duration
		withTools bool
	}
	toolResult struct {
		turn    uint64
		outcome tools.Outcome
		rest    []inference.ToolCall
	}
	speechFinished struct {
		turn   uint64
		handle *speech.Handle
	}
	interruptRequest struct{}
)

// Controller drives one conversation.
type Controller struct {
	cfg         Config
	llm         inference.Provider
	speaker     Speaker
	invoker     *tools.Invoker
	detector    TurnDetector
	observer    metrics.Observer
	participant Participant
	listeners   []func(StateChange)
	logger      *zap.Logger

	history  *chat.Context
	toolDefs []inference.Tool

	state   atomic.Int32
	turns   atomic.Uint64
	running atomic.Bool
	events  chan any

	// Owned by the Run goroutine.
	ctx           context.Context
	turnGen       uint64
	turnCtx       context.Context
	turnCancel    context.CancelCauseFunc
	rounds        int
	utterance     []string
	pending       []string
	endpointGen   uint64
	endpointTimer *time.Timer
}

// New creates a controller. The chat history is seeded with the system
// prompt.
func New(cfg Config, llm inference.Provider, speaker Speaker, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if llm == nil {
		return nil, ErrNoProvider
	}
	if speaker == nil {
		return nil, ErrNoSpeaker
	}

	c := &Controller{
		cfg:     cfg,
		llm:     llm,
		speaker: speaker,
		logger:  zap.NewNop(),
		events:  make(chan any, 16),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.invoker == nil {
		c.invoker = tools.NewInvoker(nil, nil, tools.WithLogger(c.logger))
	}
	c.logger = c.logger.With(zap.String("component", "turn"))

	for _, t := range c.invoker.Registry().List() {
		c.toolDefs = append(c.toolDefs, inference.NewTool(t.Name, t.Description, t.Schema()))
	}

	var seed []chat.Message
	if cfg.SystemPrompt != "" {
		seed = append(seed, chat.NewMessage(chat.RoleSystem, cfg.SystemPrompt))
	}
	c.history = chat.NewContext(seed...)
	return c, nil
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// History returns read access to the conversation.
func (c *Controller) History() chat.View {
	return c.history
}

// Snapshot returns a point-in-time view for dashboards.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		State:       c.State(),
		Turns:       c.turns.Load(),
		Messages:    c.history.Len(),
		Participant: c.participant,
	}
}

// Interrupt requests a barge-in as if user speech had started.
func (c *Controller) Interrupt() {
	select {
	case c.events <- interruptRequest{}:
	default:
	}
}

// Run queues the greeting, enters listening and processes recognizer events
// until ctx is done or the recognizer channel closes.
func (c *Controller) Run(ctx context.Context, rec Recognizer) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ctx = ctx

	c.start()
	defer c.stop()

	transcripts := rec.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-transcripts:
			if !ok {
				c.logger.Info("recognizer closed")
				return nil
			}
			c.onTranscript(ev)
		case msg := <-c.events:
			c.dispatch(msg)
		}
	}
}

func (c *Controller) start() {
	c.logger.Info("conversation started",
		zap.String("participant", c.participant.Identity),
		zap.String("kind", string(c.participant.Kind)),
		zap.Int("tools", len(c.toolDefs)),
	)
	if c.cfg.Greeting != "" {
		c.speaker.Say(c.cfg.Greeting, speech.WithAddToContext())
		c.history.Append(chat.NewMessage(chat.RoleAssistant, c.cfg.Greeting))
	}
	c.setState(StateListening)
}

func (c *Controller) stop() {
	c.cancelEndpoint()
	c.endTurn(context.Canceled)
	c.setState(StateIdle)
	c.logger.Info("conversation ended", zap.Uint64("turns", c.turns.Load()))
}

// post delivers msg to the loop unless the conversation has ended.
func (c *Controller) post(msg any) {
	select {
	case c.events <- msg:
	case <-c.ctx.Done():
	}
}

func (c *Controller) dispatch(msg any) {
	switch m := msg.(type) {
	case detectorResult:
		c.onDetector(m)
	case endpointElapsed:
		c.onEndpoint(m)
	case llmResult:
		c.onCompletion(m)
	case toolResult:
		c.onTool(m)
	case speechFinished:
		c.onSpeechFinished(m)
	case interruptRequest:
		if c.speaking() {
			c.bargeIn()
		}
	}
}

func (c *Controller) setState(to State) {
	c.transition(to, nil)
}

func (c *Controller) transition(to State, cause error) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.logger.Debug("state", zap.Stringer("from", from), zap.Stringer("to", to))
	change := StateChange{From: from, To: to, Turn: c.turnGen, At: time.Now(), Cause: cause}
	for _, fn := range c.listeners {
		fn(change)
	}
}

func (c *Controller) turnActive() bool {
	return c.turnCancel != nil
}

// speaking reports whether the assistant is audible or about to be.
func (c *Controller) speaking() bool {
	return c.State() == StateSpeaking || c.speaker.Playing()
}

func (c *Controller) onTranscript(ev TranscriptEvent) {
	switch ev.Kind {
	case SpeechStarted:
		c.cancelEndpoint()
		if c.speaking() {
			c.bargeIn()
		}
	case InterimTranscript:
		c.cancelEndpoint()
	case SpeechEnded:
		if len(c.utterance) > 0 && !c.turnActive() {
			c.scheduleEndpoint()
		}
	case FinalTranscript:
		text := strings.TrimSpace(ev.Text)
		if c.observer != nil {
			c.observer.Observe(metrics.Sample{
				Stage:         metrics.StageSTT,
				Latency:       ev.Latency,
				Amount:        int64(len(text)),
				AudioDuration: ev.AudioDuration,
				At:            time.Now(),
			})
		}
		if text == "" {
			return
		}
		if c.speaking() {
			c.bargeIn()
		}
		if c.turnActive() {
			c.pending = append(c.pending, text)
			c.logger.Debug("utterance deferred until turn resolves", zap.String("text", text))
			return
		}
		c.utterance = append(c.utterance, text)
		c.scheduleEndpoint()
	}
}

// bargeIn stops all speech, abandons the active turn and returns to
// listening. The interrupted assistant message stays in the history.
func (c *Controller) bargeIn() {
	interrupted := c.speaker.InterruptAll()
	cancelled := c.turnActive()
	c.endTurn(ErrTurnInterrupted)
	c.utterance = append(c.utterance, c.pending...)
	c.pending = nil
	c.transition(StateListening, ErrTurnInterrupted)
	c.logger.Debug("barge-in",
		zap.Int("handles_interrupted", interrupted),
		zap.Bool("turn_cancelled", cancelled),
	)
	// A deferred utterance would otherwise wait for the next speech event.
	// Further speech cancels this endpoint.
	if len(c.utterance) > 0 {
		c.scheduleEndpoint()
	}
}

func (c *Controller) cancelEndpoint() {
	c.endpointGen++
	if c.endpointTimer != nil {
		c.endpointTimer.Stop()
		c.endpointTimer = nil
	}
}

// scheduleEndpoint asks the turn detector about the buffered utterance and
// arms the endpoint timer with the resulting delay.
func (c *Controller) scheduleEndpoint() {
	c.cancelEndpoint()
	gen := c.endpointGen

	if c.detector == nil {
		c.armEndpoint(gen, 1)
		return
	}

	ctx := c.ctx
	history := c.history.Messages()
	text := strings.Join(c.utterance, " ")
	go func() {
		conf, err := c.detector.PredictEndOfTurn(ctx, history, text)
		c.post(detectorResult{gen: gen, confidence: conf, err: err})
	}()
}

func (c *Controller) onDetector(r detectorResult) {
	if r.gen != c.endpointGen {
		return
	}
	conf := r.confidence
	if r.err != nil {
		c.logger.Warn("turn detection failed, using max delay", zap.Error(r.err))
		conf = 0
	}
	c.armEndpoint(r.gen, conf)
}

func (c *Controller) armEndpoint(gen uint64, confidence float64) {
	delay := c.cfg.Endpointing.Decide(confidence)
	c.logger.Debug("endpointing",
		zap.Float64("confidence", confidence),
		zap.Duration("delay", delay),
	)
	c.endpointTimer = time.AfterFunc(delay, func() {
		c.post(endpointElapsed{gen: gen})
	})
}

func (c *Controller) onEndpoint(e endpointElapsed) {
	if e.gen != c.endpointGen || c.turnActive() || len(c.utterance) == 0 {
		return
	}
	c.endpointTimer = nil
	text := strings.Join(c.utterance, " ")
	c.utterance = nil
	c.startTurn(text)
}

func (c *Controller) startTurn(text string) {
	c.history.Append(chat.NewMessage(chat.RoleUser, text))
	c.turnGen++
	c.turnCtx, c.turnCancel = context.WithCancelCause(c.ctx)
	c.rounds = 0
	c.setState(StateThinking)
	c.turns.Add(1)
	c.logger.Info("user turn", zap.Uint64("turn", c.turnGen), zap.String("text", text))
	c.complete(c.cfg.MaxToolRounds > 0)
}

// endTurn releases the active turn, cancelling its helpers with cause.
func (c *Controller) endTurn(cause error) {
	if c.turnCancel == nil {
		return
	}
	c.turnCancel(cause)
	c.turnCancel = nil
	c.turnCtx = nil
}

// finishTurn resolves the turn and picks up any deferred utterance.
func (c *Controller) finishTurn() {
	c.resolveTurn(nil)
}

// abandonTurn ends the turn without a reply. Transient failures are
// expected to clear by the next turn; fatal ones will repeat until the
// configuration is fixed.
func (c *Controller) abandonTurn(stage string, err error) {
	failure := inference.Classify(err)
	cause := &EngineError{Stage: stage, Turn: c.turnGen, Failure: failure, Err: err}
	fields := []zap.Field{
		zap.Uint64("turn", c.turnGen),
		zap.String("stage", stage),
		zap.Stringer("failure", failure),
		zap.Error(err),
	}
	switch failure {
	case inference.FailureCanceled:
		c.logger.Debug("turn cancelled", fields...)
	case inference.FailureTransient:
		c.logger.Warn("engine unavailable, abandoning turn", fields...)
	default:
		c.logger.Error("engine failed, abandoning turn", fields...)
	}
	c.resolveTurn(cause)
}

func (c *Controller) resolveTurn(cause error) {
	c.endTurn(cause)
	c.transition(StateListening, cause)
	if len(c.pending) > 0 {
		c.utterance = append(c.utterance, c.pending...)
		c.pending = nil
		c.scheduleEndpoint()
	}
}

func (c *Controller) stale(turn uint64) bool {
	return turn != c.turnGen || !c.turnActive()
}

// complete requests the next model response for the active turn.
func (c *Controller) complete(withTools bool) {
	req := &inference.ChatRequest{
		Messages:    inference.FromChat(c.history.Messages()),
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
	}
	if withTools && len(c.toolDefs) > 0 {
		req.Tools = c.toolDefs
		req.ToolChoice = "auto"
	}

	gen, ctx := c.turnGen, c.turnCtx
	go func() {
		start := time.Now()
		resp, err := c.llm.Chat(ctx, req)
		c.post(llmResult{turn: gen, resp: resp, err: err, latency: time.Since(start), withTools: req.Tools != nil})
	}()
}

func (c *Controller) onCompletion(r llmResult) {
	if c.stale(r.turn) {
		return
	}
	if r.err != nil {
		c.abandonTurn(string(metrics.StageLLM), r.err)
		return
	}
	if r.resp == nil {
		c.abandonTurn(string(metrics.StageLLM), errNoResponse)
		return
	}

	if c.observer != nil {
		c.observer.Observe(metrics.Sample{
			Stage:            metrics.StageLLM,
			Latency:          r.latency,
			Amount:           int64(r.resp.Usage.TotalTokens),
			PromptTokens:     r.resp.Usage.PromptTokens,
			CompletionTokens: r.resp.Usage.CompletionTokens,
			Label:            r.resp.Model,
			At:               time.Now(),
		})
	}

	if r.resp.HasToolCalls() {
		if r.withTools {
			c.rounds++
			c.runTool(r.resp.Message.ToolCalls)
			return
		}
		c.logger.Warn("tool calls requested without tools offered, ignoring",
			zap.Int("calls", len(r.resp.Message.ToolCalls)))
	}

	text := strings.TrimSpace(r.resp.Message.Content)
	if text == "" {
		c.logger.Debug("empty completion", zap.Uint64("turn", r.turn))
		c.finishTurn()
		return
	}

	c.history.Append(chat.NewMessage(chat.RoleAssistant, text))
	h := c.speaker.Say(text)
	c.setState(StateSpeaking)

	gen, ctx := c.turnGen, c.turnCtx
	go func() {
		select {
		case <-h.Done():
			c.post(speechFinished{turn: gen, handle: h})
		case <-ctx.Done():
		}
	}()
}

// runTool dispatches the first call; the rest follow once its outcome has
// been appended, so each invocation sees the history as it then stands.
func (c *Controller) runTool(calls []inference.ToolCall) {
	call, rest := calls[0], calls[1:]
	if call.ID == "" {
		call.ID = "call_" + uuid.NewString()
	}

	gen, ctx := c.turnGen, c.turnCtx
	go func() {
		var out tools.Outcome
		args, err := call.ParseArguments()
		ref := chat.CallRef{ID: call.ID, Name: call.Name, Arguments: args}
		if err != nil {
			out = c.invoker.Reject(ref, &tools.ToolArgumentError{
				Tool:     call.Name,
				Argument: "arguments",
				Reason:   "malformed JSON",
			})
		} else {
			out = c.invoker.Invoke(ctx, ref, c.history)
		}
		c.post(toolResult{turn: gen, outcome: out, rest: rest})
	}()
}

func (c *Controller) onTool(r toolResult) {
	if c.stale(r.turn) {
		c.logger.Debug("dropping outcome of interrupted turn", zap.String("tool", r.outcome.Call.Name))
		return
	}
	c.history.Append(r.outcome.Messages()...)

	if len(r.rest) > 0 {
		c.runTool(r.rest)
		return
	}
	c.complete(c.rounds < c.cfg.MaxToolRounds)
}

func (c *Controller) onSpeechFinished(r speechFinished) {
	if c.stale(r.turn) {
		return
	}
	if err := r.handle.Err(); err != nil {
		c.logger.Warn("speech failed", zap.String("handle", r.handle.ID), zap.Error(err))
	}
	c.finishTurn()
}
