package web

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/teslashibe/go-voiceturn/pkg/hub"
	"github.com/teslashibe/go-voiceturn/pkg/metrics"
	"github.com/teslashibe/go-voiceturn/pkg/turn"
)

// StatusResponse is the body of /api/status.
type StatusResponse struct {
	State       turn.State       `json:"state"`
	Turns       uint64           `json:"turns"`
	Messages    int              `json:"messages"`
	Participant turn.Participant `json:"participant"`
	Watchers    int              `json:"watchers"`
}

// ConversationEntry is a message in /api/conversation.
type ConversationEntry struct {
	Time    string `json:"time"`
	Role    string `json:"role"`
	Message string `json:"message"`
	Tool    string `json:"tool,omitempty"`
}

// StageUsage is one stage of /api/usage.
type StageUsage struct {
	Count          int     `json:"count"`
	AverageLatency float64 `json:"avg_latency_ms"`
	TotalAmount    int64   `json:"total_amount"`
}

// UsageResponse is the body of /api/usage.
type UsageResponse struct {
	Stages              map[metrics.Stage]StageUsage `json:"stages"`
	LLMPromptTokens     int                          `json:"llm_prompt_tokens"`
	LLMCompletionTokens int                          `json:"llm_completion_tokens"`
	TTSCharacters       int                          `json:"tts_characters"`
	STTAudioSeconds     float64                      `json:"stt_audio_seconds"`
	Dropped             int                          `json:"dropped"`
	Final               bool                         `json:"final"`
}

// ToolInfo describes a registered tool.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// stateEvent is pushed over /ws/status.
type stateEvent struct {
	Type string     `json:"type"`
	From turn.State `json:"from"`
	To   turn.State `json:"to"`
	Turn uint64     `json:"turn"`
	At   time.Time  `json:"at"`

	// Reason is "interrupted", or the engine failure class of an
	// abandoned turn.
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newStateEvent(sc turn.StateChange) stateEvent {
	ev := stateEvent{Type: "state", From: sc.From, To: sc.To, Turn: sc.Turn, At: sc.At}
	var engineErr *turn.EngineError
	switch {
	case sc.Cause == nil:
	case turn.IsInterrupted(sc.Cause):
		ev.Reason = "interrupted"
	case errors.As(sc.Cause, &engineErr):
		ev.Reason = engineErr.Failure.String()
		ev.Error = engineErr.Err.Error()
	default:
		ev.Error = sc.Cause.Error()
	}
	return ev
}

func (s *Server) status() StatusResponse {
	snap := s.session.Snapshot()
	return StatusResponse{
		State:       snap.State,
		Turns:       snap.Turns,
		Messages:    snap.Messages,
		Participant: snap.Participant,
		Watchers:    s.statusHub.ClientCount(),
	}
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.status())
}

func (s *Server) handleConversation(c *fiber.Ctx) error {
	msgs := s.session.History().Messages()
	if len(msgs) > maxConversation {
		msgs = msgs[len(msgs)-maxConversation:]
	}
	out := make([]ConversationEntry, 0, len(msgs))
	for _, m := range msgs {
		e := ConversationEntry{
			Time:    m.Timestamp.Format("15:04:05"),
			Role:    string(m.Role),
			Message: m.Text,
		}
		if m.Call != nil {
			e.Tool = m.Call.Name
		}
		out = append(out, e)
	}
	return c.JSON(out)
}

func (s *Server) handleUsage(c *fiber.Ctx) error {
	if s.usage == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "usage collection disabled"})
	}
	sum := s.usage.Summarize()
	resp := UsageResponse{
		Stages:              make(map[metrics.Stage]StageUsage, len(sum.Stages)),
		LLMPromptTokens:     sum.LLMPromptTokens,
		LLMCompletionTokens: sum.LLMCompletionTokens,
		TTSCharacters:       sum.TTSCharacters,
		STTAudioSeconds:     sum.STTAudioDuration.Seconds(),
		Dropped:             sum.Dropped,
		Final:               sum.Final,
	}
	for stage, t := range sum.Stages {
		resp.Stages[stage] = StageUsage{
			Count:          t.Count,
			AverageLatency: float64(t.AverageLatency()) / float64(time.Millisecond),
			TotalAmount:    t.TotalAmount,
		}
	}
	return c.JSON(resp)
}

func (s *Server) handleListTools(c *fiber.Ctx) error {
	list := s.tools.List()
	out := make([]ToolInfo, 0, len(list))
	for _, t := range list {
		out = append(out, ToolInfo{Name: t.Name, Description: t.Description, Parameters: t.Schema()})
	}
	return c.JSON(out)
}

func (s *Server) handleInterrupt(c *fiber.Ctx) error {
	s.session.Interrupt()
	s.logger.Info("interrupt requested from dashboard", zap.String("ip", c.IP()))
	return c.SendStatus(fiber.StatusAccepted)
}

// handleStatusWS sends the current status, then every state transition.
func (s *Server) handleStatusWS(conn *websocket.Conn) {
	data, err := json.Marshal(s.status())
	if err != nil {
		s.logger.Warn("encode status", zap.Error(err))
		return
	}
	hub.NewClient(s.statusHub, conn).Serve(s.ctx, hub.NewJSONMessage(data))
}
