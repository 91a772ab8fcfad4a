package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teslashibe/go-voiceturn/internal/httpc"
)

// maxErrorBody caps how much of a failed response is read for the message.
const maxErrorBody = 64 << 10

// Client talks to one OpenAI-compatible chat completions endpoint:
// OpenAI itself, or a local Ollama, vLLM or llama.cpp server.
type Client struct {
	name    string
	baseURL string
	cfg     *Config
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a client from options.
func NewClient(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	name := cfg.EndpointName()
	return &Client{
		name:    name,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		cfg:     cfg,
		http:    httpc.NewClient(cfg.Timeout),
		logger:  cfg.Logger.With(zap.String("component", "inference"), zap.String("endpoint", name)),
	}, nil
}

// Name identifies the endpoint in logs and chain errors.
func (c *Client) Name() string { return c.name }

// Chat sends one completion request. Rate limits and server errors are
// retried up to the configured budget before the error is returned.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	body, err := json.Marshal(c.wireRequest(req))
	if err != nil {
		return nil, fmt.Errorf("inference: encode request: %w", err)
	}

	resp, err := c.send(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w from %s: %v", ErrMalformedResponse, c.name, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w from %s", ErrNoChoices, c.name)
	}

	choice := out.Choices[0]
	latency := time.Since(start)
	c.logger.Debug("completion",
		zap.String("model", out.Model),
		zap.String("finish_reason", choice.FinishReason),
		zap.Int("tool_calls", len(choice.Message.ToolCalls)),
		zap.Duration("latency", latency),
	)

	return &ChatResponse{
		Message:      choice.Message.message(),
		FinishReason: choice.FinishReason,
		Usage:        out.Usage,
		Model:        out.Model,
		LatencyMs:    latency.Milliseconds(),
	}, nil
}

// Health lists models, which proves both reachability and the API key.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Close drops idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// send performs a request and returns a 200 response or a typed error.
func (c *Client) send(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.cfg.RetryDelay * time.Duration(1<<(attempt-1))
			var apiErr *APIError
			if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > wait {
				wait = min(apiErr.RetryAfter, c.cfg.MaxRetryWait)
			}
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("inference: build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.http.Do(req)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &TransportError{Endpoint: c.name, Err: err}
		case resp.StatusCode == http.StatusOK:
			return resp, nil
		default:
			apiErr := c.apiError(resp)
			resp.Body.Close()
			if !apiErr.Retryable() {
				return nil, apiErr
			}
			lastErr = apiErr
		}
		c.logger.Warn("request failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", c.cfg.MaxRetries),
			zap.Error(lastErr),
		)
	}
	return nil, lastErr
}

func (c *Client) apiError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	e := &APIError{
		Endpoint:   c.name,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(raw)),
		RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
	}
	var body wireError
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		e.Message = body.Error.Message
		e.Type = body.Error.Type
		e.Code = body.Error.Code.String()
	}
	return e
}

// retryAfter parses the delta-seconds form of Retry-After. HTTP dates
// are ignored.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (c *Client) wireRequest(req *ChatRequest) *wireRequest {
	w := &wireRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		ToolChoice:  req.ToolChoice,
		Messages:    make([]wireMessage, len(req.Messages)),
	}
	if w.Model == "" {
		w.Model = c.cfg.Model
	}
	if w.MaxTokens == 0 {
		w.MaxTokens = c.cfg.MaxTokens
	}
	if w.Temperature == 0 {
		w.Temperature = c.cfg.Temperature
	}
	for i, m := range req.Messages {
		w.Messages[i] = toWireMessage(m)
	}
	for _, t := range req.Tools {
		w.Tools = append(w.Tools, wireTool{Type: t.Type, Function: wireFunction{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		}})
	}
	return w
}

// Wire types for the chat completions API.

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

func toWireMessage(m Message) wireMessage {
	w := wireMessage{Role: string(m.Role), Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		call := wireToolCall{ID: tc.ID, Type: "function"}
		call.Function.Name = tc.Name
		call.Function.Arguments = tc.Arguments
		w.ToolCalls = append(w.ToolCalls, call)
	}
	return w
}

func (w wireMessage) message() Message {
	m := Message{Role: RoleAssistant, Content: w.Content}
	for _, tc := range w.ToolCalls {
		m.ToolCalls = append(m.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return m
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type wireError struct {
	Error struct {
		Message string   `json:"message"`
		Type    string   `json:"type"`
		Code    wireCode `json:"code"`
	} `json:"error"`
}

// wireCode accepts the error code as a string or a number; servers differ.
type wireCode string

func (c *wireCode) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = wireCode(s)
		return nil
	}
	if string(b) == "null" {
		return nil
	}
	*c = wireCode(b)
	return nil
}

func (c wireCode) String() string { return string(c) }

var _ Provider = (*Client)(nil)
