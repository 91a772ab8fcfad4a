package tools

import (
	"context"
	"errors"
	"fmt"
)

// Registration errors.
var (
	ErrDuplicateTool = errors.New("tools: duplicate tool name")
	ErrInvalidTool   = errors.New("tools: tool needs a name and a handler")
)

// UnknownToolError is returned when the model requests an unregistered tool.
type UnknownToolError struct {
	Name string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tools: unknown tool %q", e.Name)
}

// ResultText is the message the model receives instead of a result.
func (e *UnknownToolError) ResultText() string {
	return fmt.Sprintf("The tool %q is unavailable. Answer without it.", e.Name)
}

// ToolArgumentError is returned when arguments fail validation.
type ToolArgumentError struct {
	Tool     string
	Argument string
	Reason   string
}

// Error implements the error interface.
func (e *ToolArgumentError) Error() string {
	return fmt.Sprintf("tools: %s: invalid argument %q: %s", e.Tool, e.Argument, e.Reason)
}

// ResultText is the message the model receives instead of a result.
func (e *ToolArgumentError) ResultText() string {
	return fmt.Sprintf("The %s tool could not use the %s argument: %s.", e.Tool, e.Argument, e.Reason)
}

// ToolExecutionError is returned when the tool body fails. Status is the
// upstream HTTP status when there was one.
type ToolExecutionError struct {
	Tool   string
	Status int
	Detail string
	Cause  error
}

// Error implements the error interface.
func (e *ToolExecutionError) Error() string {
	msg := fmt.Sprintf("tools: %s failed", e.Tool)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ToolExecutionError) Unwrap() error {
	return e.Cause
}

// ResultText is the message the model receives instead of a result.
func (e *ToolExecutionError) ResultText() string {
	detail := e.Detail
	if detail == "" && e.Cause != nil {
		detail = e.Cause.Error()
	}
	if detail == "" {
		detail = "unknown error"
	}
	return fmt.Sprintf("The %s tool failed: %s. Explain the problem to the user.", e.Tool, detail)
}

// Timeout reports whether the tool exceeded its deadline.
func (e *ToolExecutionError) Timeout() bool {
	return errors.Is(e.Cause, context.DeadlineExceeded)
}

// resultTexter is implemented by every soft-failure error.
type resultTexter interface {
	ResultText() string
}

// ResultText renders err for the model. Errors outside the taxonomy get a
// generic explanation.
func ResultText(err error) string {
	var rt resultTexter
	if errors.As(err, &rt) {
		return rt.ResultText()
	}
	return fmt.Sprintf("The tool failed: %v.", err)
}

// IsUnknownTool reports whether err is an UnknownToolError.
func IsUnknownTool(err error) bool {
	var e *UnknownToolError
	return errors.As(err, &e)
}

// IsArgumentError reports whether err is a ToolArgumentError.
func IsArgumentError(err error) bool {
	var e *ToolArgumentError
	return errors.As(err, &e)
}

// IsExecutionError reports whether err is a ToolExecutionError.
func IsExecutionError(err error) bool {
	var e *ToolExecutionError
	return errors.As(err, &e)
}
