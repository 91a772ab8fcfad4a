// Package chat holds the ordered conversation history shared between the
// turn controller and the language model.
package chat

import (
	"sync"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry in the conversation.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`

	// Call is set on tool messages and identifies the request they answer.
	Call *CallRef `json:"call,omitempty"`
}

// CallRef identifies the model tool request a tool message responds to.
type CallRef struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(role Role, text string) Message {
	return Message{Role: role, Text: text, Timestamp: time.Now()}
}

// NewToolMessage creates a tool result message for call.
func NewToolMessage(call CallRef, text string) Message {
	m := NewMessage(RoleTool, text)
	m.Call = &call
	return m
}

// View is read-only access to a conversation.
type View interface {
	Len() int
	Last() (Message, bool)
	Messages() []Message
}

// Context is an append-only, ordered conversation history.
// Writes are expected from a single owner; reads are safe from any goroutine.
type Context struct {
	mu       sync.RWMutex
	messages []Message
}

// NewContext creates a context seeded with the given messages.
func NewContext(initial ...Message) *Context {
	c := &Context{messages: make([]Message, 0, len(initial)+16)}
	c.messages = append(c.messages, initial...)
	return c
}

// Append adds messages at the end, preserving their order.
func (c *Context) Append(msgs ...Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now()
		}
		c.messages = append(c.messages, m)
	}
}

// Len returns the number of messages.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Last returns the most recent message, if any.
func (c *Context) Last() (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// LastRole returns the role of the most recent message, or "" when empty.
func LastRole(v View) Role {
	m, ok := v.Last()
	if !ok {
		return ""
	}
	return m.Role
}

// Messages returns a copy of the history.
func (c *Context) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

var _ View = (*Context)(nil)
