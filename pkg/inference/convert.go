package inference

import (
	"encoding/json"

	"github.com/teslashibe/go-voiceturn/pkg/chat"
)

// FromChat converts conversation history into request messages.
//
// The history stores tool results but not the assistant tool-call requests
// that produced them. Chat completion APIs require each tool message to
// follow the assistant message that requested it, so one is synthesized
// from the result's CallRef, grouping consecutive results with distinct
// call IDs into a single request.
func FromChat(msgs []chat.Message) []Message {
	out := make([]Message, 0, len(msgs)+2)
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role != chat.RoleTool || m.Call == nil {
			out = append(out, Message{Role: Role(m.Role), Content: m.Text})
			continue
		}

		// Gather the run of tool results answering distinct calls.
		j := i
		seen := map[string]bool{}
		var calls []ToolCall
		for j < len(msgs) && msgs[j].Role == chat.RoleTool && msgs[j].Call != nil && !seen[msgs[j].Call.ID] {
			seen[msgs[j].Call.ID] = true
			calls = append(calls, toolCallFrom(*msgs[j].Call))
			j++
		}
		out = append(out, NewToolCallMessage(calls...))
		for k := i; k < j; k++ {
			out = append(out, NewToolMessage(msgs[k].Call.ID, msgs[k].Text))
		}
		i = j - 1
	}
	return out
}

func toolCallFrom(ref chat.CallRef) ToolCall {
	args := "{}"
	if len(ref.Arguments) > 0 {
		if b, err := json.Marshal(ref.Arguments); err == nil {
			args = string(b)
		}
	}
	return ToolCall{ID: ref.ID, Name: ref.Name, Arguments: args}
}
