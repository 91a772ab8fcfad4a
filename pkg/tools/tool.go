// Package tools holds the capabilities the language model may call during a
// conversation and the Invoker that dispatches its requests.
//
// Tools are registered once at startup and are read-only afterwards:
//
//	reg, err := tools.NewRegistry(tools.Weather(cfg.WeatherURL, nil), tools.Time(nil))
//	inv := tools.NewInvoker(reg, queue, tools.WithTimeout(10*time.Second))
//
//	out := inv.Invoke(ctx, call, history)
//	history.Append(out.Messages()...)
//
// A failing tool never fails the conversation: unknown names, bad arguments
// and execution errors all come back as a tool message the model can read.
package tools

import (
	"context"
	"strings"
)

// Tool is a callable capability exposed to the model.
type Tool struct {
	// Name is the unique identifier the model uses, e.g. "get_weather".
	Name string `json:"name"`

	// Description tells the model when to use the tool.
	Description string `json:"description"`

	// Parameters maps argument names to their JSON schema.
	Parameters map[string]any `json:"parameters"`

	// Required lists arguments that must be present.
	Required []string `json:"required,omitempty"`

	// Fillers are spoken while the tool runs. "{arg}" placeholders are
	// replaced with validated argument values. Empty means no filler.
	Fillers []string `json:"-"`

	// Validate normalizes arguments before execution. Optional.
	Validate func(args map[string]any) (map[string]any, error) `json:"-"`

	// Handler runs the tool. It must honor ctx cancellation.
	Handler func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Schema returns the JSON schema object for the tool's arguments.
func (t Tool) Schema() map[string]any {
	props := t.Parameters
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(t.Required) > 0 {
		schema["required"] = t.Required
	}
	return schema
}

// renderFiller substitutes "{name}" placeholders with argument values.
func renderFiller(template string, args map[string]any) string {
	if len(args) == 0 || !strings.Contains(template, "{") {
		return template
	}
	pairs := make([]string, 0, len(args)*2)
	for k, v := range args {
		s, ok := v.(string)
		if !ok {
			continue
		}
		pairs = append(pairs, "{"+k+"}", s)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
