package tools

import (
	"fmt"
	"regexp"
	"strings"
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Sanitize replaces every run of characters outside [a-zA-Z0-9] with a
// single space and trims the result.
func Sanitize(s string) string {
	return strings.TrimSpace(nonAlnum.ReplaceAllString(s, " "))
}

// SanitizeArgs returns a validator that requires each named argument to be
// a string that is non-empty after Sanitize, and replaces it with the
// sanitized value.
func SanitizeArgs(tool string, names ...string) func(map[string]any) (map[string]any, error) {
	return func(args map[string]any) (map[string]any, error) {
		out := make(map[string]any, len(args))
		for k, v := range args {
			out[k] = v
		}
		for _, name := range names {
			raw, ok := args[name]
			if !ok {
				return nil, &ToolArgumentError{Tool: tool, Argument: name, Reason: "missing"}
			}
			s, ok := raw.(string)
			if !ok {
				return nil, &ToolArgumentError{Tool: tool, Argument: name, Reason: fmt.Sprintf("expected text, got %T", raw)}
			}
			clean := Sanitize(s)
			if clean == "" {
				return nil, &ToolArgumentError{Tool: tool, Argument: name, Reason: "empty after removing unsupported characters"}
			}
			out[name] = clean
		}
		return out, nil
	}
}
