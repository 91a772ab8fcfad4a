package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teslashibe/go-voiceturn/internal/httpc"
)

// DefaultWeatherURL is the public wttr.in service.
const DefaultWeatherURL = "https://wttr.in"

// maxWeatherBody caps how much of the weather response is read.
const maxWeatherBody = 4 << 10

// BuiltinConfig holds dependencies for the built-in tools.
type BuiltinConfig struct {
	WeatherURL string
	HTTPClient *http.Client
	Clock      func() time.Time
}

// Builtins returns every built-in tool.
func Builtins(cfg BuiltinConfig) []Tool {
	return []Tool{
		Weather(cfg.WeatherURL, cfg.HTTPClient),
		Time(cfg.Clock),
	}
}

// Weather returns the get_weather tool backed by a wttr.in compatible
// service at baseURL. A nil client uses the shared httpc client.
func Weather(baseURL string, client *http.Client) Tool {
	if baseURL == "" {
		baseURL = DefaultWeatherURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	const name = "get_weather"

	return Tool{
		Name:        name,
		Description: "Called when the user asks about the weather. Returns the current weather for the given location.",
		Parameters: map[string]any{
			"location": map[string]any{
				"type":        "string",
				"description": "The location to get the weather for",
			},
		},
		Required: []string{"location"},
		Fillers: []string{
			"Let me check the weather in {location} for you.",
			"Let me see what the weather is like in {location} right now.",
			// Completed by the model's answer.
			"The current weather in {location} is ",
		},
		Validate: SanitizeArgs(name, "location"),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			location, _ := args["location"].(string)
			u := fmt.Sprintf("%s/%s?format=%s", baseURL, url.PathEscape(location), "%C+%t")

			resp, err := httpc.GetContext(ctx, client, u)
			if err != nil {
				return "", &ToolExecutionError{Tool: name, Detail: "weather service unreachable", Cause: err}
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return "", &ToolExecutionError{
					Tool:   name,
					Status: resp.StatusCode,
					Detail: fmt.Sprintf("failed to get weather data, status code: %d", resp.StatusCode),
				}
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxWeatherBody))
			if err != nil {
				return "", &ToolExecutionError{Tool: name, Detail: "reading weather response", Cause: err}
			}
			return fmt.Sprintf("The weather in %s is %s.", location, strings.TrimSpace(string(body))), nil
		},
	}
}

// Time returns the get_time tool. A nil clock uses time.Now.
func Time(clock func() time.Time) Tool {
	if clock == nil {
		clock = time.Now
	}
	return Tool{
		Name:        "get_time",
		Description: "Called when the user asks what time it is. Returns the current local time.",
		Parameters:  map[string]any{},
		Fillers: []string{
			"Let me check the time.",
			"One moment, checking the clock.",
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return clock().Format("15:04:05"), nil
		},
	}
}
