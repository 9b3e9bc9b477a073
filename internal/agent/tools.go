package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felixgeelhaar/murmur/internal/clock"
	"github.com/felixgeelhaar/murmur/internal/provider"
	"github.com/felixgeelhaar/murmur/internal/runtime"
)

// RegisterBuiltins adds the current_time and echo tools to tools.
func RegisterBuiltins(tools *runtime.ToolRegistry, clk clock.Clock) error {
	if clk == nil {
		clk = clock.Real()
	}

	err := tools.Register(runtime.ToolDefinition{
		Name:        "current_time",
		DisplayName: "Clock",
		Description: "Return the current time, optionally in an IANA time zone",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"timezone": map[string]interface{}{
					"type":        "string",
					"description": "IANA zone name such as Europe/Berlin; defaults to UTC",
				},
			},
		},
	}, func(ctx context.Context, room string, call provider.ToolCall) (string, error) {
		var args struct {
			Timezone string `json:"timezone"`
		}
		if err := decodeArgs(call.Args, &args); err != nil {
			return "", err
		}
		loc := time.UTC
		if args.Timezone != "" {
			l, err := time.LoadLocation(args.Timezone)
			if err != nil {
				return "", fmt.Errorf("unknown timezone %q", args.Timezone)
			}
			loc = l
		}
		return clk.Now().In(loc).Format(time.RFC1123), nil
	})
	if err != nil {
		return err
	}

	return tools.Register(runtime.ToolDefinition{
		Name:        "echo",
		DisplayName: "Echo",
		Description: "Repeat the given text back",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{
					"type":        "string",
					"description": "Text to repeat",
				},
			},
			"required": []string{"text"},
		},
	}, func(ctx context.Context, room string, call provider.ToolCall) (string, error) {
		var args struct {
			Text string `json:"text"`
		}
		if err := decodeArgs(call.Args, &args); err != nil {
			return "", err
		}
		if args.Text == "" {
			return "", fmt.Errorf("echo: text is required")
		}
		return args.Text, nil
	})
}

func decodeArgs(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	return nil
}
