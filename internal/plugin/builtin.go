package plugin

import (
	"context"
	"time"
)

// Builtins returns the in-process tools every run may use.
func Builtins() []Plugin {
	return []Plugin{
		NewTool("get_current_time", "Get the current date and time",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA timezone name, defaults to UTC",
					},
				},
			},
			func(ctx context.Context, input map[string]any) (map[string]any, error) {
				loc := time.UTC
				if tz, ok := input["timezone"].(string); ok && tz != "" {
					l, err := time.LoadLocation(tz)
					if err != nil {
						return map[string]any{"code": 400, "message": "unknown timezone " + tz}, nil
					}
					loc = l
				}
				return map[string]any{"code": 0, "time": time.Now().In(loc).Format(time.RFC3339)}, nil
			}),
	}
}
