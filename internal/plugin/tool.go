package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/cot-agent/internal/trace"
)

// ToolHandler executes a tool call and returns its structured output.
type ToolHandler func(ctx context.Context, input map[string]any) (map[string]any, error)

// Tool is a generic in-process plugin backed by a handler function.
type Tool struct {
	Base
	handler ToolHandler
}

// NewTool creates a generic tool. parameters is a JSON schema object
// describing the expected action input.
func NewTool(name, description string, parameters map[string]any, handler ToolHandler) *Tool {
	return &Tool{
		Base: Base{
			PluginName:        name,
			PluginDescription: description,
			PluginSchema:      SchemaTemplate(name, description, parameters),
			PluginKind:        KindTool,
		},
		handler: handler,
	}
}

// Invoke runs the handler once.
func (t *Tool) Invoke(ctx context.Context, input map[string]any, span *trace.Span) (*Result, error) {
	start := nowMillis()
	out, err := t.handler(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRunTool, t.PluginName, err)
	}
	span.AddInfoJSON("tool-plugin-run-outputs", out)
	return &Result{
		Code:      0,
		SessionID: span.SID(),
		StartTime: start,
		EndTime:   nowMillis(),
		Result:    out,
		Log: []map[string]any{{
			"name":   t.PluginName,
			"input":  input,
			"output": out,
		}},
	}, nil
}

// SchemaTemplate renders the one-line tool description used in prompts.
func SchemaTemplate(name, description string, parameters any) string {
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	b, err := json.Marshal(parameters)
	if err != nil {
		b = []byte("{}")
	}
	return fmt.Sprintf("tool_name:%s, tool_description:%s, tool_parameters:%s", name, description, b)
}
