package plugin

import (
	"context"
	"fmt"

	"github.com/nidhogg/cot-agent/internal/mcp"
	"github.com/nidhogg/cot-agent/internal/trace"
	"go.uber.org/zap"
)

// MCPCaller is the part of an MCP client a plugin needs.
type MCPCaller interface {
	Name() string
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error)
}

// MCP is one tool exposed by an MCP server.
type MCP struct {
	Base
	server MCPCaller
	tool   string
}

// NewMCP wraps a discovered MCP tool.
func NewMCP(server MCPCaller, info mcp.ToolInfo) *MCP {
	return &MCP{
		Base: Base{
			PluginName:        info.Name,
			PluginDescription: info.Description,
			PluginSchema:      SchemaTemplate(info.Name, info.Description, info.InputSchema),
			PluginKind:        KindMCP,
		},
		server: server,
		tool:   info.Name,
	}
}

// Invoke runs tools/call. A result flagged isError maps to a non-zero code
// so the model can observe the failure.
func (m *MCP) Invoke(ctx context.Context, input map[string]any, span *trace.Span) (*Result, error) {
	sp := span.Start("MCPRun")
	defer sp.End()
	sp.AddInfoJSON("mcp-plugin-run-inputs", map[string]any{"server": m.server.Name(), "tool": m.tool, "arguments": input})

	start := nowMillis()
	res, err := m.server.CallTool(ctx, m.tool, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrRunTool, m.tool, err)
	}
	code := 0
	if res.IsError {
		code = -1
	}
	out := map[string]any{"content": res.Text(), "isError": res.IsError}
	sp.AddInfoJSON("mcp-plugin-run-outputs", out)

	return &Result{
		Code:      code,
		SessionID: span.SID(),
		StartTime: start,
		EndTime:   nowMillis(),
		Result:    out,
		Log: []map[string]any{{
			"name":   m.tool,
			"input":  input,
			"output": out,
		}},
	}, nil
}

// MCPServer is a connected client whose tools can be listed.
type MCPServer interface {
	MCPCaller
	ListTools() []mcp.ToolInfo
}

// MCPPlugins creates one plugin per tool of every server. A nil server is skipped.
func MCPPlugins(servers []MCPServer, logger *zap.Logger) []Plugin {
	var out []Plugin
	for _, s := range servers {
		if s == nil {
			continue
		}
		tools := s.ListTools()
		for _, info := range tools {
			out = append(out, NewMCP(s, info))
		}
		logger.Debug("mcp plugins built", zap.String("server", s.Name()), zap.Int("count", len(tools)))
	}
	return out
}
