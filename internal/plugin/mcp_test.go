package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/nidhogg/cot-agent/internal/mcp"
	"go.uber.org/zap"
)

type fakeMCP struct {
	tools []mcp.ToolInfo
	res   *mcp.CallResult
	err   error
	args  map[string]any
}

func (f *fakeMCP) Name() string              { return "fake" }
func (f *fakeMCP) ListTools() []mcp.ToolInfo { return f.tools }
func (f *fakeMCP) CallTool(_ context.Context, _ string, args map[string]any) (*mcp.CallResult, error) {
	f.args = args
	return f.res, f.err
}

func TestMCPPluginsAndInvoke(t *testing.T) {
	server := &fakeMCP{
		tools: []mcp.ToolInfo{{Name: "search", Description: "web", InputSchema: map[string]any{"type": "object"}}},
		res:   &mcp.CallResult{Content: []mcp.Content{{Type: "text", Text: "result"}}},
	}
	plugins := MCPPlugins([]MCPServer{server, nil}, zap.NewNop())
	if len(plugins) != 1 || plugins[0].Kind() != KindMCP {
		t.Fatalf("plugins = %v", plugins)
	}

	res, err := plugins[0].Invoke(context.Background(), map[string]any{"q": "go"}, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Code != 0 || res.Result["content"] != "result" || server.args["q"] != "go" {
		t.Errorf("result = %+v args = %v", res, server.args)
	}

	server.res = &mcp.CallResult{IsError: true, Content: []mcp.Content{{Type: "text", Text: "bad"}}}
	res, err = plugins[0].Invoke(context.Background(), nil, nil)
	if err != nil || res.Code != -1 {
		t.Errorf("isError result = %+v, %v", res, err)
	}

	server.err = errors.New("down")
	if _, err := plugins[0].Invoke(context.Background(), nil, nil); !errors.Is(err, ErrRunTool) {
		t.Errorf("expected ErrRunTool, got %v", err)
	}
}
