// Package plugin defines the tool backends a reasoning loop can dispatch to
// and the registry that resolves action names to them.
package plugin

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/nidhogg/cot-agent/internal/trace"
)

// Kind tags the plugin variant.
type Kind string

const (
	KindTool      Kind = "tool"
	KindLink      Kind = "link"
	KindMCP       Kind = "mcp"
	KindWorkflow  Kind = "workflow"
	KindKnowledge Kind = "knowledge"
)

var (
	// ErrRunTool is returned when a tool backend fails or times out.
	ErrRunTool = errors.New("run tool failed")
	// ErrToolSchema is returned when tool schemas cannot be fetched.
	ErrToolSchema = errors.New("get tool schema failed")
)

// Result is the outcome of one plugin call. Code 0 means success.
type Result struct {
	Code      int              `json:"code"`
	SessionID string           `json:"sid"`
	StartTime int64            `json:"start_time"`
	EndTime   int64            `json:"end_time"`
	Result    map[string]any   `json:"result"`
	Log       []map[string]any `json:"log"`
}

// Plugin is any invocable tool backend.
type Plugin interface {
	Name() string
	Description() string
	// Schema is the text describing the tool inside the system prompt.
	Schema() string
	Kind() Kind
	Invoke(ctx context.Context, input map[string]any, span *trace.Span) (*Result, error)
}

// StreamingPlugin is implemented by sub-workflow plugins whose output is a
// sequence of frames. Stopping iteration aborts the underlying call.
type StreamingPlugin interface {
	Plugin
	InvokeStream(ctx context.Context, input map[string]any, span *trace.Span) iter.Seq2[*Result, error]
}

// Base carries the descriptive fields shared by all variants.
type Base struct {
	PluginName        string
	PluginDescription string
	PluginSchema      string
	PluginKind        Kind
}

func (b Base) Name() string        { return b.PluginName }
func (b Base) Description() string { return b.PluginDescription }
func (b Base) Schema() string      { return b.PluginSchema }
func (b Base) Kind() Kind          { return b.PluginKind }

func nowMillis() int64 { return time.Now().UnixMilli() }
