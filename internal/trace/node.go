package trace

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Usage holds token counts for one model read.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add sums o into u.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// NodeData is the payload section of a node record.
type NodeData struct {
	Input  map[string]any `json:"input"`
	Output map[string]any `json:"output"`
	Config map[string]any `json:"config"`
	Usage  Usage          `json:"usage"`
}

// Node is one telemetry record, written once per model-stream read.
type Node struct {
	ID            string   `json:"id"`
	SID           string   `json:"sid"`
	NodeID        string   `json:"node_id"`
	NodeName      string   `json:"node_name"`
	NodeType      string   `json:"node_type"`
	StartTime     int64    `json:"start_time"`
	EndTime       int64    `json:"end_time"`
	Duration      int64    `json:"duration"`
	RunningStatus bool     `json:"running_status"`
	LLMOutput     string   `json:"llm_output"`
	Data          NodeData `json:"data"`
}

// NewNode fills timing fields from start and end.
func NewNode(sid, name, typ string, start, end time.Time) Node {
	return Node{
		SID:           sid,
		NodeID:        sid,
		NodeName:      name,
		NodeType:      typ,
		StartTime:     start.UnixMilli(),
		EndTime:       end.UnixMilli(),
		Duration:      end.UnixMilli() - start.UnixMilli(),
		RunningStatus: true,
		Data: NodeData{
			Input:  map[string]any{},
			Output: map[string]any{},
			Config: map[string]any{},
		},
	}
}

// NodeTrace collects the node records of one run.
type NodeTrace struct {
	SID       string
	StartedAt time.Time

	mu    sync.Mutex
	nodes []Node
}

// NewNodeTrace creates an empty trace for the given session.
func NewNodeTrace(sid string) *NodeTrace {
	return &NodeTrace{SID: sid, StartedAt: time.Now()}
}

// Append records a node.
func (t *NodeTrace) Append(n Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = append(t.nodes, n)
}

// Nodes returns a copy of the recorded nodes.
func (t *NodeTrace) Nodes() []Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Node, len(t.nodes))
	copy(out, t.nodes)
	return out
}

// Usage sums usage over all nodes.
func (t *NodeTrace) Usage() Usage {
	var u Usage
	for _, n := range t.Nodes() {
		u.Add(n.Data.Usage)
	}
	return u
}

// Sink receives finished node traces. Implementations must be safe for
// concurrent use across runs.
type Sink interface {
	Save(ctx context.Context, t *NodeTrace) error
}

// LogSink writes node traces to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that only logs.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Save logs a summary line per node.
func (s *LogSink) Save(_ context.Context, t *NodeTrace) error {
	for _, n := range t.Nodes() {
		s.logger.Info("node trace",
			zap.String("sid", t.SID),
			zap.String("node", n.NodeName),
			zap.Int64("duration_ms", n.Duration),
			zap.Int("total_tokens", n.Data.Usage.TotalTokens))
	}
	return nil
}
