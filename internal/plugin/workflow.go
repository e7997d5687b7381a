package plugin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/nidhogg/cot-agent/internal/trace"
	"go.uber.org/zap"
)

// WorkflowConfig locates the sub-workflow runtime.
type WorkflowConfig struct {
	Endpoint  string
	SchemaURL string
	APIKey    string
	AppID     string
	UID       string
}

// Workflow runs a published sub-flow and streams its output frames.
type Workflow struct {
	Base
	flowID string
	cfg    WorkflowConfig
	client *http.Client
	logger *zap.Logger
}

var _ StreamingPlugin = (*Workflow)(nil)

// NewWorkflow creates a workflow plugin for flowID. parameters is the JSON
// schema of the flow's start node outputs.
func NewWorkflow(flowID, name, description string, parameters map[string]any, cfg WorkflowConfig, logger *zap.Logger) *Workflow {
	return &Workflow{
		Base: Base{
			PluginName:        name,
			PluginDescription: description,
			PluginSchema:      SchemaTemplate(name, description, parameters),
			PluginKind:        KindWorkflow,
		},
		flowID: flowID,
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
	}
}

// FlowID returns the id of the underlying flow.
func (w *Workflow) FlowID() string { return w.flowID }

type workflowFrame struct {
	Code    int    `json:"code"`
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (w *Workflow) requestBody(input map[string]any) map[string]any {
	return map[string]any{
		"model":      "",
		"messages":   []any{},
		"stream":     true,
		"flow_id":    w.flowID,
		"uid":        w.cfg.UID,
		"parameters": input,
		"extra_body": map[string]any{
			"bot_id": "workflow",
			"caller": "agent",
		},
	}
}

// InvokeStream opens the flow's SSE stream and yields one Result per frame.
// Stopping the iteration closes the stream.
func (w *Workflow) InvokeStream(ctx context.Context, input map[string]any, span *trace.Span) iter.Seq2[*Result, error] {
	return func(yield func(*Result, error) bool) {
		sp := span.Start("WorkflowRun")
		defer sp.End()

		body := w.requestBody(input)
		sp.AddInfoJSON("workflow-plugin-run-inputs", body)
		raw, err := json.Marshal(body)
		if err != nil {
			yield(nil, fmt.Errorf("marshal workflow request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(w.cfg.Endpoint, "/")+"/chat/completions", bytes.NewReader(raw))
		if err != nil {
			yield(nil, fmt.Errorf("create workflow request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("X-consumer-username", w.cfg.AppID)
		if w.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+w.cfg.APIKey)
		}

		start := nowMillis()
		resp, err := w.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			yield(nil, fmt.Errorf("%w: workflow %s: %w", ErrRunTool, w.flowID, err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			yield(nil, fmt.Errorf("%w: workflow %s: status %d", ErrRunTool, w.flowID, resp.StatusCode))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var rawFrame map[string]any
			var frame workflowFrame
			if err := json.Unmarshal([]byte(data), &rawFrame); err != nil {
				w.logger.Debug("skipping malformed workflow frame", zap.Error(err))
				continue
			}
			_ = json.Unmarshal([]byte(data), &frame)
			sp.AddInfoEvents(map[string]string{"workflow-plugin-run-outputs": data})

			if !yield(w.frameResult(frame, rawFrame, input, start), nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			yield(nil, fmt.Errorf("%w: workflow %s stream: %w", ErrRunTool, w.flowID, err))
		} else if ctx.Err() != nil {
			yield(nil, ctx.Err())
		}
	}
}

func (w *Workflow) frameResult(frame workflowFrame, raw, input map[string]any, start int64) *Result {
	res := &Result{
		Code:      frame.Code,
		SessionID: frame.ID,
		StartTime: start,
		EndTime:   nowMillis(),
	}
	if frame.Code != 0 {
		res.Result = raw
		res.Log = []map[string]any{{"name": w.flowID, "input": input, "output": raw}}
		return res
	}
	var content, reasoning string
	if len(frame.Choices) > 0 {
		content = frame.Choices[0].Delta.Content
		reasoning = frame.Choices[0].Delta.ReasoningContent
	}
	res.Result = map[string]any{"content": content, "reasoning_content": reasoning}
	res.Log = []map[string]any{{"content": content, "reasoning_content": reasoning}}
	return res
}

// Invoke drains the stream and returns the concatenated output, or the
// first failing frame.
func (w *Workflow) Invoke(ctx context.Context, input map[string]any, span *trace.Span) (*Result, error) {
	var (
		content, reasoning strings.Builder
		last               *Result
	)
	for res, err := range w.InvokeStream(ctx, input, span) {
		if err != nil {
			return nil, err
		}
		if res.Code != 0 {
			return res, nil
		}
		last = res
		content.WriteString(stringField(res.Result, "content"))
		reasoning.WriteString(stringField(res.Result, "reasoning_content"))
	}
	if last == nil {
		return &Result{Code: 0, StartTime: nowMillis(), EndTime: nowMillis(), Result: map[string]any{}}, nil
	}
	out := *last
	out.Result = map[string]any{"content": content.String(), "reasoning_content": reasoning.String()}
	return &out, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// WorkflowFactory fetches flow definitions and builds Workflow plugins.
type WorkflowFactory struct {
	cfg    WorkflowConfig
	client *http.Client
	logger *zap.Logger
}

// NewWorkflowFactory creates a factory.
func NewWorkflowFactory(cfg WorkflowConfig, logger *zap.Logger) *WorkflowFactory {
	return &WorkflowFactory{cfg: cfg, client: &http.Client{}, logger: logger}
}

// Build returns one plugin per flow id. Flows whose definition cannot be
// fetched fail the whole build.
func (f *WorkflowFactory) Build(ctx context.Context, appID, uid string, flowIDs []string, span *trace.Span) ([]Plugin, error) {
	sp := span.Start("ParseFlowSchemaList")
	defer sp.End()

	cfg := f.cfg
	if appID != "" {
		cfg.AppID = appID
	}
	if uid != "" {
		cfg.UID = uid
	}
	var plugins []Plugin
	for _, id := range flowIDs {
		doc, err := f.fetchSchema(ctx, id, sp)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, workflowFromSchema(doc, cfg, f.logger))
	}
	return plugins, nil
}

func (f *WorkflowFactory) fetchSchema(ctx context.Context, flowID string, span *trace.Span) (map[string]any, error) {
	raw, _ := json.Marshal(map[string]string{"flow_id": flowID})
	span.AddInfoEvents(map[string]string{"flow-schema-inputs": string(raw)})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.SchemaURL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create flow schema request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: flow %s: %w", ErrToolSchema, flowID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: flow %s: status %d", ErrToolSchema, flowID, resp.StatusCode)
	}
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode flow %s: %w", ErrToolSchema, flowID, err)
	}
	span.AddInfoJSON("flow-schema-outputs", doc)
	return doc, nil
}

// workflowFromSchema reads {data:{data:{id,name,description,data:{nodes}}}}.
// Parameters come from the outputs of the node whose id starts with "node-start::".
func workflowFromSchema(doc map[string]any, cfg WorkflowConfig, logger *zap.Logger) *Workflow {
	flow := dig(doc, "data", "data")
	id, _ := flow["id"].(string)
	name, _ := flow["name"].(string)
	if name == "" {
		name = "unknown"
	}
	desc, _ := flow["description"].(string)
	if desc == "" {
		desc = "unknown workflow"
	}

	props := map[string]any{}
	required := []string{}
	nodes, _ := dig(flow, "data")["nodes"].([]any)
	for _, n := range nodes {
		node, _ := n.(map[string]any)
		nodeID, _ := node["id"].(string)
		if !strings.HasPrefix(nodeID, "node-start::") {
			continue
		}
		outputs, _ := dig(node, "data")["outputs"].([]any)
		for _, o := range outputs {
			out, _ := o.(map[string]any)
			pname, _ := out["name"].(string)
			if pname == "" {
				continue
			}
			schema, _ := out["schema"].(map[string]any)
			prop := map[string]any{"type": schema["type"]}
			if d, ok := schema["description"]; ok {
				prop["description"] = d
			}
			props[pname] = prop
			if truthy(out["required"]) {
				required = append(required, pname)
			}
		}
		break
	}

	return NewWorkflow(id, name, desc, map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}, cfg, logger)
}
