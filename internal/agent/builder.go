// Package agent turns a chat request into a ready-to-run reasoning loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/cot-agent/internal/cot"
	"github.com/nidhogg/cot-agent/internal/plugin"
	"github.com/nidhogg/cot-agent/internal/process"
	"github.com/nidhogg/cot-agent/internal/prompt"
	"github.com/nidhogg/cot-agent/internal/provider"
	"github.com/nidhogg/cot-agent/internal/rag"
	"github.com/nidhogg/cot-agent/internal/trace"
)

// ErrEmptyQuestion is returned for a request without a question.
var ErrEmptyQuestion = errors.New("question is required")

// Request is one chat turn.
type Request struct {
	SessionID string             `json:"session_id,omitempty"`
	Question  string             `json:"question"`
	Instruct  string             `json:"instruct,omitempty"`
	History   []provider.Message `json:"history,omitempty"`
	Model     string             `json:"model,omitempty"`
	MaxLoop   int                `json:"max_loop,omitempty"`
	Plugins   PluginSelection    `json:"plugins"`
	Knowledge KnowledgeSelection `json:"knowledge"`
}

// PluginSelection names the remote plugins a run may use. Builtins are
// always available.
type PluginSelection struct {
	AppID     string           `json:"app_id,omitempty"`
	UID       string           `json:"uid,omitempty"`
	Tools     []plugin.ToolRef `json:"tools,omitempty"`
	Workflows []string         `json:"workflows,omitempty"`
	// MCPServers selects configured servers by name.
	MCPServers []string `json:"mcp_servers,omitempty"`
}

// KnowledgeSelection enables the knowledge plugin over RepoIDs.
type KnowledgeSelection struct {
	RepoIDs        []string `json:"repo_ids,omitempty"`
	TopK           int      `json:"top_k,omitempty"`
	ScoreThreshold float32  `json:"score_threshold,omitempty"`
	// Prefetch retrieves for the question up front and renders the
	// chunks into the system prompt.
	Prefetch bool `json:"prefetch,omitempty"`
}

// ModelFactory returns a streaming model handle by name.
type ModelFactory func(name string) cot.Model

// HistoryStore loads stored chat turns of a session.
type HistoryStore interface {
	History(ctx context.Context, sessionID string, limit int) ([]provider.Message, error)
}

// Config wires a Builder. Optional collaborators may be nil.
type Config struct {
	Models       ModelFactory
	DefaultModel string
	MaxLoop      int
	Budget       prompt.Budget

	Links     *plugin.LinkFactory
	Workflows *plugin.WorkflowFactory
	MCP       []plugin.MCPServer
	Retriever plugin.Retriever
	TopK      int
	History   HistoryStore

	Logger *zap.Logger
}

// Builder assembles runs. It is safe for concurrent use.
type Builder struct {
	cfg    Config
	logger *zap.Logger
}

// NewBuilder validates cfg.
func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.Models == nil {
		return nil, errors.New("model factory is required")
	}
	if cfg.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	return &Builder{cfg: cfg, logger: cfg.Logger}, nil
}

// Run is a built loop and the snapshot it runs against.
type Run struct {
	SessionID string
	Model     string
	Runner    *cot.Runner
	Registry  *plugin.Registry
	Question  string
}

// Plugins lists the plugin names that every run gets and the configured MCP servers.
func (b *Builder) Plugins() []map[string]string {
	var out []map[string]string
	for _, p := range plugin.Builtins() {
		out = append(out, map[string]string{"name": p.Name(), "kind": string(p.Kind()), "description": p.Description()})
	}
	for _, p := range plugin.MCPPlugins(b.cfg.MCP, b.logger) {
		out = append(out, map[string]string{"name": p.Name(), "kind": string(p.Kind()), "description": p.Description()})
	}
	if b.cfg.Retriever != nil {
		out = append(out, map[string]string{"name": "knowledge", "kind": string(plugin.KindKnowledge), "description": "knowledge plugin"})
	}
	return out
}

// Build resolves the request's plugins into a registry snapshot and wires a
// runner over it.
func (b *Builder) Build(ctx context.Context, req Request, span *trace.Span) (*Run, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, ErrEmptyQuestion
	}
	sid := req.SessionID
	if sid == "" {
		sid = uuid.NewString()
	}
	sp := span.Start("BuildAgent")
	defer sp.End()

	registry, err := b.registry(ctx, req, sp)
	if err != nil {
		sp.RecordError(err)
		return nil, err
	}

	history := req.History
	if len(history) == 0 && req.SessionID != "" && b.cfg.History != nil {
		stored, err := b.cfg.History.History(ctx, req.SessionID, 0)
		if err != nil {
			b.logger.Warn("chat history unavailable", zap.String("session", req.SessionID), zap.Error(err))
		}
		history = stored
	}

	in := prompt.Input{
		Question:  req.Question,
		Instruct:  req.Instruct,
		Knowledge: b.prefetch(ctx, req),
		History:   history,
		Budget:    b.cfg.Budget,
	}

	name := req.Model
	if name == "" {
		name = b.cfg.DefaultModel
	}
	model := b.cfg.Models(name)
	proc, err := process.NewRunner(model, prompt.NewProcessPrompt(in), b.logger)
	if err != nil {
		return nil, err
	}
	maxLoop := req.MaxLoop
	if maxLoop <= 0 {
		maxLoop = b.cfg.MaxLoop
	}
	runner, err := cot.NewRunner(cot.RunnerConfig{
		Model:   model,
		Plugins: registry,
		Prompt:  prompt.NewCotPrompt(in, registry.Plugins(), name),
		Process: proc,
		MaxLoop: maxLoop,
		Logger:  b.logger.With(zap.String("sid", sid)),
	})
	if err != nil {
		return nil, err
	}

	b.logger.Info("agent built",
		zap.String("sid", sid),
		zap.String("model", name),
		zap.Strings("plugins", registry.Names()))
	return &Run{SessionID: sid, Model: name, Runner: runner, Registry: registry, Question: req.Question}, nil
}

func (b *Builder) registry(ctx context.Context, req Request, span *trace.Span) (*plugin.Registry, error) {
	plugins := plugin.Builtins()
	sel := req.Plugins

	if len(sel.Tools) > 0 {
		if b.cfg.Links == nil {
			return nil, fmt.Errorf("%w: link tools are not configured", plugin.ErrToolSchema)
		}
		links, err := b.cfg.Links.Build(ctx, sel.AppID, sel.UID, sel.Tools, span)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, links...)
	}
	if len(sel.Workflows) > 0 {
		if b.cfg.Workflows == nil {
			return nil, fmt.Errorf("%w: workflows are not configured", plugin.ErrToolSchema)
		}
		flows, err := b.cfg.Workflows.Build(ctx, sel.AppID, sel.UID, sel.Workflows, span)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, flows...)
	}
	if len(sel.MCPServers) > 0 {
		var servers []plugin.MCPServer
		for _, s := range b.cfg.MCP {
			if s != nil && slices.Contains(sel.MCPServers, s.Name()) {
				servers = append(servers, s)
			}
		}
		plugins = append(plugins, plugin.MCPPlugins(servers, b.logger)...)
	}
	if k := req.Knowledge; len(k.RepoIDs) > 0 && b.cfg.Retriever != nil {
		plugins = append(plugins, plugin.NewKnowledge(b.cfg.Retriever, b.topK(k), k.RepoIDs, k.ScoreThreshold))
	}
	return plugin.NewRegistry(plugins...), nil
}

// prefetch renders knowledge for the system prompt. Failures degrade to none.
func (b *Builder) prefetch(ctx context.Context, req Request) string {
	k := req.Knowledge
	if !k.Prefetch || len(k.RepoIDs) == 0 || b.cfg.Retriever == nil {
		return ""
	}
	chunks, err := b.cfg.Retriever.Retrieve(ctx, rag.Query{
		Text:           req.Question,
		TopK:           b.topK(k),
		RepoIDs:        k.RepoIDs,
		ScoreThreshold: k.ScoreThreshold,
	})
	if err != nil {
		b.logger.Warn("knowledge prefetch failed", zap.Error(err))
		return ""
	}
	return rag.FormatContext(chunks)
}

func (b *Builder) topK(k KnowledgeSelection) int {
	if k.TopK > 0 {
		return k.TopK
	}
	return b.cfg.TopK
}
