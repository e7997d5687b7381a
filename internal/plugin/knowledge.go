package plugin

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/cot-agent/internal/rag"
	"github.com/nidhogg/cot-agent/internal/trace"
)

// Retriever finds knowledge chunks for a query.
type Retriever interface {
	Retrieve(ctx context.Context, q rag.Query) ([]rag.Chunk, error)
}

// Knowledge searches the configured repositories for the model's query.
type Knowledge struct {
	Base
	retriever      Retriever
	topK           int
	repoIDs        []string
	scoreThreshold float32
}

// NewKnowledge creates the knowledge plugin.
func NewKnowledge(retriever Retriever, topK int, repoIDs []string, scoreThreshold float32) *Knowledge {
	const name, desc = "knowledge", "knowledge plugin"
	return &Knowledge{
		Base: Base{
			PluginName:        name,
			PluginDescription: desc,
			PluginSchema: SchemaTemplate(name, desc, map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "question to search the knowledge base for"},
				},
				"required": []string{"query"},
			}),
			PluginKind: KindKnowledge,
		},
		retriever:      retriever,
		topK:           topK,
		repoIDs:        repoIDs,
		scoreThreshold: scoreThreshold,
	}
}

// Invoke retrieves chunks for input["query"].
func (k *Knowledge) Invoke(ctx context.Context, input map[string]any, span *trace.Span) (*Result, error) {
	sp := span.Start("KnowledgeRun")
	defer sp.End()

	query, _ := input["query"].(string)
	start := nowMillis()
	if strings.TrimSpace(query) == "" {
		return &Result{
			Code:      400,
			SessionID: span.SID(),
			StartTime: start,
			EndTime:   nowMillis(),
			Result:    map[string]any{"code": 400, "message": "query is required"},
		}, nil
	}
	sp.AddInfoEvents(map[string]string{"knowledge-plugin-run-inputs": query})

	chunks, err := k.retriever.Retrieve(ctx, rag.Query{
		Text:           query,
		TopK:           k.topK,
		RepoIDs:        k.repoIDs,
		ScoreThreshold: k.scoreThreshold,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: knowledge: %w", ErrRunTool, err)
	}

	content := make([]string, len(chunks))
	for i, c := range chunks {
		content[i] = c.Content
	}
	out := map[string]any{"code": 0, "content": content}
	sp.AddInfoJSON("knowledge-plugin-run-outputs", out)

	return &Result{
		Code:      0,
		SessionID: span.SID(),
		StartTime: start,
		EndTime:   nowMillis(),
		Result:    out,
		Log: []map[string]any{{
			"name":   k.PluginName,
			"input":  input,
			"output": out,
		}},
	}, nil
}
