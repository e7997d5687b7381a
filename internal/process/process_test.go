package process

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nidhogg/cot-agent/internal/cot"
	"github.com/nidhogg/cot-agent/internal/prompt"
	"github.com/nidhogg/cot-agent/internal/provider"
	"github.com/nidhogg/cot-agent/internal/trace"
	"go.uber.org/zap"
)

type chunkModel struct {
	chunks []*provider.StreamChunk
	got    []provider.Message
}

func (m *chunkModel) Name() string { return "summary-model" }

func (m *chunkModel) Stream(ctx context.Context, messages []provider.Message) (<-chan *provider.StreamChunk, error) {
	m.got = messages
	ch := make(chan *provider.StreamChunk)
	go func() {
		defer close(ch)
		for _, c := range m.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func delta(content, reasoning string) *provider.StreamChunk {
	return &provider.StreamChunk{Choices: []provider.Choice{{Delta: provider.Delta{Content: content, ReasoningContent: reasoning}}}}
}

func TestRunStreamsAnswer(t *testing.T) {
	model := &chunkModel{chunks: []*provider.StreamChunk{
		delta("", "weighing the steps"),
		delta("Based on the reasoning", ""),
		delta(" process, here's my answer", ""),
		{Usage: &provider.Usage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}},
	}}
	r, err := NewRunner(model, prompt.NewProcessPrompt(prompt.Input{Question: "q"}), zap.NewNop())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	pad := cot.NewScratchpad()
	pad.Append(&cot.Step{Thought: "This is my final conclusion", FinishedCot: true})
	nodes := trace.NewNodeTrace("sid")

	var content []string
	var reasoning int
	for ev, err := range r.Run(context.Background(), pad, nil, nodes) {
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if ev.Model != "summary-model" {
			t.Errorf("event model = %q", ev.Model)
		}
		switch ev.Type {
		case cot.EventContent:
			content = append(content, ev.Content)
		case cot.EventReasoning:
			reasoning++
		}
	}

	if strings.Join(content, "") != "Based on the reasoning process, here's my answer" || reasoning != 1 {
		t.Errorf("content = %q, reasoning events = %d", content, reasoning)
	}
	if len(model.got) != 2 || !strings.Contains(model.got[1].Content, "This is my final conclusion") {
		t.Errorf("prompt = %+v", model.got)
	}
	n := nodes.Nodes()
	if len(n) != 1 || n[0].NodeName != "ModelGeneralStream" || n[0].Data.Usage.TotalTokens != 14 {
		t.Fatalf("nodes = %+v", n)
	}
	if n[0].LLMOutput != "Based on the reasoning process, here's my answer" {
		t.Errorf("llm output = %q", n[0].LLMOutput)
	}
}

func TestRunStreamError(t *testing.T) {
	boom := errors.New("upstream closed")
	model := &chunkModel{chunks: []*provider.StreamChunk{delta("partial", ""), {Err: boom}}}
	r, _ := NewRunner(model, prompt.NewProcessPrompt(prompt.Input{}), nil)
	nodes := trace.NewNodeTrace("sid")

	var gotErr error
	for _, err := range r.Run(context.Background(), cot.NewScratchpad(), nil, nodes) {
		if err != nil {
			gotErr = err
		}
	}
	if !errors.Is(gotErr, boom) {
		t.Fatalf("err = %v", gotErr)
	}
	if len(nodes.Nodes()) != 0 {
		t.Error("failed stream must not record a node")
	}
}

func TestNewRunnerValidation(t *testing.T) {
	if _, err := NewRunner(nil, prompt.NewProcessPrompt(prompt.Input{}), nil); err == nil {
		t.Error("expected error without model")
	}
	if _, err := NewRunner(&chunkModel{}, nil, nil); err == nil {
		t.Error("expected error without prompt")
	}
}
