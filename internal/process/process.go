// Package process writes the final answer of a run from its finished
// scratchpad.
package process

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/nidhogg/cot-agent/internal/cot"
	"github.com/nidhogg/cot-agent/internal/trace"
	"go.uber.org/zap"
)

// Runner streams the model's final answer over a scratchpad.
type Runner struct {
	model  cot.Model
	prompt cot.PromptBuilder
	logger *zap.Logger
}

var _ cot.ProcessRunner = (*Runner)(nil)

// NewRunner creates a process runner.
func NewRunner(model cot.Model, prompt cot.PromptBuilder, logger *zap.Logger) (*Runner, error) {
	if model == nil {
		return nil, errors.New("model is required")
	}
	if prompt == nil {
		return nil, errors.New("prompt builder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{model: model, prompt: prompt, logger: logger}, nil
}

// Run renders the summarization prompt and relays the model's reasoning and
// content as events. One ModelGeneralStream node is recorded when the stream
// completes.
func (r *Runner) Run(ctx context.Context, pad *cot.Scratchpad, span *trace.Span, nodes *trace.NodeTrace) iter.Seq2[cot.Event, error] {
	return func(yield func(cot.Event, error) bool) {
		sp := span.Start("CotProcess")
		defer sp.End()

		fail := func(err error) {
			sp.RecordError(err)
			yield(cot.Event{}, err)
		}

		messages, err := r.prompt.Messages(pad)
		if err != nil {
			fail(err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		start := time.Now()
		chunks, err := r.model.Stream(ctx, messages)
		if err != nil {
			fail(err)
			return
		}

		name := r.model.Name()
		var thinks, answers strings.Builder
		var usage trace.Usage
		for chunk := range chunks {
			if chunk.Err != nil {
				fail(chunk.Err)
				return
			}
			if chunk.Usage != nil {
				usage.Add(trace.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				})
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			if delta.ReasoningContent != "" {
				thinks.WriteString(delta.ReasoningContent)
				if !yield(cot.Event{Type: cot.EventReasoning, Content: delta.ReasoningContent, Model: name}, nil) {
					return
				}
			}
			if delta.Content != "" {
				answers.WriteString(delta.Content)
				if !yield(cot.Event{Type: cot.EventContent, Content: delta.Content, Model: name}, nil) {
					return
				}
			}
		}
		if err := ctx.Err(); err != nil {
			fail(err)
			return
		}

		sp.AddInfoEvents(map[string]string{"process-think": thinks.String()})
		sp.AddInfoEvents(map[string]string{"process-content": answers.String()})
		r.logger.Debug("final answer streamed",
			zap.Int("steps", pad.Len()),
			zap.Int("total_tokens", usage.TotalTokens))

		if nodes == nil {
			return
		}
		node := trace.NewNode(sp.SID(), "ModelGeneralStream", "LLM", start, time.Now())
		node.LLMOutput = answers.String()
		if raw, err := json.Marshal(messages); err == nil {
			node.Data.Input["model_general_stream_input"] = string(raw)
		}
		node.Data.Output["content"] = answers.String()
		node.Data.Output["reasoning_content"] = thinks.String()
		node.Data.Usage = usage
		nodes.Append(node)
	}
}
