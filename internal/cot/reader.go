package cot

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/nidhogg/cot-agent/internal/provider"
	"github.com/nidhogg/cot-agent/internal/trace"
	"go.uber.org/zap"
)

// Model streams one completion for a prompt.
type Model interface {
	Name() string
	Stream(ctx context.Context, messages []provider.Message) (<-chan *provider.StreamChunk, error)
}

var errConsumed = errors.New("response already consumed")

// Reader reads one model stream per loop iteration.
type Reader struct {
	model   Model
	plugins Resolver
	logger  *zap.Logger
}

// NewReader creates a reader that parses steps against plugins.
func NewReader(model Model, plugins Resolver, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{model: model, plugins: plugins, logger: logger}
}

// Response is the outcome of one read. Events must be consumed once; Step,
// FinalAnswer and Usage are valid after that.
type Response struct {
	reader   *Reader
	ctx      context.Context
	messages []provider.Message
	first    bool
	span     *trace.Span
	nodes    *trace.NodeTrace

	consumed bool
	final    bool
	stopped  bool
	step     *Step
	usage    trace.Usage
}

// Read prepares a read of messages. Nothing happens until Events is ranged over.
func (r *Reader) Read(ctx context.Context, messages []provider.Message, first bool, span *trace.Span, nodes *trace.NodeTrace) *Response {
	return &Response{
		reader:   r,
		ctx:      ctx,
		messages: messages,
		first:    first,
		span:     span,
		nodes:    nodes,
		step:     EmptyStep(),
	}
}

// Step returns the parsed step, or the empty sentinel.
func (r *Response) Step() *Step { return r.step }

// FinalAnswer reports whether the answer was streamed straight to the caller.
func (r *Response) FinalAnswer() bool { return r.final }

// EarlyStopped reports whether reading stopped at a stop marker.
func (r *Response) EarlyStopped() bool { return r.stopped }

// Usage returns the summed token usage of the read.
func (r *Response) Usage() trace.Usage { return r.usage }

// Events streams reasoning and content events while buffering step text,
// and finishes with one cot_step event unless the answer was passed through.
// Once the buffer holds a stop marker no further chunk is received.
func (r *Response) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if r.consumed {
			yield(Event{}, errConsumed)
			return
		}
		r.consumed = true

		sp := r.span.Start("MakingStep")
		defer sp.End()

		ctx, cancel := context.WithCancel(r.ctx)
		defer cancel()

		name := r.reader.model.Name()
		emit := func(typ EventType, text string) bool {
			return yield(Event{Type: typ, Content: text, Model: name}, nil)
		}
		fail := func(err error) {
			sp.RecordError(err)
			yield(Event{}, err)
		}

		start := time.Now()
		chunks, err := r.reader.model.Stream(ctx, r.messages)
		if err != nil {
			fail(err)
			return
		}

		var thinks, answers, stepBuf strings.Builder
		for chunk := range chunks {
			if chunk.Err != nil {
				fail(chunk.Err)
				return
			}
			if chunk.Usage != nil {
				r.usage.Add(trace.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				})
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			thinks.WriteString(delta.ReasoningContent)
			answers.WriteString(delta.Content)

			if r.final && delta.Content != "" {
				if !emit(EventContent, delta.Content) {
					return
				}
				continue
			}
			if delta.ReasoningContent != "" {
				if !emit(EventReasoning, delta.ReasoningContent) {
					return
				}
				continue
			}
			if r.final {
				continue
			}

			stepBuf.WriteString(delta.Content)
			buffered := stepBuf.String()
			if r.first && strings.Contains(buffered, markerFinalAnswer) {
				r.final = true
				if tail := strings.Split(buffered, markerFinalAnswer)[1]; tail != "" {
					if !emit(EventContent, tail) {
						return
					}
				}
				continue
			}
			if strings.Contains(buffered, markerObservation) || strings.Contains(buffered, markerFinalAnswer) {
				r.stopped = true
				cancel()
				break
			}
		}
		if !r.stopped {
			if err := ctx.Err(); err != nil {
				fail(err)
				return
			}
		}

		r.record(sp, start, answers.String())
		sp.AddInfoEvents(map[string]string{"step-think": thinks.String()})
		sp.AddInfoEvents(map[string]string{"step-content": answers.String()})
		r.reader.logger.Debug("model read finished",
			zap.Bool("final_answer", r.final),
			zap.Bool("early_stop", r.stopped),
			zap.Int("total_tokens", r.usage.TotalTokens))

		if r.final {
			return
		}
		step, err := ParseStep(stepBuf.String(), r.reader.plugins)
		if err != nil {
			fail(err)
			return
		}
		r.step = step
		yield(Event{Type: EventStep, Step: step.Clone(), Model: name}, nil)
	}
}

func (r *Response) record(sp *trace.Span, start time.Time, output string) {
	if r.nodes == nil {
		return
	}
	node := trace.NewNode(sp.SID(), "ReadResponse", "LLM", start, time.Now())
	node.LLMOutput = output
	if raw, err := json.Marshal(r.messages); err == nil {
		node.Data.Input["read_response_input"] = string(raw)
	}
	node.Data.Usage = r.usage
	r.nodes.Append(node)
}
