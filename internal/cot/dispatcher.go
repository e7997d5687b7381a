package cot

import (
	"context"
	"iter"

	"github.com/nidhogg/cot-agent/internal/plugin"
	"github.com/nidhogg/cot-agent/internal/trace"
	"go.uber.org/zap"
)

// NotFoundCode is the result code synthesized for an unresolvable action.
const NotFoundCode = 400

// Dispatcher runs the plugin named by a step and records its output on the step.
type Dispatcher struct {
	plugins Resolver
	model   string
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher. model names the events it emits.
func NewDispatcher(plugins Resolver, model string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{plugins: plugins, model: model, logger: logger}
}

// Dispatch invokes the step's plugin, filling ToolType, Plugin and
// ActionOutput. Streaming workflow plugins emit the step on their first frame
// and then relay the frames' reasoning and content; a frame with a non-zero
// code becomes the step output and ends consumption. An unknown action
// yields a code 400 output instead of an error.
func (d *Dispatcher) Dispatch(ctx context.Context, step *Step, span *trace.Span) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		p, ok := d.plugins.Resolve(step.Action)
		if ok {
			step.Plugin = p
			if sw, streaming := p.(plugin.StreamingPlugin); streaming && p.Kind() == plugin.KindWorkflow {
				d.runWorkflow(ctx, sw, step, span, yield)
				return
			}
		}
		d.runPlugin(ctx, p, step, span, yield)
	}
}

func (d *Dispatcher) runPlugin(ctx context.Context, p plugin.Plugin, step *Step, span *trace.Span, yield func(Event, error) bool) {
	sp := span.Start("RunPlugin")
	defer sp.End()

	var res *plugin.Result
	if p == nil {
		res = notFound(step)
		d.logger.Info("plugin not found", zap.String("action", step.Action))
	} else {
		sp.AddInfoEvents(map[string]string{"plugin-type": string(p.Kind())})
		var err error
		res, err = p.Invoke(ctx, step.ActionInput, sp)
		if err != nil {
			sp.RecordError(err)
			yield(Event{}, err)
			return
		}
	}
	sp.AddInfoJSON("plugin-result", res)

	step.ToolType = ToolTypeTool
	step.ActionOutput = res.Result
	yield(Event{Type: EventStep, Step: step.Clone(), Model: d.model}, nil)
}

func (d *Dispatcher) runWorkflow(ctx context.Context, p plugin.StreamingPlugin, step *Step, span *trace.Span, yield func(Event, error) bool) {
	sp := span.Start("RunWorkflowPlugin")
	defer sp.End()

	step.ToolType = ToolTypeWorkflow
	sp.AddInfoEvents(map[string]string{"plugin-type": string(plugin.KindWorkflow)})

	first := true
	for res, err := range p.InvokeStream(ctx, step.ActionInput, sp) {
		if err != nil {
			sp.RecordError(err)
			yield(Event{}, err)
			return
		}
		if first {
			first = false
			step.ActionOutput = res.Result
			if !yield(Event{Type: EventStep, Step: step.Clone(), Model: d.model}, nil) {
				return
			}
		}
		sp.AddInfoJSON("flow-chunk", res)

		if res.Code != 0 {
			step.ActionOutput = res.Result
			d.logger.Info("workflow frame failed, stopping",
				zap.String("action", step.Action),
				zap.Int("code", res.Code))
			return
		}
		if s, _ := res.Result["reasoning_content"].(string); s != "" {
			if !yield(Event{Type: EventReasoning, Content: s, Model: d.model}, nil) {
				return
			}
		}
		if s, _ := res.Result["content"].(string); s != "" {
			if !yield(Event{Type: EventContent, Content: s, Model: d.model}, nil) {
				return
			}
		}
	}
}

func notFound(step *Step) *plugin.Result {
	result := map[string]any{
		"code":    NotFoundCode,
		"message": step.Action + " not found",
		"data":    nil,
	}
	return &plugin.Result{
		Code:   NotFoundCode,
		Result: result,
		Log: []map[string]any{{
			"name":   step.Action,
			"input":  step.ActionInput,
			"output": result,
			"detail": "not found plugin",
		}},
	}
}
