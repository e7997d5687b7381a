// Package cot drives a ReAct style reasoning loop over a streaming model:
// read a step, run its tool, record it, repeat until an answer or the budget.
package cot

import (
	"context"
	"errors"
	"iter"

	"github.com/nidhogg/cot-agent/internal/provider"
	"github.com/nidhogg/cot-agent/internal/trace"
	"go.uber.org/zap"
)

// DefaultMaxLoop bounds the iterations of a run when none is configured.
const DefaultMaxLoop = 30

// PromptBuilder renders the messages of the next iteration from the
// completed steps.
type PromptBuilder interface {
	Messages(pad *Scratchpad) ([]provider.Message, error)
}

// ProcessRunner produces the final answer over a finished scratchpad.
type ProcessRunner interface {
	Run(ctx context.Context, pad *Scratchpad, span *trace.Span, nodes *trace.NodeTrace) iter.Seq2[Event, error]
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Model   Model
	Plugins Resolver
	Prompt  PromptBuilder
	Process ProcessRunner
	MaxLoop int
	Logger  *zap.Logger
}

// Runner is the loop controller of one run. A Runner holds no per-run
// state, so Run may be called again for a fresh run.
type Runner struct {
	model      Model
	prompt     PromptBuilder
	process    ProcessRunner
	reader     *Reader
	dispatcher *Dispatcher
	maxLoop    int
	logger     *zap.Logger
}

// NewRunner validates cfg and creates a runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Model == nil {
		return nil, errors.New("model is required")
	}
	if cfg.Plugins == nil {
		return nil, errors.New("plugin resolver is required")
	}
	if cfg.Prompt == nil {
		return nil, errors.New("prompt builder is required")
	}
	if cfg.Process == nil {
		return nil, errors.New("process runner is required")
	}
	if cfg.MaxLoop <= 0 {
		cfg.MaxLoop = DefaultMaxLoop
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Runner{
		model:      cfg.Model,
		prompt:     cfg.Prompt,
		process:    cfg.Process,
		reader:     NewReader(cfg.Model, cfg.Plugins, cfg.Logger),
		dispatcher: NewDispatcher(cfg.Plugins, cfg.Model.Name(), cfg.Logger),
		maxLoop:    cfg.MaxLoop,
		logger:     cfg.Logger,
	}, nil
}

// Run executes the loop, yielding events as they are produced. A yielded
// error ends the run. Stopping the iteration cancels in-flight model reads
// and plugin calls.
func (r *Runner) Run(ctx context.Context, span *trace.Span, nodes *trace.NodeTrace) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		sp := span.Start("RunCotAgent")
		defer sp.End()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// forward relays seq and reports whether the run may go on.
		forward := func(seq iter.Seq2[Event, error]) bool {
			for ev, err := range seq {
				if err != nil {
					sp.RecordError(err)
					yield(Event{}, err)
					return false
				}
				if !yield(ev, nil) {
					return false
				}
			}
			return true
		}

		pad := NewScratchpad()
		for loop := 1; loop <= r.maxLoop; loop++ {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			messages, err := r.prompt.Messages(pad)
			if err != nil {
				sp.RecordError(err)
				yield(Event{}, err)
				return
			}

			resp := r.reader.Read(ctx, messages, loop == 1, sp, nodes)
			if !forward(resp.Events()) {
				return
			}
			if resp.FinalAnswer() {
				r.logger.Debug("final answer streamed directly", zap.Int("loop", loop))
				return
			}

			step := resp.Step()
			if step.FinishedCot {
				pad.Append(step)
				forward(r.process.Run(ctx, pad, sp, nodes))
				return
			}
			if step.Empty {
				sp.RecordError(ErrEmptyStep)
				yield(Event{}, ErrEmptyStep)
				return
			}

			if !forward(r.dispatcher.Dispatch(ctx, step, sp)) {
				return
			}
			if len(step.ActionOutput) == 0 {
				r.logger.Info("plugin returned empty output, ending run",
					zap.String("action", step.Action),
					zap.Int("loop", loop))
				return
			}
			pad.Append(step)
		}

		r.logger.Info("loop budget exhausted, summarizing", zap.Int("max_loop", r.maxLoop))
		forward(r.process.Run(ctx, pad, sp, nodes))
	}
}
