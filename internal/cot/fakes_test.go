package cot

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/cot-agent/internal/plugin"
	"github.com/nidhogg/cot-agent/internal/provider"
	"github.com/nidhogg/cot-agent/internal/trace"
)

func contentChunk(s string) *provider.StreamChunk {
	return &provider.StreamChunk{Choices: []provider.Choice{{Delta: provider.Delta{Content: s}}}}
}

func reasoningChunk(s string) *provider.StreamChunk {
	return &provider.StreamChunk{Choices: []provider.Choice{{Delta: provider.Delta{ReasoningContent: s}}}}
}

func usageChunk(prompt, completion int) *provider.StreamChunk {
	return &provider.StreamChunk{Usage: &provider.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}}
}

// scriptedModel replays one script per Stream call, repeating the last.
// Sends are unbuffered, so sent counts exactly the chunks the reader took.
type scriptedModel struct {
	t       *testing.T
	scripts [][]*provider.StreamChunk
	// stopAt, when > 0, fails the test if chunk index stopAt or later is read.
	stopAt int

	mu    sync.Mutex
	calls int
	sent  []int
	wg    sync.WaitGroup
}

func (m *scriptedModel) Name() string { return "test-model" }

func (m *scriptedModel) Stream(ctx context.Context, _ []provider.Message) (<-chan *provider.StreamChunk, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.sent = append(m.sent, 0)
	m.mu.Unlock()

	script := m.scripts[min(idx, len(m.scripts)-1)]
	ch := make(chan *provider.StreamChunk)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(ch)
		for i, c := range script {
			select {
			case ch <- c:
				if m.stopAt > 0 && i >= m.stopAt {
					m.t.Errorf("chunk %d read past the stop marker", i)
				}
				m.mu.Lock()
				m.sent[idx]++
				m.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// wait blocks until every stream goroutine has exited.
func (m *scriptedModel) wait(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("model stream goroutine leaked")
	}
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type staticPrompt struct{ renders []int }

func (p *staticPrompt) Messages(pad *Scratchpad) ([]provider.Message, error) {
	p.renders = append(p.renders, pad.Len())
	return []provider.Message{{Role: "user", Content: "question"}}, nil
}

type fakeProcess struct {
	runs int
	pad  []*Step
}

func (p *fakeProcess) Run(_ context.Context, pad *Scratchpad, _ *trace.Span, _ *trace.NodeTrace) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		p.runs++
		p.pad = pad.Steps()
		yield(Event{Type: EventContent, Content: "summary", Model: "test-model"}, nil)
	}
}

type fakeWorkflow struct {
	plugin.Base
	frames   []*plugin.Result
	consumed int
}

func newFakeWorkflow(name string, frames ...*plugin.Result) *fakeWorkflow {
	return &fakeWorkflow{
		Base:   plugin.Base{PluginName: name, PluginKind: plugin.KindWorkflow},
		frames: frames,
	}
}

func (w *fakeWorkflow) Invoke(context.Context, map[string]any, *trace.Span) (*plugin.Result, error) {
	return nil, errors.New("workflow must be streamed")
}

func (w *fakeWorkflow) InvokeStream(_ context.Context, _ map[string]any, _ *trace.Span) iter.Seq2[*plugin.Result, error] {
	return func(yield func(*plugin.Result, error) bool) {
		for _, f := range w.frames {
			w.consumed++
			if !yield(f, nil) {
				return
			}
		}
	}
}

// forgetfulResolver resolves each name only once, so an action accepted
// while parsing is gone by dispatch time.
type forgetfulResolver struct {
	inner *plugin.Registry
	seen  map[string]bool
}

func (r *forgetfulResolver) Resolve(name string) (plugin.Plugin, bool) {
	if r.seen[name] {
		return nil, false
	}
	r.seen[name] = true
	return r.inner.Resolve(name)
}

func echoPlugin(name string) plugin.Plugin {
	return plugin.NewTool(name, "echo", nil, func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"code": 0, "echo": input}, nil
	})
}

func collect(seq iter.Seq2[Event, error]) ([]Event, error) {
	var events []Event
	for ev, err := range seq {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func ofType(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
