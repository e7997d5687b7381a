package cot

import (
	"context"
	"testing"

	"github.com/nidhogg/cot-agent/internal/plugin"
	"go.uber.org/zap"
)

func TestDispatchUnknownAction(t *testing.T) {
	d := NewDispatcher(plugin.NewRegistry(), "m", zap.NewNop())
	step := &Step{Action: "ghost", ActionInput: map[string]any{}}

	events, err := collect(d.Dispatch(context.Background(), step, nil))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventStep {
		t.Fatalf("events = %+v", events)
	}
	out := step.ActionOutput
	if out["code"] != NotFoundCode || out["message"] != "ghost not found" || step.ToolType != ToolTypeTool {
		t.Errorf("step = %+v", step)
	}
	if step.Plugin != nil {
		t.Error("unknown action must not bind a plugin")
	}
}

func TestDispatchToolBindsPlugin(t *testing.T) {
	p := echoPlugin("echo")
	d := NewDispatcher(plugin.NewRegistry(p), "m", nil)
	step := &Step{Action: "echo", ActionInput: map[string]any{"x": "y"}}

	if _, err := collect(d.Dispatch(context.Background(), step, nil)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if step.Plugin != p {
		t.Error("plugin not recorded on step")
	}
	echo, _ := step.ActionOutput["echo"].(map[string]any)
	if echo["x"] != "y" {
		t.Errorf("output = %v", step.ActionOutput)
	}
}

func TestDispatchWorkflowStopsOnConsumerBreak(t *testing.T) {
	wf := newFakeWorkflow("flow",
		&plugin.Result{Result: map[string]any{"content": "a"}},
		&plugin.Result{Result: map[string]any{"content": "b"}},
		&plugin.Result{Result: map[string]any{"content": "c"}},
	)
	d := NewDispatcher(plugin.NewRegistry(wf), "m", nil)
	step := &Step{Action: "flow", ActionInput: map[string]any{}}

	for ev, err := range d.Dispatch(context.Background(), step, nil) {
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if ev.Type == EventContent {
			break
		}
	}
	if wf.consumed != 1 {
		t.Errorf("consumed %d frames after break, want 1", wf.consumed)
	}
	if step.ToolType != ToolTypeWorkflow || step.ActionOutput["content"] != "a" {
		t.Errorf("step = %+v", step)
	}
}
