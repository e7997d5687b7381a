package plugin

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func echoTool(name string) *Tool {
	return NewTool(name, "echo", nil, func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"echo": input["text"]}, nil
	})
}

func TestRegistryResolveFirstMatch(t *testing.T) {
	first := echoTool("search")
	second := echoTool(" search ")
	r := NewRegistry(first, nil, second)

	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	p, ok := r.Resolve("  search")
	if !ok || p != Plugin(first) {
		t.Fatalf("Resolve returned %v, %v; want first registered", p, ok)
	}
	if _, ok := r.Resolve("missing"); ok {
		t.Error("resolved a missing plugin")
	}

	extended := r.With(echoTool("calc"))
	if extended.Len() != 3 || r.Len() != 2 {
		t.Errorf("With mutated the receiver: %d/%d", extended.Len(), r.Len())
	}
	if got := strings.Join(extended.Names(), ","); got != "search, search ,calc" {
		t.Errorf("Names = %q", got)
	}

	var nilReg *Registry
	if _, ok := nilReg.Resolve("x"); ok || nilReg.Len() != 0 {
		t.Error("nil registry should be empty")
	}
}

func TestToolInvoke(t *testing.T) {
	tool := echoTool("echo")
	res, err := tool.Invoke(context.Background(), map[string]any{"text": "hi"}, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Code != 0 || res.Result["echo"] != "hi" {
		t.Errorf("result = %+v", res)
	}
	if len(res.Log) != 1 || res.Log[0]["name"] != "echo" {
		t.Errorf("log = %+v", res.Log)
	}
	if tool.Kind() != KindTool {
		t.Errorf("kind = %q", tool.Kind())
	}
}

func TestToolInvokeError(t *testing.T) {
	boom := errors.New("boom")
	tool := NewTool("bad", "fails", nil, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, boom
	})
	_, err := tool.Invoke(context.Background(), nil, nil)
	if !errors.Is(err, ErrRunTool) || !errors.Is(err, boom) {
		t.Fatalf("expected ErrRunTool wrapping boom, got %v", err)
	}
}

func TestSchemaTemplate(t *testing.T) {
	got := SchemaTemplate("calc", "adds numbers", map[string]any{"type": "object"})
	want := `tool_name:calc, tool_description:adds numbers, tool_parameters:{"type":"object"}`
	if got != want {
		t.Errorf("SchemaTemplate = %q, want %q", got, want)
	}
}

func TestBuiltinCurrentTime(t *testing.T) {
	r := NewRegistry(Builtins()...)
	p, ok := r.Resolve("get_current_time")
	if !ok {
		t.Fatal("get_current_time not registered")
	}
	res, err := p.Invoke(context.Background(), map[string]any{"timezone": "Not/AZone"}, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Result["code"] != 400 {
		t.Errorf("expected soft failure for unknown timezone, got %+v", res.Result)
	}
	res, err = p.Invoke(context.Background(), map[string]any{}, nil)
	if err != nil || res.Result["time"] == "" {
		t.Errorf("UTC call: %+v %v", res, err)
	}
}
