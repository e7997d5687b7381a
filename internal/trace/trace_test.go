package trace

import (
	"context"
	"errors"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func newRecorder() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp
}

func TestSpanTreeSharesSID(t *testing.T) {
	sr, tp := newRecorder()
	root := NewSpanWithTracer(context.Background(), tp.Tracer("test"), "RunCotAgent", "sid-1", zap.NewNop())
	child := root.Start("MakingStep")
	child.AddInfoEvents(map[string]string{"step-content": "Thought: x"})
	child.RecordError(errors.New("boom"))
	child.End()
	root.End()

	if child.SID() != "sid-1" {
		t.Fatalf("child sid = %q, want sid-1", child.SID())
	}
	ended := sr.Ended()
	if len(ended) != 2 {
		t.Fatalf("got %d ended spans, want 2", len(ended))
	}
	if ended[0].Name() != "MakingStep" {
		t.Errorf("first ended = %q, want MakingStep", ended[0].Name())
	}
	if ended[0].Parent().SpanID() != ended[1].SpanContext().SpanID() {
		t.Error("child span is not parented to root")
	}
	var found bool
	for _, ev := range ended[0].Events() {
		for _, kv := range ev.Attributes {
			if string(kv.Key) == "step-content" && kv.Value.AsString() == "Thought: x" {
				found = true
			}
		}
	}
	if !found {
		t.Error("info event not recorded on span")
	}
}

func TestNewSpanGeneratesSID(t *testing.T) {
	s := NewSpan(context.Background(), "root", "", nil)
	defer s.End()
	if s.SID() == "" {
		t.Fatal("expected generated sid")
	}
}

func TestNodeTraceUsage(t *testing.T) {
	nt := NewNodeTrace("sid")
	start := time.UnixMilli(1000)
	n := NewNode("sid", "ReadResponse", "LLM", start, start.Add(250*time.Millisecond))
	n.Data.Usage = Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	nt.Append(n)
	nt.Append(n)

	if got := nt.Nodes(); len(got) != 2 || got[0].Duration != 250 {
		t.Fatalf("unexpected nodes: %+v", got)
	}
	if u := nt.Usage(); u.TotalTokens != 30 || u.PromptTokens != 20 {
		t.Errorf("usage = %+v, want totals doubled", u)
	}
	if err := NewLogSink(zap.NewNop()).Save(context.Background(), nt); err != nil {
		t.Errorf("log sink: %v", err)
	}
}

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
