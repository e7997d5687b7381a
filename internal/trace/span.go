package trace

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/nidhogg/cot-agent"

// Span is the observability handle passed through one agent run.
// Children share the session id of the root.
type Span struct {
	sid    string
	name   string
	parent context.Context
	span   oteltrace.Span
	tracer oteltrace.Tracer
	logger *zap.Logger
}

// NewSpan starts a root span using the globally registered tracer provider.
// An empty sid gets a fresh one.
func NewSpan(ctx context.Context, name, sid string, logger *zap.Logger) *Span {
	return NewSpanWithTracer(ctx, otel.Tracer(tracerName), name, sid, logger)
}

// NewSpanWithTracer starts a root span on the given tracer.
func NewSpanWithTracer(ctx context.Context, tracer oteltrace.Tracer, name, sid string, logger *zap.Logger) *Span {
	if sid == "" {
		sid = uuid.New().String()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	spanCtx, span := tracer.Start(ctx, name, oteltrace.WithAttributes(attribute.String("sid", sid)))
	return &Span{
		sid:    sid,
		name:   name,
		parent: spanCtx,
		span:   span,
		tracer: tracer,
		logger: logger.With(zap.String("sid", sid)),
	}
}

// Start opens a child span. The caller must End it. A nil span yields nil
// children, and every method on a nil span is a no-op.
func (s *Span) Start(name string) *Span {
	if s == nil {
		return nil
	}
	spanCtx, span := s.tracer.Start(s.parent, name, oteltrace.WithAttributes(attribute.String("sid", s.sid)))
	return &Span{
		sid:    s.sid,
		name:   name,
		parent: spanCtx,
		span:   span,
		tracer: s.tracer,
		logger: s.logger,
	}
}

// SID returns the session id shared by the whole span tree.
func (s *Span) SID() string {
	if s == nil {
		return ""
	}
	return s.sid
}

// Name returns the span name.
func (s *Span) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// AddInfoEvents records key/value debugging payloads on the span.
func (s *Span) AddInfoEvents(attrs map[string]string) {
	if s == nil {
		return
	}
	kv := make([]attribute.KeyValue, 0, len(attrs))
	fields := make([]zap.Field, 0, len(attrs)+1)
	fields = append(fields, zap.String("span", s.name))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, v))
		fields = append(fields, zap.String(k, v))
	}
	s.span.AddEvent("info", oteltrace.WithAttributes(kv...))
	s.logger.Debug("span info event", fields...)
}

// AddInfoJSON marshals v and records it under key.
func (s *Span) AddInfoJSON(key string, v any) {
	if s == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		s.AddInfoEvents(map[string]string{key: err.Error()})
		return
	}
	s.AddInfoEvents(map[string]string{key: string(b)})
}

// RecordError marks the span as failed.
func (s *Span) RecordError(err error) {
	if s == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End closes the span.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.span.End()
}
