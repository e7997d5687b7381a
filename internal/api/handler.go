package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/cot-agent/internal/agent"
	"github.com/nidhogg/cot-agent/internal/cot"
	"github.com/nidhogg/cot-agent/internal/plugin"
	"github.com/nidhogg/cot-agent/internal/provider"
	"github.com/nidhogg/cot-agent/internal/rag"
	"github.com/nidhogg/cot-agent/internal/trace"
)

// Public error codes of the SSE error frame.
const (
	codeRunTool    = 40501
	codeToolSchema = 40502
	codeCanceled   = 499
	codeInternal   = 500
)

// HistoryWriter stores finished chat turns.
type HistoryWriter interface {
	AppendMessages(ctx context.Context, sessionID string, msgs ...provider.Message) error
}

// Indexer ingests knowledge documents.
type Indexer interface {
	Index(ctx context.Context, doc rag.Document) (int, error)
}

// Pinger reports the health of a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options carries the optional collaborators of a Handler.
type Options struct {
	Sink    trace.Sink
	History HistoryWriter
	Indexer Indexer
	// Checks are reported by the health endpoint by name.
	Checks map[string]Pinger
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	builder *agent.Builder
	opts    Options
	logger  *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(builder *agent.Builder, opts Options, logger *zap.Logger) *Handler {
	if opts.Sink == nil {
		opts.Sink = trace.NewLogSink(logger)
	}
	return &Handler{builder: builder, opts: opts, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/plugins", h.listPlugins)

		r.Route("/v1", func(r chi.Router) {
			r.Post("/agent/chat", h.chat)
			r.Post("/knowledge/documents", h.indexDocument)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, p := range h.opts.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			status[name] = err.Error()
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, status)
}

func (h *Handler) listPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.builder.Plugins())
}

// errorFrame is the last SSE frame of a failed run.
type errorFrame struct {
	Type    string `json:"typ"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// chat streams the events of one run as SSE frames terminated by [DONE].
func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var req agent.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	ctx := r.Context()
	span := trace.NewSpan(ctx, "AgentChat", req.SessionID, h.logger)
	defer span.End()
	req.SessionID = span.SID()

	run, err := h.builder.Build(ctx, req, span)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, agent.ErrEmptyQuestion) {
			status = http.StatusBadRequest
		}
		span.RecordError(err)
		writeJSON(w, status, errorFrame{Type: "error", Code: errorCode(err), Message: err.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Session-ID", run.SessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	nodes := trace.NewNodeTrace(run.SessionID)
	var answer strings.Builder
	failed := false
	for ev, err := range run.Runner.Run(ctx, span, nodes) {
		if err != nil {
			failed = true
			h.logger.Warn("agent run failed", zap.String("sid", run.SessionID), zap.Error(err))
			writeFrame(w, errorFrame{Type: "error", Code: errorCode(err), Message: err.Error()})
			break
		}
		if ev.Type == cot.EventContent {
			answer.WriteString(ev.Content)
		}
		if writeErr := writeFrame(w, ev); writeErr != nil {
			h.logger.Debug("client went away", zap.String("sid", run.SessionID), zap.Error(writeErr))
			failed = true
			break
		}
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	h.finish(context.WithoutCancel(ctx), run, nodes, answer.String(), failed)
}

// finish persists the node trace and, for successful runs, the chat turn.
func (h *Handler) finish(ctx context.Context, run *agent.Run, nodes *trace.NodeTrace, answer string, failed bool) {
	if err := h.opts.Sink.Save(ctx, nodes); err != nil {
		h.logger.Warn("save node trace failed", zap.String("sid", run.SessionID), zap.Error(err))
	}
	if failed || h.opts.History == nil {
		return
	}
	err := h.opts.History.AppendMessages(ctx, run.SessionID,
		provider.Message{Role: "user", Content: run.Question},
		provider.Message{Role: "assistant", Content: strings.TrimSpace(answer)},
	)
	if err != nil {
		h.logger.Warn("save chat history failed", zap.String("sid", run.SessionID), zap.Error(err))
	}
}

func (h *Handler) indexDocument(w http.ResponseWriter, r *http.Request) {
	if h.opts.Indexer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "knowledge store not configured"})
		return
	}
	var doc rag.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	n, err := h.opts.Indexer.Index(r.Context(), doc)
	if errors.Is(err, rag.ErrEmptyDocument) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"repo_id": doc.RepoID, "doc_id": doc.DocID, "chunks": n})
}

func errorCode(err error) int {
	switch {
	case errors.Is(err, cot.ErrCotFormatIncorrect):
		return cot.FormatErrorCode
	case errors.Is(err, plugin.ErrRunTool):
		return codeRunTool
	case errors.Is(err, plugin.ErrToolSchema):
		return codeToolSchema
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return codeCanceled
	case errors.Is(err, agent.ErrEmptyQuestion):
		return http.StatusBadRequest
	default:
		return codeInternal
	}
}

func writeFrame(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
