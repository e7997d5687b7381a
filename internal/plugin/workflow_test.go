package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func workflowServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-consumer-username") != "app" {
			t.Errorf("consumer header = %q", r.Header.Get("X-consumer-username"))
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		extra, _ := body["extra_body"].(map[string]any)
		if body["flow_id"] != "flow-1" || body["stream"] != true || extra["bot_id"] != "workflow" || extra["caller"] != "agent" {
			t.Errorf("unexpected body %v", body)
		}
		if params, _ := body["parameters"].(map[string]any); params["city"] != "Paris" {
			t.Errorf("parameters = %v", body["parameters"])
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func newTestWorkflow(url string) *Workflow {
	return NewWorkflow("flow-1", "weather_flow", "weather", nil,
		WorkflowConfig{Endpoint: url, AppID: "app", UID: "u"}, zap.NewNop())
}

func TestWorkflowInvokeStream(t *testing.T) {
	srv := workflowServer(t, []string{
		`{"code":0,"id":"s1","choices":[{"delta":{"content":"","reasoning_content":""}}]}`,
		`{"code":0,"id":"s1","choices":[{"delta":{"reasoning_content":"thinking"}}]}`,
		`{"code":0,"id":"s1","choices":[{"delta":{"content":"sunny"}}]}`,
		`{"code":7,"id":"s1","message":"node failed"}`,
	})
	defer srv.Close()

	w := newTestWorkflow(srv.URL)
	var results []*Result
	for res, err := range w.InvokeStream(context.Background(), map[string]any{"city": "Paris"}, nil) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		results = append(results, res)
	}
	if len(results) != 4 {
		t.Fatalf("got %d frames, want 4", len(results))
	}
	if results[1].Result["reasoning_content"] != "thinking" || results[2].Result["content"] != "sunny" {
		t.Errorf("frames = %+v %+v", results[1].Result, results[2].Result)
	}
	last := results[3]
	if last.Code != 7 || last.Result["message"] != "node failed" || last.SessionID != "s1" {
		t.Errorf("error frame = %+v", last)
	}
}

func TestWorkflowInvokeAggregates(t *testing.T) {
	srv := workflowServer(t, []string{
		`{"code":0,"id":"s1","choices":[{"delta":{"content":"sun"}}]}`,
		`{"code":0,"id":"s1","choices":[{"delta":{"content":"ny"}}]}`,
	})
	defer srv.Close()

	res, err := newTestWorkflow(srv.URL).Invoke(context.Background(), map[string]any{"city": "Paris"}, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Result["content"] != "sunny" {
		t.Errorf("content = %v", res.Result["content"])
	}
}

func TestWorkflowStopEarly(t *testing.T) {
	srv := workflowServer(t, []string{
		`{"code":0,"id":"s1","choices":[{"delta":{"content":"a"}}]}`,
		`{"code":0,"id":"s1","choices":[{"delta":{"content":"b"}}]}`,
	})
	defer srv.Close()

	n := 0
	for range newTestWorkflow(srv.URL).InvokeStream(context.Background(), map[string]any{"city": "Paris"}, nil) {
		n++
		break
	}
	if n != 1 {
		t.Fatalf("consumed %d frames, want 1", n)
	}
}

func TestWorkflowStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestWorkflow(srv.URL).Invoke(context.Background(), nil, nil)
	if !errors.Is(err, ErrRunTool) {
		t.Fatalf("expected ErrRunTool, got %v", err)
	}
}

func TestWorkflowFactoryBuild(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		switch req["flow_id"] {
		case "flow-1":
			w.Write([]byte(`{"code":0,"data":{"data":{"id":"flow-1","name":"Weather","description":"forecast","data":{"nodes":[
				{"id":"node-start::1","data":{"outputs":[
					{"name":"city","schema":{"type":"string","description":"city"},"required":true},
					{"name":"days","schema":{"type":"integer"},"required":false}]}}]}}}}`))
		default:
			w.Write([]byte(`{"code":0,"data":{"data":{"id":"","name":"","description":""}}}`))
		}
	}))
	defer srv.Close()

	f := NewWorkflowFactory(WorkflowConfig{SchemaURL: srv.URL}, zap.NewNop())
	plugins, err := f.Build(context.Background(), "app", "u", []string{"flow-1", "flow-2"}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(plugins) != 2 {
		t.Fatalf("got %d plugins", len(plugins))
	}
	w := plugins[0].(*Workflow)
	if w.Name() != "Weather" || w.FlowID() != "flow-1" || w.Kind() != KindWorkflow {
		t.Errorf("plugin = %s %s %s", w.Name(), w.FlowID(), w.Kind())
	}
	if !strings.Contains(w.Schema(), `"required":["city"]`) {
		t.Errorf("schema = %s", w.Schema())
	}
	if plugins[1].Name() != "unknown" || plugins[1].Description() != "unknown workflow" {
		t.Errorf("fallback plugin = %s / %s", plugins[1].Name(), plugins[1].Description())
	}
}
