package store

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/cot-agent/internal/provider"
	"github.com/nidhogg/cot-agent/internal/trace"
)

// startStore runs a PostgreSQL testcontainer and returns a migrated store.
func startStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("cot_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("start postgres: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg connection string: %v", err)
	}
	s, err := New(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)

	if err := s.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Migrations are idempotent.
	if err := s.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	return s
}

func TestSaveAndLoadNodes(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()

	nt := trace.NewNodeTrace("sid-1")
	start := time.Now()
	read := trace.NewNode("sid-1", "ReadResponse", "LLM", start, start.Add(20*time.Millisecond))
	read.LLMOutput = "Thought: t\nAction: a"
	read.Data.Input["read_response_input"] = `[{"role":"user"}]`
	read.Data.Usage = trace.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}
	nt.Append(read)
	nt.Append(trace.NewNode("sid-1", "ModelGeneralStream", "LLM", start.Add(time.Second), start.Add(2*time.Second)))

	if err := s.Save(ctx, nt); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, trace.NewNodeTrace("empty")); err != nil {
		t.Fatalf("Save empty: %v", err)
	}

	nodes, err := s.Nodes(ctx, "sid-1")
	if err != nil {
		t.Fatalf("Nodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(nodes))
	}
	if nodes[0].NodeName != "ReadResponse" || nodes[1].NodeName != "ModelGeneralStream" {
		t.Errorf("order = %s, %s", nodes[0].NodeName, nodes[1].NodeName)
	}
	if nodes[0].ID == "" || nodes[0].Duration != 20 || nodes[0].Data.Usage.TotalTokens != 5 {
		t.Errorf("node = %+v", nodes[0])
	}
	if nodes[0].Data.Input["read_response_input"] != `[{"role":"user"}]` {
		t.Errorf("input = %v", nodes[0].Data.Input)
	}
}

func TestHistoryKeepsNewest(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()

	err := s.AppendMessages(ctx, "chat-1",
		provider.Message{Role: "user", Content: "one"},
		provider.Message{Role: "assistant", Content: "two"},
		provider.Message{Role: "user", Content: "three"},
	)
	if err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	msgs, err := s.History(ctx, "chat-1", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Errorf("history = %+v", msgs)
	}
	if other, _ := s.History(ctx, "chat-2", 0); len(other) != 0 {
		t.Errorf("foreign session leaked: %+v", other)
	}
}
