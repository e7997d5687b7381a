package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseSubstitutesEnv(t *testing.T) {
	t.Setenv("COT_TEST_KEY", "sk-test")
	cfg, err := Parse([]byte(`{
		"model": {"name": "${COT_TEST_MODEL:gpt-test}"},
		"providers": [{"id": "p", "api_key": "${COT_TEST_KEY}"}],
		"workflow": {"schema_url": "${COT_TEST_UNSET:}"}
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Model.Name != "gpt-test" {
		t.Errorf("default not applied: %q", cfg.Model.Name)
	}
	if cfg.Providers[0].APIKey != "sk-test" {
		t.Errorf("env not substituted: %q", cfg.Providers[0].APIKey)
	}
	if cfg.Workflow.SchemaURL != "" {
		t.Errorf("empty default = %q", cfg.Workflow.SchemaURL)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Model.MaxLoop != 30 {
		t.Errorf("server/model defaults = %+v %+v", cfg.Server, cfg.Model)
	}
	if cfg.Link.Timeout() != 40*time.Second || cfg.Link.CacheTTL() != 0 {
		t.Errorf("link timeout = %v ttl = %v", cfg.Link.Timeout(), cfg.Link.CacheTTL())
	}
	if cfg.Knowledge.TopK != 3 || cfg.Knowledge.Collection != "knowledge" {
		t.Errorf("knowledge defaults = %+v", cfg.Knowledge)
	}
	if cfg.Prompt.HistoryTokens == 0 || cfg.Database.Qdrant.Port != 6334 {
		t.Errorf("prompt/qdrant defaults = %+v %+v", cfg.Prompt, cfg.Database.Qdrant)
	}
}

func TestParseKeepsExplicitValues(t *testing.T) {
	cfg, err := Parse([]byte(`{"model": {"max_loop": 5}, "link": {"timeout_seconds": 3, "cache_ttl_seconds": 60}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Model.MaxLoop != 5 || cfg.Link.Timeout() != 3*time.Second || cfg.Link.CacheTTL() != time.Minute {
		t.Errorf("cfg = %+v %+v", cfg.Model, cfg.Link)
	}
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "agent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Providers) != 1 || cfg.Model.ProviderID != cfg.Providers[0].ID {
		t.Errorf("providers = %+v", cfg.Providers)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected read error")
	}
	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("expected parse error")
	}
}
