package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/cot-agent/internal/embedding"
	"github.com/nidhogg/cot-agent/internal/prompt"
	"github.com/nidhogg/cot-agent/internal/provider"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig              `json:"server"`
	Model     ModelConfig               `json:"model"`
	Providers []provider.ProviderConfig `json:"providers"`
	Prompt    prompt.Budget             `json:"prompt"`
	Link      LinkConfig                `json:"link"`
	Workflow  WorkflowConfig            `json:"workflow"`
	MCP       MCPConfig                 `json:"mcp"`
	Knowledge KnowledgeConfig           `json:"knowledge"`
	Database  DatabaseConfig            `json:"database"`
	Embedding embedding.Config          `json:"embedding"`
	Telemetry TelemetryConfig           `json:"telemetry"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
	// MigrationsDir holds the .up.sql files applied at startup.
	MigrationsDir string `json:"migrations_dir"`
}

type ModelConfig struct {
	ProviderID  string  `json:"provider_id"`
	Name        string  `json:"name"`
	MaxLoop     int     `json:"max_loop"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type LinkConfig struct {
	AppID           string `json:"app_id"`
	UID             string `json:"uid"`
	VersionsURL     string `json:"versions_url"`
	RunURL          string `json:"run_url"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds"`
}

// Timeout returns the per-call timeout of link tools.
func (c LinkConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheTTL returns how long schema lists stay cached.
func (c LinkConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

type WorkflowConfig struct {
	Endpoint  string `json:"endpoint"`
	SchemaURL string `json:"schema_url"`
	APIKey    string `json:"api_key"`
	AppID     string `json:"app_id"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `json:"servers"`
}

type MCPServerConfig struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

type KnowledgeConfig struct {
	Collection     string  `json:"collection"`
	TopK           int     `json:"top_k"`
	ScoreThreshold float32 `json:"score_threshold"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type TelemetryConfig struct {
	Enabled      bool   `json:"enabled"`
	OTLPEndpoint string `json:"otlp_endpoint"`
	ServiceName  string `json:"service_name"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes config JSON after environment substitution.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.MigrationsDir == "" {
		c.Server.MigrationsDir = "migrations"
	}
	if c.Model.MaxLoop <= 0 {
		c.Model.MaxLoop = 30
	}
	if c.Link.TimeoutSeconds <= 0 {
		c.Link.TimeoutSeconds = 40
	}
	if c.Prompt == (prompt.Budget{}) {
		c.Prompt = prompt.DefaultBudget()
	}
	if c.Knowledge.Collection == "" {
		c.Knowledge.Collection = "knowledge"
	}
	if c.Knowledge.TopK <= 0 {
		c.Knowledge.TopK = 3
	}
	if c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}
}
