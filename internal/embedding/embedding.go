// Package embedding turns text into vectors for knowledge retrieval.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
)

// ErrUnknownProvider is returned by New for an unsupported provider name.
var ErrUnknownProvider = errors.New("unknown embedding provider")

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api" or "local"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// New builds the provider named by cfg.Provider. An empty name means "api".
func New(cfg Config, client *http.Client) (Provider, error) {
	if client == nil {
		client = http.DefaultClient
	}
	switch cfg.Provider {
	case "", "api", "openai":
		return NewAPIProvider(cfg, client), nil
	case "local", "ollama":
		return NewLocalProvider(cfg, client), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
}

// dimension remembers the vector size of the first successful result and
// falls back to the configured size before that.
type dimension struct {
	configured int
	observed   atomic.Int64
}

func (d *dimension) observe(vectors [][]float32) {
	if len(vectors) > 0 && len(vectors[0]) > 0 {
		d.observed.CompareAndSwap(0, int64(len(vectors[0])))
	}
}

func (d *dimension) get() int {
	if n := d.observed.Load(); n > 0 {
		return int(n)
	}
	return d.configured
}
