package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNoProvider is returned when no provider can serve a model.
var ErrNoProvider = errors.New("no provider available")

// Router manages multiple LLM providers and routes requests by model name.
type Router struct {
	providers map[string]Provider
	models    map[string]string   // model name -> providerID
	fallbacks map[string][]string // providerID -> fallback provider chain
	defaults  string              // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		models:    make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a provider to the router along with the models it serves.
func (r *Router) Register(p Provider, models ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	for _, m := range models {
		r.models[m] = p.ID()
	}
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider",
		zap.String("id", p.ID()),
		zap.String("name", p.Name()),
		zap.Int("models", len(models)))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// DefaultID returns the current default provider ID.
func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// SetFallbacks configures providers tried when opening a stream on
// providerID fails. Fallbacks never apply once chunks have been delivered.
func (r *Router) SetFallbacks(providerID string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[providerID] = providerIDs
}

// RouteStream opens a streaming chat request on the provider serving req.Model.
func (r *Router) RouteStream(ctx context.Context, req *ChatRequest) (<-chan *StreamChunk, error) {
	r.mu.RLock()
	primary := r.getProvider(req.Model)
	var chain []Provider
	if primary != nil {
		for _, id := range r.fallbacks[primary.ID()] {
			if fb, ok := r.providers[id]; ok {
				chain = append(chain, fb)
			}
		}
	}
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("%w for model %s", ErrNoProvider, req.Model)
	}

	ch, err := primary.ChatStream(ctx, req)
	if err == nil {
		return ch, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("model", req.Model), zap.String("provider", primary.ID()), zap.Error(err))

	for _, fb := range chain {
		ch, err = fb.ChatStream(ctx, req)
		if err == nil {
			return ch, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fb.ID()), zap.Error(err))
	}
	return nil, fmt.Errorf("all providers failed for model %s: %w", req.Model, err)
}

func (r *Router) getProvider(model string) Provider {
	if pid, ok := r.models[model]; ok {
		if p, ok := r.providers[pid]; ok {
			return p
		}
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}
