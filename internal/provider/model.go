package provider

import "context"

// StreamModel binds a model name and sampling options to a Router.
type StreamModel struct {
	name        string
	router      *Router
	temperature float64
	maxTokens   int
}

// NewStreamModel returns a model handle that streams through router.
func NewStreamModel(router *Router, name string) *StreamModel {
	return &StreamModel{name: name, router: router}
}

// WithSampling sets temperature and max tokens for subsequent requests.
func (m *StreamModel) WithSampling(temperature float64, maxTokens int) *StreamModel {
	cp := *m
	cp.temperature = temperature
	cp.maxTokens = maxTokens
	return &cp
}

// Name returns the model name.
func (m *StreamModel) Name() string { return m.name }

// Stream opens one completion stream for messages.
func (m *StreamModel) Stream(ctx context.Context, messages []Message) (<-chan *StreamChunk, error) {
	return m.router.RouteStream(ctx, &ChatRequest{
		Model:       m.name,
		Messages:    messages,
		Temperature: m.temperature,
		MaxTokens:   m.maxTokens,
	})
}
