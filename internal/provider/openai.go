package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrProviderStatus is returned when the provider answers with a non-200 status.
var ErrProviderStatus = errors.New("provider returned error status")

// OpenAIProvider implements the Provider interface for OpenAI-compatible APIs.
type OpenAIProvider struct {
	config ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(cfg ProviderConfig, logger *zap.Logger) *OpenAIProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (p *OpenAIProvider) ID() string   { return p.config.ID }
func (p *OpenAIProvider) Name() string { return p.config.Name }

// chatURL builds the chat completions URL. If Extra["path_model"] is "true",
// the model name is inserted into the URL path.
func (p *OpenAIProvider) chatURL(model string) string {
	if p.config.Extra["path_model"] == "true" && model != "" {
		return p.config.Endpoint + "/" + model + "/chat/completions"
	}
	return p.config.Endpoint + "/chat/completions"
}

// ChatStream sends a streaming chat request. The returned channel is closed
// when the stream ends or ctx is cancelled; cancelling ctx also aborts the
// underlying HTTP read.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req *ChatRequest) (<-chan *StreamChunk, error) {
	streamReq := map[string]interface{}{
		"model":          req.Model,
		"messages":       req.Messages,
		"stream":         true,
		"stream_options": map[string]bool{"include_usage": true},
	}
	if req.Temperature > 0 {
		streamReq["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		streamReq["max_tokens"] = req.MaxTokens
	}
	if req.TopP > 0 {
		streamReq["top_p"] = req.TopP
	}
	if len(req.Stop) > 0 {
		streamReq["stop"] = req.Stop
	}

	body, err := json.Marshal(streamReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.chatURL(req.Model), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w %d: %s", ErrProviderStatus, resp.StatusCode, string(respBody))
	}

	ch := make(chan *StreamChunk)
	go p.readSSEStream(ctx, resp.Body, ch)
	return ch, nil
}

func (p *OpenAIProvider) readSSEStream(ctx context.Context, body io.ReadCloser, ch chan<- *StreamChunk) {
	defer close(ch)
	defer body.Close()

	send := func(c *StreamChunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}
		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			p.logger.Debug("skipping malformed stream frame", zap.Error(err))
			continue
		}
		if !send(&chunk) {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(&StreamChunk{Err: fmt.Errorf("read stream: %w", err)})
	}
}

// ListModels returns available models from the provider.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.config.Endpoint+"/models", nil)
	if err != nil {
		return nil, err
	}
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w %d", ErrProviderStatus, resp.StatusCode)
	}

	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	models := make([]Model, len(result.Data))
	for i, m := range result.Data {
		models[i] = Model{ID: m.ID, Name: m.ID, Provider: p.config.ID}
	}
	return models, nil
}

// HealthCheck verifies the provider is reachable.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	_, err := p.ListModels(ctx)
	return err
}
