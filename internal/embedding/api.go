package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIProvider implements Provider using an OpenAI-compatible embeddings API.
type APIProvider struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
	dim      dimension
}

// NewAPIProvider creates a new APIProvider from the given Config.
func NewAPIProvider(cfg Config, client *http.Client) *APIProvider {
	p := &APIProvider{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		client:   client,
	}
	p.dim.configured = cfg.Dimension
	return p
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiEmbeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type apiResponse struct {
	Data []apiEmbeddingData `json:"data"`
}

// Embed sends texts to the endpoint and returns one vector per text, in input order.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(apiRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding: API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(result.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for i, d := range result.Data {
		idx := d.Index
		if idx < 0 || idx >= len(texts) || embeddings[idx] != nil {
			idx = i
		}
		embeddings[idx] = d.Embedding
	}
	p.dim.observe(embeddings)
	return embeddings, nil
}

// Dimension returns the embedding vector dimension.
func (p *APIProvider) Dimension() int { return p.dim.get() }
