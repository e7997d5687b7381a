package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAPIProviderEmbed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "test-model" {
			t.Errorf("model = %q", req.Model)
		}
		// Out of order on purpose; index decides placement.
		json.NewEncoder(w).Encode(apiResponse{Data: []apiEmbeddingData{
			{Index: 1, Embedding: []float32{0.4, 0.5, 0.6}},
			{Index: 0, Embedding: []float32{0.1, 0.2, 0.3}},
		}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, err := New(Config{Endpoint: srv.URL + "/", Model: "test-model"}, srv.Client())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vectors, err := p.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 2 || vectors[0][0] != 0.1 || vectors[1][0] != 0.4 {
		t.Fatalf("vectors = %v", vectors)
	}
	if p.Dimension() != 3 {
		t.Errorf("got dimension %d, want 3", p.Dimension())
	}
}

func TestAPIProviderEmbed_Empty(t *testing.T) {
	p := NewAPIProvider(Config{Endpoint: "http://unused", Dimension: 128}, http.DefaultClient)
	vectors, err := p.Embed(context.Background(), []string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vectors != nil {
		t.Errorf("expected nil for empty input, got %v", vectors)
	}
	if d := p.Dimension(); d != 128 {
		t.Errorf("got dimension %d, want configured default 128", d)
	}
}

func TestLocalProviderEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(localResponse{Embedding: []float32{1, 2}})
	}))
	defer srv.Close()

	p, err := New(Config{Provider: "local", Endpoint: srv.URL}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vectors, err := p.Embed(context.Background(), []string{"x", "y"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vectors) != 2 || p.Dimension() != 2 {
		t.Errorf("vectors = %v dim = %d", vectors, p.Dimension())
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New(Config{Provider: "nope"}, nil); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}
