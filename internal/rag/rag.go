// Package rag retrieves knowledge chunks for a question by embedding it and
// searching one Qdrant collection.
package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/cot-agent/internal/embedding"
	"github.com/nidhogg/cot-agent/internal/vectorstore"
	"go.uber.org/zap"
)

const (
	// DefaultCollection holds every indexed knowledge chunk.
	DefaultCollection = "knowledge"
	repoField         = "repo_id"
	defaultChunkSize  = 800
)

// ErrEmptyDocument is returned by Index for blank content.
var ErrEmptyDocument = errors.New("empty document")

// VectorStore is the subset of the Qdrant client the retriever uses.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection string, points ...vectorstore.Point) error
	Search(ctx context.Context, collection string, q vectorstore.Query) ([]*vectorstore.SearchResult, error)
}

// Query describes one retrieval.
type Query struct {
	Text           string
	TopK           int
	RepoIDs        []string
	ScoreThreshold float32
}

// Chunk is one retrieved piece of knowledge.
type Chunk struct {
	ID      string  `json:"id"`
	RepoID  string  `json:"repo_id,omitempty"`
	DocID   string  `json:"doc_id,omitempty"`
	Content string  `json:"content"`
	Score   float32 `json:"score"`
}

// Document is a unit of ingestion.
type Document struct {
	RepoID  string `json:"repo_id"`
	DocID   string `json:"doc_id"`
	Content string `json:"content"`
}

// Retriever coordinates embedding generation and vector search.
type Retriever struct {
	embedder   embedding.Provider
	store      VectorStore
	collection string
	chunkSize  int
	logger     *zap.Logger
}

// NewRetriever creates a retriever over collection ("" selects DefaultCollection).
func NewRetriever(embedder embedding.Provider, store VectorStore, collection string, logger *zap.Logger) *Retriever {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Retriever{
		embedder:   embedder,
		store:      store,
		collection: collection,
		chunkSize:  defaultChunkSize,
		logger:     logger,
	}
}

// Init ensures the collection exists.
func (r *Retriever) Init(ctx context.Context) error {
	dim := uint64(r.embedder.Dimension())
	if dim == 0 {
		dim = 1024
	}
	if err := r.store.EnsureCollection(ctx, r.collection, dim); err != nil {
		return fmt.Errorf("init collection %s: %w", r.collection, err)
	}
	return nil
}

// Retrieve returns the best chunks for q sorted by descending score.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]Chunk, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	if q.TopK <= 0 {
		q.TopK = 3
	}
	vectors, err := r.embedder.Embed(ctx, []string{q.Text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	hits, err := r.store.Search(ctx, r.collection, vectorstore.Query{
		Vector:         vectors[0],
		Limit:          uint64(q.TopK),
		ScoreThreshold: q.ScoreThreshold,
		FilterKey:      repoField,
		FilterValues:   q.RepoIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}

	chunks := make([]Chunk, 0, len(hits))
	for _, h := range hits {
		chunks = append(chunks, Chunk{
			ID:      h.ID,
			RepoID:  h.Payload[repoField],
			DocID:   h.Payload["doc_id"],
			Content: h.Payload["content"],
			Score:   h.Score,
		})
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	if len(chunks) > q.TopK {
		chunks = chunks[:q.TopK]
	}
	r.logger.Debug("knowledge retrieved", zap.Int("chunks", len(chunks)))
	return chunks, nil
}

// Index splits the document into chunks, embeds them and stores them.
// It returns the number of chunks written.
func (r *Retriever) Index(ctx context.Context, doc Document) (int, error) {
	parts := splitChunks(doc.Content, r.chunkSize)
	if len(parts) == 0 {
		return 0, ErrEmptyDocument
	}
	vectors, err := r.embedder.Embed(ctx, parts)
	if err != nil {
		return 0, fmt.Errorf("embed document: %w", err)
	}
	if len(vectors) != len(parts) {
		return 0, fmt.Errorf("embed document: got %d vectors for %d chunks", len(vectors), len(parts))
	}

	now := time.Now().UTC().Format(time.RFC3339)
	points := make([]vectorstore.Point, len(parts))
	for i, part := range parts {
		points[i] = vectorstore.Point{
			ID:     uuid.New().String(),
			Vector: vectors[i],
			Payload: map[string]string{
				repoField:    doc.RepoID,
				"doc_id":     doc.DocID,
				"content":    part,
				"indexed_at": now,
			},
		}
	}
	if err := r.store.Upsert(ctx, r.collection, points...); err != nil {
		return 0, err
	}
	return len(points), nil
}

// splitChunks cuts text on blank lines, packing paragraphs up to size runes.
// A single oversized paragraph is split hard.
func splitChunks(text string, size int) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		runes := []rune(para)
		for len(runes) > size {
			flush()
			out = append(out, string(runes[:size]))
			runes = runes[size:]
		}
		if cur.Len() > 0 && len([]rune(cur.String()))+len(runes) > size {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(string(runes))
	}
	flush()
	return out
}

// FormatContext renders chunks for the {knowledge} prompt placeholder.
func FormatContext(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
