package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Embedding is a dense vector over a chunk's text.
type Embedding []float32

// Embedder turns text into vectors. The HTTP implementation speaks the
// OpenAI-compatible embeddings endpoint.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]Embedding, error)
}

// VectorStore indexes chunk embeddings for semantic retrieval.
type VectorStore interface {
	Store(ctx context.Context, id, text string, vector Embedding, metadata map[string]string) error
	Search(ctx context.Context, vector Embedding, limit int) ([]SearchResult, error)
}

// SearchResult is one semantic hit; ID is a chunk uid.
type SearchResult struct {
	ID       string
	Text     string
	Score    float32
	Metadata map[string]string
}

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint.
type HTTPEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPEmbedder configures the embedder. baseURL defaults to the
// OpenAI API; any compatible server works.
func NewHTTPEmbedder(baseURL, apiKey, model string) *HTTPEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &HTTPEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Embed embeds a batch of texts in one request, preserving order.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([]Embedding, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(map[string]any{"input": texts, "model": e.model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store: embedding request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("store: embedding endpoint returned %d", resp.StatusCode)
	}

	var result struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("store: decoding embedding response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, errors.New("store: embedding count does not match input count")
	}

	out := make([]Embedding, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, errors.New("store: embedding index out of range")
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// MemoryVectorStore is the in-process cosine index used in tests and
// single-node deployments.
type MemoryVectorStore struct {
	mu      sync.RWMutex
	entries map[string]memoryVectorEntry
}

type memoryVectorEntry struct {
	text     string
	vector   Embedding
	metadata map[string]string
}

// NewMemoryVectorStore creates an empty index.
func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{entries: make(map[string]memoryVectorEntry)}
}

// Store upserts one vector.
func (m *MemoryVectorStore) Store(_ context.Context, id, text string, vector Embedding, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = memoryVectorEntry{text: text, vector: vector, metadata: metadata}
	return nil
}

// Search ranks by cosine similarity.
func (m *MemoryVectorStore) Search(_ context.Context, vector Embedding, limit int) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]SearchResult, 0, len(m.entries))
	for id, e := range m.entries {
		results = append(results, SearchResult{
			ID:       id,
			Text:     e.text,
			Score:    cosine(vector, e.vector),
			Metadata: e.metadata,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func cosine(a, b Embedding) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// PGVectorStore backs the index with the pgvector extension.
// Requires: CREATE EXTENSION vector; table embeddings(id text primary key,
// vector vector(N), text text, metadata jsonb).
type PGVectorStore struct {
	db *sql.DB
}

// NewPGVectorStore wraps an open postgres handle.
func NewPGVectorStore(db *sql.DB) *PGVectorStore {
	return &PGVectorStore{db: db}
}

func pgVectorLiteral(v Embedding) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", f)
	}
	b.WriteByte(']')
	return b.String()
}

// Store upserts one vector.
func (p *PGVectorStore) Store(ctx context.Context, id, text string, vector Embedding, metadata map[string]string) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO embeddings (id, vector, text, metadata)
		VALUES ($1, $2::vector, $3, $4)
		ON CONFLICT (id) DO UPDATE SET vector = $2::vector, text = $3, metadata = $4`,
		id, pgVectorLiteral(vector), text, meta)
	if err != nil {
		return fmt.Errorf("store: pgvector upsert failed: %w", err)
	}
	return nil
}

// Search ranks by cosine distance.
func (p *PGVectorStore) Search(ctx context.Context, vector Embedding, limit int) ([]SearchResult, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, text, metadata, 1 - (vector <=> $1::vector) AS score
		FROM embeddings
		ORDER BY vector <=> $1::vector
		LIMIT $2`, pgVectorLiteral(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("store: pgvector search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var meta []byte
		if err := rows.Scan(&r.ID, &r.Text, &meta, &r.Score); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fmt.Errorf("store: corrupt embedding metadata for %s: %w", r.ID, err)
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
