// Package relevance implements the Filter agent: scoring content items
// against the configured topics with a keyword heuristic and an embedding
// similarity, and recording one verdict per item.
package relevance

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/threadpulse-io/threadpulse/internal/fault"
	"github.com/threadpulse-io/threadpulse/internal/protocol"
)

// Embedder produces vector embeddings for texts. Implementations may batch;
// the returned slice is index-aligned with the input.
type Embedder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
}

// Cosine returns the cosine similarity of two vectors, clamped to [0,1].
// Zero vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
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
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// HTTPEmbedder calls an embedding API shaped like the common
// POST /embeddings {model, input:[...]} → {data:[{embedding:[...]}]} endpoint.
type HTTPEmbedder struct {
	baseURL string
	token   string
	model   string
	client  *http.Client
}

// NewHTTPEmbedder creates an embedder against baseURL.
func NewHTTPEmbedder(baseURL, token, model string) *HTTPEmbedder {
	return &HTTPEmbedder{
		baseURL: baseURL,
		token:   token,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Encode requests embeddings for texts in one call.
func (e *HTTPEmbedder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model": e.model,
		"input": texts,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindFatal, err, "embedder: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindFatal, err, "embedder: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "embedder: request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		herr := &fault.HTTPStatusError{StatusCode: resp.StatusCode, Message: string(msg)}
		if fault.IsTransient(herr) {
			return nil, fault.Wrap(fault.KindTransient, herr, "embedder: request")
		}
		return nil, fault.Wrap(fault.KindFatal, herr, "embedder: request")
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "embedder: decode")
	}
	if len(parsed.Data) != len(texts) {
		return nil, fault.Newf(fault.KindFatal, "embedder: got %d embeddings for %d inputs", len(parsed.Data), len(texts))
	}
	vectors := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// embeddingCache is a read-mostly cache keyed by the content hash of the
// input text. Topic embeddings hit it on every item; item embeddings hit it
// on re-filtered duplicates.
type embeddingCache struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

func newEmbeddingCache() *embeddingCache {
	return &embeddingCache{vectors: make(map[string][]float32)}
}

func (c *embeddingCache) get(text string) ([]float32, bool) {
	key := protocol.HashContent(text)
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vectors[key]
	return v, ok
}

func (c *embeddingCache) put(text string, v []float32) {
	key := protocol.HashContent(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vectors[key] = v
}
