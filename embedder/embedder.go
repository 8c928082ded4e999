// Package embedder defines the embedding and reranking collaborators of a
// memory and ships two providers: an OpenAI-compatible HTTP client and a
// deterministic hash embedder for tests and offline use.
package embedder

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when a provider answers without vectors.
var ErrEmptyResponse = errors.New("embedder: empty embedding response")

// Embedder turns text into a vector.
type Embedder interface {
	// Embed returns the embedding of text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions returns the vector length Embed produces.
	Dimensions() int
	// Model names the embedding model. It is part of the cache key, so two
	// models never share cached vectors.
	Model() string
}

// Candidate is a search hit offered to a Reranker.
type Candidate struct {
	ID   string
	Text string
}

// Reranker rescores search hits against the query.
type Reranker interface {
	// Rerank returns one relevance score per candidate, in order. Higher
	// is more relevant.
	Rerank(ctx context.Context, query string, candidates []Candidate) ([]float32, error)
}

// RerankFunc adapts a function to Reranker.
type RerankFunc func(ctx context.Context, query string, candidates []Candidate) ([]float32, error)

// Rerank calls f.
func (f RerankFunc) Rerank(ctx context.Context, query string, candidates []Candidate) ([]float32, error) {
	return f(ctx, query, candidates)
}
