package embedder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bm25Docs = []Candidate{
	{ID: "1", Text: "the quick brown fox"},
	{ID: "2", Text: "jumped over the lazy dog"},
	{ID: "3", Text: "quick brown dogs"},
	{ID: "4", Text: "Fox and dog"},
}

func TestBM25Rerank(t *testing.T) {
	scores, err := NewBM25().Rerank(context.Background(), "fox fox", bm25Docs)
	require.NoError(t, err)
	require.Len(t, scores, 4)

	assert.InDelta(t, 1, scores[3], 1e-6, "shorter matching doc ranks first")
	assert.Greater(t, scores[0], float32(0))
	assert.Less(t, scores[0], scores[3])
	assert.Zero(t, scores[1])
	assert.Zero(t, scores[2])
}

func TestBM25Blend(t *testing.T) {
	r := &BM25{Blend: 1}
	scores, err := r.Rerank(context.Background(), "fox", bm25Docs)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0.75, 0.5, 0.25}, scores)

	scores, err = NewBM25().Rerank(context.Background(), "zebra", bm25Docs)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0}, scores)
}

func TestBM25Empty(t *testing.T) {
	scores, err := NewBM25().Rerank(context.Background(), "fox", nil)
	require.NoError(t, err)
	assert.Empty(t, scores)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewBM25().Rerank(ctx, "fox", bm25Docs)
	assert.ErrorIs(t, err, context.Canceled)
}
