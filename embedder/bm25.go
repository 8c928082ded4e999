package embedder

import (
	"context"
	"math"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// BM25 reranks candidates by lexical overlap with the query. The candidate
// set itself is the corpus, so term rarity is judged among the hits.
//
// Blend mixes the lexical score with the candidate's position: 0 is pure
// BM25, 1 keeps the incoming order.
type BM25 struct {
	Blend float32
}

var _ Reranker = (*BM25)(nil)

// NewBM25 returns a pure BM25 reranker.
func NewBM25() *BM25 {
	return &BM25{}
}

// Rerank implements Reranker. Scores are normalized to [0,1].
func (r *BM25) Rerank(ctx context.Context, query string, candidates []Candidate) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := len(candidates)
	scores := make([]float32, n)
	if n == 0 {
		return scores, nil
	}

	docs := make([]map[string]int, n)
	lengths := make([]int, n)
	df := make(map[string]int)
	total := 0
	for i, c := range candidates {
		tf := make(map[string]int)
		toks := tokenize(c.Text)
		for _, t := range toks {
			tf[t]++
		}
		for t := range tf {
			df[t]++
		}
		docs[i] = tf
		lengths[i] = len(toks)
		total += len(toks)
	}
	avgDL := max(float64(total)/float64(n), 1)

	seen := make(map[string]struct{})
	var best float64
	raw := make([]float64, n)
	for _, t := range tokenize(query) {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		d, ok := df[t]
		if !ok {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(d)+0.5)/(float64(d)+0.5))
		for i, tf := range docs {
			f := float64(tf[t])
			if f == 0 {
				continue
			}
			dl := float64(lengths[i])
			raw[i] += idf * f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*dl/avgDL))
		}
	}
	for _, s := range raw {
		best = max(best, s)
	}

	blend := min(max(r.Blend, 0), 1)
	for i := range scores {
		var lex float32
		if best > 0 {
			lex = float32(raw[i] / best)
		}
		pos := 1 - float32(i)/float32(n)
		scores[i] = (1-blend)*lex + blend*pos
	}
	return scores, nil
}
