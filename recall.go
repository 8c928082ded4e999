package memtier

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/memtier/embedder"
	"github.com/hupe1980/memtier/model"
)

const defaultRecallLimit = 10

// RecallOptions configures Recall. The zero value searches every tier for
// ten results.
type RecallOptions struct {
	// Limit is the maximum number of results. Zero means 10.
	Limit int
	// Tiers restricts the search. Nil searches all tiers.
	Tiers []Tier
	// MinScore drops hits whose cosine similarity is below it.
	MinScore float32
}

// Recall returns the records most similar to query across the selected
// tiers, best first. Every returned record counts as an access.
//
// Tiers are searched concurrently. A tier whose index fails is logged and
// skipped; Recall returns ErrIndexDegraded only when every tier failed. When
// ctx is cancelled mid-search the results of the tiers that completed are
// returned.
func (m *Memory) Recall(ctx context.Context, query string, ro RecallOptions) (results []ScoredRecord, err error) {
	start := time.Now()
	limit := ro.Limit
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	defer func() {
		m.metrics.RecordRecall(limit, len(results), time.Since(start), err)
		m.logger.LogRecall(ctx, limit, len(results), err)
	}()

	if m.closed.Load() {
		return nil, ErrClosed
	}
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyText
	}
	tiers := ro.Tiers
	if len(tiers) == 0 {
		tiers = model.AllTiers
	}
	for _, t := range tiers {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrInvalidTier, t)
		}
	}

	q, err := m.queryVector(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := m.search(ctx, q, tiers, limit)
	if err != nil {
		return nil, err
	}

	filtered := hits[:0]
	for _, h := range hits {
		if h.Score >= ro.MinScore {
			filtered = append(filtered, h)
		}
	}
	hits = m.rerank(ctx, query, filtered)
	if len(hits) > limit {
		hits = hits[:limit]
	}

	now := m.opts.now()
	tctx := context.WithoutCancel(ctx)
	for i := range hits {
		rec := hits[i].Record
		updated, err := m.touch(tctx, rec.Tier, rec.ID, now)
		if err != nil {
			m.logger.DebugContext(ctx, "Failed to record access", "id", rec.ID, "error", err)
			continue
		}
		hits[i].Record = updated
	}
	return hits, nil
}

// search fans out to tiers and merges the hits by distance. A record that
// appears in more than one tier keeps its best hit.
func (m *Memory) search(ctx context.Context, q []float32, tiers []model.Tier, k int) ([]model.ScoredRecord, error) {
	m.moveMu.RLock()
	defer m.moveMu.RUnlock()

	perTier := make([][]model.ScoredRecord, len(tiers))
	errs := make([]error, len(tiers))

	var g errgroup.Group
	for i, t := range tiers {
		g.Go(func() error {
			perTier[i], errs[i] = m.tiers[t].Search(ctx, q, k)
			return nil
		})
	}
	_ = g.Wait()

	var (
		failed   int
		firstErr error
	)
	best := make(map[string]model.ScoredRecord)
	for i, err := range errs {
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			if ctx.Err() == nil {
				m.logger.WarnContext(ctx, "Tier search failed", "tier", tiers[i].String(), "error", err)
			}
			continue
		}
		for _, h := range perTier[i] {
			if cur, ok := best[h.Record.ID]; !ok || h.Distance < cur.Distance {
				best[h.Record.ID] = h
			}
		}
	}
	if failed == len(tiers) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, translateError(firstErr)
	}

	merged := make([]model.ScoredRecord, 0, len(best))
	for _, h := range best {
		merged = append(merged, h)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Distance != merged[j].Distance {
			return merged[i].Distance < merged[j].Distance
		}
		return merged[i].Record.ID < merged[j].Record.ID
	})
	return merged, nil
}

// rerank reorders hits with the configured reranker. On failure the vector
// order is kept.
func (m *Memory) rerank(ctx context.Context, query string, hits []model.ScoredRecord) []model.ScoredRecord {
	if m.opts.reranker == nil || len(hits) < 2 {
		return hits
	}

	cands := make([]embedder.Candidate, len(hits))
	for i, h := range hits {
		cands[i] = embedder.Candidate{ID: h.Record.ID, Text: h.Record.Text}
	}
	scores, err := m.opts.reranker.Rerank(ctx, query, cands)
	if err == nil && len(scores) != len(hits) {
		err = fmt.Errorf("reranker returned %d scores for %d candidates", len(scores), len(hits))
	}
	if err != nil {
		m.logger.WarnContext(ctx, "Rerank failed, keeping vector order", "error", err)
		return hits
	}

	for i := range hits {
		hits[i].Score = scores[i]
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	return hits
}
