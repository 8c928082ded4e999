package memtier

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/memtier/model"
	"github.com/hupe1980/memtier/promotion"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the
// metrics/promexporter package provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordRemember is called after each Remember with the target tier.
	RecordRemember(t model.Tier, duration time.Duration, err error)

	// RecordRecall is called after each Recall. results is the number of
	// records returned.
	RecordRecall(limit, results int, duration time.Duration, err error)

	// RecordForget is called after each Forget.
	RecordForget(duration time.Duration, err error)

	// RecordEmbedding is called for every embedding lookup. cacheHit is
	// true when no provider call was made.
	RecordEmbedding(cacheHit bool, duration time.Duration, err error)

	// RecordPromotion is called after each promotion cycle.
	RecordPromotion(stats promotion.CycleStats, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordRemember(model.Tier, time.Duration, error) {}
func (NoopMetricsCollector) RecordRecall(int, int, time.Duration, error)     {}
func (NoopMetricsCollector) RecordForget(time.Duration, error)               {}
func (NoopMetricsCollector) RecordEmbedding(bool, time.Duration, error)      {}
func (NoopMetricsCollector) RecordPromotion(promotion.CycleStats, error)     {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	RememberCount       atomic.Int64
	RememberErrors      atomic.Int64
	RememberTotalNanos  atomic.Int64
	RecallCount         atomic.Int64
	RecallErrors        atomic.Int64
	RecallTotalNanos    atomic.Int64
	RecallResults       atomic.Int64
	ForgetCount         atomic.Int64
	ForgetErrors        atomic.Int64
	EmbeddingCacheHits  atomic.Int64
	EmbeddingCalls      atomic.Int64
	EmbeddingErrors     atomic.Int64
	PromotionCycles     atomic.Int64
	PromotionPromoted   atomic.Int64
	PromotionExpired    atomic.Int64
	PromotionFailures   atomic.Int64
	rememberByTierCount [model.NumTiers]atomic.Int64
}

// RecordRemember implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRemember(t model.Tier, duration time.Duration, err error) {
	b.RememberCount.Add(1)
	b.RememberTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.RememberErrors.Add(1)
		return
	}
	if t.Valid() {
		b.rememberByTierCount[t].Add(1)
	}
}

// RecordRecall implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRecall(limit, results int, duration time.Duration, err error) {
	b.RecallCount.Add(1)
	b.RecallTotalNanos.Add(duration.Nanoseconds())
	b.RecallResults.Add(int64(results))
	if err != nil {
		b.RecallErrors.Add(1)
	}
}

// RecordForget implements MetricsCollector.
func (b *BasicMetricsCollector) RecordForget(duration time.Duration, err error) {
	b.ForgetCount.Add(1)
	if err != nil {
		b.ForgetErrors.Add(1)
	}
}

// RecordEmbedding implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEmbedding(cacheHit bool, duration time.Duration, err error) {
	switch {
	case err != nil:
		b.EmbeddingErrors.Add(1)
	case cacheHit:
		b.EmbeddingCacheHits.Add(1)
	default:
		b.EmbeddingCalls.Add(1)
	}
}

// RecordPromotion implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPromotion(stats promotion.CycleStats, err error) {
	b.PromotionCycles.Add(1)
	b.PromotionPromoted.Add(int64(stats.TotalPromoted()))
	b.PromotionExpired.Add(int64(stats.TotalExpired()))
	b.PromotionFailures.Add(int64(stats.Failures))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	st := BasicMetricsStats{
		RememberCount:      b.RememberCount.Load(),
		RememberErrors:     b.RememberErrors.Load(),
		RememberAvgNanos:   avg(b.RememberTotalNanos.Load(), b.RememberCount.Load()),
		RecallCount:        b.RecallCount.Load(),
		RecallErrors:       b.RecallErrors.Load(),
		RecallAvgNanos:     avg(b.RecallTotalNanos.Load(), b.RecallCount.Load()),
		RecallResults:      b.RecallResults.Load(),
		ForgetCount:        b.ForgetCount.Load(),
		ForgetErrors:       b.ForgetErrors.Load(),
		EmbeddingCacheHits: b.EmbeddingCacheHits.Load(),
		EmbeddingCalls:     b.EmbeddingCalls.Load(),
		EmbeddingErrors:    b.EmbeddingErrors.Load(),
		PromotionCycles:    b.PromotionCycles.Load(),
		PromotionPromoted:  b.PromotionPromoted.Load(),
		PromotionExpired:   b.PromotionExpired.Load(),
		PromotionFailures:  b.PromotionFailures.Load(),
	}
	for t := range st.RememberByTier {
		st.RememberByTier[t] = b.rememberByTierCount[t].Load()
	}
	return st
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	RememberCount      int64
	RememberErrors     int64
	RememberAvgNanos   int64
	RememberByTier     [model.NumTiers]int64
	RecallCount        int64
	RecallErrors       int64
	RecallAvgNanos     int64
	RecallResults      int64
	ForgetCount        int64
	ForgetErrors       int64
	EmbeddingCacheHits int64
	EmbeddingCalls     int64
	EmbeddingErrors    int64
	PromotionCycles    int64
	PromotionPromoted  int64
	PromotionExpired   int64
	PromotionFailures  int64
}
