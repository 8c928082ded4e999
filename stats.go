package memtier

import (
	"context"

	"github.com/hupe1980/memtier/internal/simd"
	"github.com/hupe1980/memtier/model"
)

// TierStats describes one tier.
type TierStats struct {
	Tier Tier
	// Records is the durable record count; Indexed the number of records
	// in the HNSW index. They differ while index inserts await retry.
	Records          int
	Indexed          int
	PendingRetries   int
	TombstoneRatio   float64
	DegradedSearches int64
	Capacity         CapacityStatus
}

// MemoryStats is a point-in-time view of a Memory.
type MemoryStats struct {
	Tiers [NumTiers]TierStats
	Cache CacheStats
	// Budget is the resource budget currently in force.
	Budget  Budget
	Scaling ScalingStats
	// LastPromotion is nil before the first completed cycle.
	LastPromotion    *CycleStats
	PromotionRunning bool
	// ISA names the distance kernel in use.
	ISA string
}

// Stats collects per-tier counts, cache counters and the resource budget.
func (m *Memory) Stats(ctx context.Context) (MemoryStats, error) {
	if m.closed.Load() {
		return MemoryStats{}, ErrClosed
	}

	var st MemoryStats
	for _, t := range model.AllTiers {
		tr := m.tiers[t]
		n, err := tr.Count(ctx)
		if err != nil {
			return MemoryStats{}, translateError(err)
		}
		ts := tr.Stats()
		st.Tiers[t] = TierStats{
			Tier:             t,
			Records:          n,
			Indexed:          ts.Indexed,
			PendingRetries:   ts.PendingRetries,
			TombstoneRatio:   ts.TombstoneRatio,
			DegradedSearches: ts.DegradedSearches,
			Capacity:         m.rc.CheckCapacity(t, ts.Indexed),
		}
	}

	st.Cache = m.cache.Stats()
	st.Budget = *m.rc.CurrentBudget()
	st.Scaling = m.rc.ScalingStats()
	if last, ok := m.engine.LastCycle(); ok {
		st.LastPromotion = &last
	}
	st.PromotionRunning = m.engine.Running()
	st.ISA = simd.ActiveISA().String()
	return st, nil
}

// TotalRecords returns the durable record count across tiers.
func (s MemoryStats) TotalRecords() int {
	n := 0
	for _, t := range s.Tiers {
		n += t.Records
	}
	return n
}
