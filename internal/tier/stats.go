package tier

import (
	"github.com/hupe1980/memtier/internal/hnsw"
	"github.com/hupe1980/memtier/model"
)

// Stats is a point-in-time view of a tier.
type Stats struct {
	Tier             model.Tier
	Indexed          int
	PendingRetries   int
	TombstoneRatio   float64
	DegradedSearches int64
	Graph            hnsw.Stats
}

// Stats returns index-side statistics. Durable counts come from Count.
func (t *Tier) Stats() Stats {
	return Stats{
		Tier:             t.cfg.Tier,
		Indexed:          t.index.Len(),
		PendingRetries:   t.Pending(),
		TombstoneRatio:   t.index.TombstoneRatio(),
		DegradedSearches: t.degraded.Load(),
		Graph:            t.index.Stats(),
	}
}
