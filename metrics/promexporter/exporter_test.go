package promexporter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memtier"
	"github.com/hupe1980/memtier/model"
	"github.com/hupe1980/memtier/promotion"
)

func TestExporterCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, err := New(reg)
	require.NoError(t, err)

	e.RecordRemember(model.Interact, time.Millisecond, nil)
	e.RecordRemember(model.Interact, time.Millisecond, nil)
	e.RecordRemember(model.Assets, time.Millisecond, errors.New("full"))
	e.RecordRecall(10, 4, time.Millisecond, nil)
	e.RecordEmbedding(true, 0, nil)
	e.RecordEmbedding(false, time.Millisecond, nil)
	e.RecordEmbedding(false, time.Millisecond, errors.New("down"))

	var st promotion.CycleStats
	st.Promoted[model.Interact] = 3
	st.Expired[model.Insights] = 2
	st.Failures = 1
	e.RecordPromotion(st, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(e.remembered.WithLabelValues("interact")))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.remembered.WithLabelValues("assets")))
	assert.Equal(t, 4.0, testutil.ToFloat64(e.recalled))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.embeddings.WithLabelValues("cache", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.embeddings.WithLabelValues("provider", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(e.promoted.WithLabelValues("interact")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.expired.WithLabelValues("insights")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.failures))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.cycles.WithLabelValues("success")))
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

type fakeStats struct {
	st  memtier.MemoryStats
	err error
}

func (f fakeStats) Stats(context.Context) (memtier.MemoryStats, error) { return f.st, f.err }

func TestStatsCollector(t *testing.T) {
	var st memtier.MemoryStats
	for _, tr := range model.AllTiers {
		st.Tiers[tr].Tier = tr
	}
	st.Tiers[model.Interact].Records = 7
	st.Tiers[model.Interact].Indexed = 7
	st.Tiers[model.Interact].Capacity.Percent = 50
	st.Cache.Hits = 3
	st.Cache.Misses = 1
	st.Cache.Entries = 4

	c := NewStatsCollector(fakeStats{st: st})
	expected := `
# HELP memtier_records Durable records per tier.
# TYPE memtier_records gauge
memtier_records{tier="assets"} 0
memtier_records{tier="insights"} 0
memtier_records{tier="interact"} 7
# HELP memtier_tier_capacity_ratio Records over the tier budget.
# TYPE memtier_tier_capacity_ratio gauge
memtier_tier_capacity_ratio{tier="assets"} 0
memtier_tier_capacity_ratio{tier="insights"} 0
memtier_tier_capacity_ratio{tier="interact"} 0.5
# HELP memtier_embedding_cache_hit_ratio Embedding cache hit ratio.
# TYPE memtier_embedding_cache_hit_ratio gauge
memtier_embedding_cache_hit_ratio 0.75
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"memtier_records", "memtier_tier_capacity_ratio", "memtier_embedding_cache_hit_ratio"))

	failing := NewStatsCollector(fakeStats{err: memtier.ErrClosed})
	assert.Equal(t, 0, testutil.CollectAndCount(failing))
}
