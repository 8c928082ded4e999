package memtier_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memtier"
	"github.com/hupe1980/memtier/blobstore"
	"github.com/hupe1980/memtier/embedder"
	"github.com/hupe1980/memtier/promotion"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingEmbedder wraps the hash embedder, counting provider calls and
// failing on demand.
type countingEmbedder struct {
	*embedder.Hash
	calls atomic.Int64
	fail  atomic.Bool
}

func newCountingEmbedder(dim int) *countingEmbedder {
	return &countingEmbedder{Hash: embedder.NewHash(dim)}
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.fail.Load() {
		return nil, errors.New("provider unreachable")
	}
	return e.Hash.Embed(ctx, text)
}

// slowEmbedder ignores cancellation and answers after delay.
type slowEmbedder struct {
	*embedder.Hash
	delay time.Duration
}

func (e *slowEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	time.Sleep(e.delay)
	return e.Hash.Embed(context.Background(), text)
}

func openMemory(t *testing.T, dir string, optFns ...memtier.Option) *memtier.Memory {
	t.Helper()
	opts := append([]memtier.Option{
		memtier.WithEmbedder(embedder.NewHash(64)),
		memtier.WithoutBackground(),
		memtier.WithSeed(42),
	}, optFns...)
	m, err := memtier.Open(context.Background(), dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestOpenRequiresEmbedder(t *testing.T) {
	_, err := memtier.Open(context.Background(), t.TempDir())
	require.Error(t, err)
}

func TestRememberRecallForget(t *testing.T) {
	ctx := context.Background()
	m := openMemory(t, t.TempDir())

	coffee, err := m.Remember(ctx, "the user prefers oat milk in their coffee", memtier.Interact,
		memtier.WithKind("preference"), memtier.WithTags("food"), memtier.WithProject("home"))
	require.NoError(t, err)
	_, err = m.Remember(ctx, "deploys go out every tuesday afternoon", memtier.Insights)
	require.NoError(t, err)
	_, err = m.Remember(ctx, "the api gateway listens on port 8443", memtier.Assets)
	require.NoError(t, err)

	hits, err := m.Recall(ctx, "oat milk coffee", memtier.RecallOptions{Limit: 2})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.LessOrEqual(t, len(hits), 2)
	assert.Equal(t, coffee, hits[0].Record.ID)
	assert.Equal(t, memtier.Interact, hits[0].Record.Tier)
	assert.Equal(t, "preference", hits[0].Record.Kind)
	assert.Equal(t, []string{"food"}, hits[0].Record.Tags)
	assert.Equal(t, "home", hits[0].Record.Project)
	assert.EqualValues(t, 1, hits[0].Record.AccessCount)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i].Distance, hits[i-1].Distance)
	}

	// Get is not an access.
	rec, err := m.Get(ctx, coffee)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.AccessCount)
	assert.Equal(t, "the user prefers oat milk in their coffee", rec.Text)
	assert.Len(t, rec.Vector, 64)

	require.NoError(t, m.Forget(ctx, coffee))
	_, err = m.Get(ctx, coffee)
	assert.ErrorIs(t, err, memtier.ErrNotFound)
	assert.ErrorIs(t, m.Forget(ctx, coffee), memtier.ErrNotFound)

	hits, err = m.Recall(ctx, "oat milk coffee", memtier.RecallOptions{})
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, coffee, h.Record.ID)
	}
}

func TestRecallTierFilterAndMinScore(t *testing.T) {
	ctx := context.Background()
	m := openMemory(t, t.TempDir())

	_, err := m.Remember(ctx, "kafka brokers run in three zones", memtier.Interact)
	require.NoError(t, err)
	assets, err := m.Remember(ctx, "kafka brokers run in three zones today", memtier.Assets)
	require.NoError(t, err)

	hits, err := m.Recall(ctx, "kafka brokers", memtier.RecallOptions{Tiers: []memtier.Tier{memtier.Assets}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, assets, hits[0].Record.ID)

	hits, err = m.Recall(ctx, "completely unrelated words", memtier.RecallOptions{MinScore: 0.99})
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = m.Recall(ctx, "kafka", memtier.RecallOptions{Tiers: []memtier.Tier{memtier.Tier(9)}})
	assert.ErrorIs(t, err, memtier.ErrInvalidTier)
}

func TestValidationErrors(t *testing.T) {
	ctx := context.Background()
	m, err := memtier.Open(ctx, t.TempDir(),
		memtier.WithEmbedder(embedder.NewHash(32)),
		memtier.WithoutBackground(),
	)
	require.NoError(t, err)

	_, err = m.Remember(ctx, "   ", memtier.Interact)
	assert.ErrorIs(t, err, memtier.ErrEmptyText)
	_, err = m.Remember(ctx, "valid text", memtier.Tier(7))
	assert.ErrorIs(t, err, memtier.ErrInvalidTier)
	_, err = m.Recall(ctx, "", memtier.RecallOptions{})
	assert.ErrorIs(t, err, memtier.ErrEmptyText)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.Remember(ctx, "valid text", memtier.Interact)
	assert.ErrorIs(t, err, memtier.ErrClosed)
	_, err = m.Recall(ctx, "valid text", memtier.RecallOptions{})
	assert.ErrorIs(t, err, memtier.ErrClosed)
	_, err = m.Get(ctx, "x")
	assert.ErrorIs(t, err, memtier.ErrClosed)
	assert.ErrorIs(t, m.Forget(ctx, "x"), memtier.ErrClosed)
	_, err = m.Stats(ctx)
	assert.ErrorIs(t, err, memtier.ErrClosed)
	_, err = m.RunPromotionCycle(ctx)
	assert.ErrorIs(t, err, memtier.ErrClosed)
}

func TestRememberTierFull(t *testing.T) {
	ctx := context.Background()
	m := openMemory(t, t.TempDir(),
		memtier.WithTierConfig(memtier.Interact, memtier.TierConfig{MaxRecords: 2}))

	first, err := m.Remember(ctx, "first note", memtier.Interact)
	require.NoError(t, err)
	_, err = m.Remember(ctx, "second note", memtier.Interact)
	require.NoError(t, err)

	_, err = m.Remember(ctx, "third note", memtier.Interact)
	require.ErrorIs(t, err, memtier.ErrTierFull)
	assert.ErrorIs(t, err, memtier.ErrCapacityExceeded)

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Tiers[memtier.Interact].Records)
	assert.EqualValues(t, 2, st.Cache.Entries, "the rejected write leaves no cached embedding")

	// Other tiers are unaffected.
	_, err = m.Remember(ctx, "third note", memtier.Insights)
	require.NoError(t, err)

	require.NoError(t, m.Forget(ctx, first))
	_, err = m.Remember(ctx, "fourth note", memtier.Interact)
	require.NoError(t, err)
}

func TestFullTierDrainsOnPromotionCycle(t *testing.T) {
	ctx := context.Background()
	m := openMemory(t, t.TempDir(),
		memtier.WithTierConfig(memtier.Interact, memtier.TierConfig{MaxRecords: 2}))

	for _, text := range []string{"first note", "second note"} {
		_, err := m.Remember(ctx, text, memtier.Interact)
		require.NoError(t, err)
	}
	_, err := m.Remember(ctx, "third note", memtier.Interact)
	require.ErrorIs(t, err, memtier.ErrTierFull)

	// Both records are far younger than the promotion age gate.
	stats, err := m.RunPromotionCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Forced[memtier.Interact])
	assert.Equal(t, 1, stats.Promoted[memtier.Interact])

	_, err = m.Remember(ctx, "third note", memtier.Interact)
	require.NoError(t, err)

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Tiers[memtier.Interact].Records)
	assert.Equal(t, 1, st.Tiers[memtier.Insights].Records)
}

func TestRememberEmbeddingUnavailable(t *testing.T) {
	ctx := context.Background()
	emb := newCountingEmbedder(32)
	emb.fail.Store(true)

	m := openMemory(t, t.TempDir(), memtier.WithEmbedder(emb))

	_, err := m.Remember(ctx, "cannot be embedded", memtier.Interact)
	require.ErrorIs(t, err, memtier.ErrEmbeddingUnavailable)
	_, err = m.Recall(ctx, "cannot be embedded", memtier.RecallOptions{})
	require.ErrorIs(t, err, memtier.ErrEmbeddingUnavailable)

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.TotalRecords())
	assert.Zero(t, st.Cache.Entries)

	emb.fail.Store(false)
	_, err = m.Remember(ctx, "cannot be embedded", memtier.Interact)
	require.NoError(t, err)
}

type wrongDimension struct{ *embedder.Hash }

func (wrongDimension) Embed(context.Context, string) ([]float32, error) {
	return make([]float32, 3), nil
}

func TestRememberTimeoutLeavesNoCacheEntry(t *testing.T) {
	m := openMemory(t, t.TempDir(),
		memtier.WithEmbedder(&slowEmbedder{Hash: embedder.NewHash(64), delay: 100 * time.Millisecond}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Remember(ctx, "written while the provider is slow", memtier.Interact)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	stats := func() memtier.MemoryStats {
		st, err := m.Stats(context.Background())
		assert.NoError(t, err)
		return st
	}
	assert.Never(t, func() bool { return stats().Cache.Entries != 0 }, 250*time.Millisecond, 10*time.Millisecond)
	assert.Zero(t, stats().Tiers[memtier.Interact].Records)
}

func TestRememberDimensionMismatch(t *testing.T) {
	m := openMemory(t, t.TempDir(), memtier.WithEmbedder(wrongDimension{embedder.NewHash(16)}))

	_, err := m.Remember(context.Background(), "short vector", memtier.Interact)
	var dm *memtier.ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 16, dm.Expected)
	assert.Equal(t, 3, dm.Actual)
}

func TestReopenUsesPersistedState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m, err := memtier.Open(ctx, dir,
		memtier.WithEmbedder(embedder.NewHash(64)),
		memtier.WithoutBackground(),
	)
	require.NoError(t, err)
	id, err := m.Remember(ctx, "the backup window is at 02:00 utc", memtier.Insights)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	emb := newCountingEmbedder(64)
	m = openMemory(t, dir, memtier.WithEmbedder(emb))

	rec, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, memtier.Insights, rec.Tier)

	hits, err := m.Recall(ctx, "the backup window is at 02:00 utc", memtier.RecallOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].Record.ID)
	assert.InDelta(t, 0, hits[0].Distance, 1e-5)

	_, err = m.Remember(ctx, "the backup window is at 02:00 utc", memtier.Interact)
	require.NoError(t, err)
	assert.Zero(t, emb.calls.Load(), "embeddings come from the persisted cache")

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Positive(t, st.Cache.Hits)
	assert.Equal(t, 1, st.Tiers[memtier.Insights].Records)
	assert.Equal(t, 1, st.Tiers[memtier.Interact].Records)
}

func TestRecallRerank(t *testing.T) {
	ctx := context.Background()

	var mode atomic.Int32
	rr := embedder.RerankFunc(func(_ context.Context, _ string, cands []embedder.Candidate) ([]float32, error) {
		switch mode.Load() {
		case 1:
			return nil, errors.New("reranker down")
		case 2:
			return []float32{1}, nil
		}
		// Reverse the vector order.
		scores := make([]float32, len(cands))
		for i := range cands {
			scores[i] = float32(i)
		}
		return scores, nil
	})

	m := openMemory(t, t.TempDir(), memtier.WithReranker(rr))
	for _, text := range []string{
		"alpha beta gamma delta",
		"alpha beta gamma",
		"alpha beta",
	} {
		_, err := m.Remember(ctx, text, memtier.Interact)
		require.NoError(t, err)
	}

	vectorOrder := func() []string {
		mode.Store(1)
		hits, err := m.Recall(ctx, "alpha beta gamma delta", memtier.RecallOptions{})
		require.NoError(t, err)
		texts := make([]string, len(hits))
		for i, h := range hits {
			texts[i] = h.Record.Text
		}
		return texts
	}

	fallback := vectorOrder()
	require.Len(t, fallback, 3)
	assert.Equal(t, "alpha beta gamma delta", fallback[0])

	mode.Store(2)
	hits, err := m.Recall(ctx, "alpha beta gamma delta", memtier.RecallOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, fallback[0], hits[0].Record.Text, "score count mismatch keeps vector order")

	mode.Store(0)
	hits, err = m.Recall(ctx, "alpha beta gamma delta", memtier.RecallOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, fallback[2], hits[0].Record.Text)
	assert.Equal(t, fallback[0], hits[2].Record.Text)
	assert.EqualValues(t, 2, hits[0].Score)
}

func TestPromotionCycle(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	mc := &memtier.BasicMetricsCollector{}
	m := openMemory(t, t.TempDir(),
		memtier.WithClock(clock.Now),
		memtier.WithMetricsCollector(mc),
	)

	popular, err := m.Remember(ctx, "service owners are listed in the wiki", memtier.Interact)
	require.NoError(t, err)
	stale, err := m.Remember(ctx, "temporary scratch note", memtier.Interact)
	require.NoError(t, err)

	for range 2 {
		_, err := m.Recall(ctx, "service owners are listed in the wiki", memtier.RecallOptions{Limit: 1})
		require.NoError(t, err)
	}

	// Nothing is old enough yet.
	stats, err := m.RunPromotionCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalPromoted())

	clock.Advance(25 * time.Hour)
	stats, err = m.RunPromotionCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Promoted[memtier.Interact])

	rec, err := m.Get(ctx, popular)
	require.NoError(t, err)
	assert.Equal(t, memtier.Insights, rec.Tier)
	assert.EqualValues(t, 2, rec.AccessCount)

	// Past the Interact retention the untouched note is expired.
	clock.Advance(3 * 24 * time.Hour)
	stats, err = m.RunPromotionCycle(ctx)
	require.NoError(t, err)
	assert.Positive(t, stats.Expired[memtier.Interact])
	_, err = m.Get(ctx, stale)
	assert.ErrorIs(t, err, memtier.ErrNotFound)

	rec, err = m.Get(ctx, popular)
	require.NoError(t, err)
	assert.NotEqual(t, memtier.Interact, rec.Tier, "tiers never go backwards")

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.LastPromotion)
	assert.False(t, st.PromotionRunning)
	assert.EqualValues(t, 3, mc.GetStats().PromotionCycles)
}

// eagerPolicy promotes every Interact record on the next cycle and keeps
// everything in Insights.
func eagerPolicy() promotion.Policy {
	p := promotion.DefaultPolicy(memtier.DefaultTierConfigs())
	p.Transitions[memtier.Interact] = promotion.Transition{PromoteAfter: 0, MinAccess: 0}
	p.Transitions[memtier.Insights] = promotion.Transition{PromoteAfter: 365 * 24 * time.Hour, MinAccess: 1 << 30, Threshold: 2}
	p.MaxAge = [memtier.NumTiers]time.Duration{}
	p.MaxCandidates = 20_000
	return p
}

func TestPromoteTenThousand(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping bulk promotion in short mode")
	}

	const n = 10_000
	ctx := context.Background()
	m := openMemory(t, t.TempDir(),
		memtier.WithEmbedder(embedder.NewHash(128)),
		memtier.WithPromotionPolicy(eagerPolicy()),
		memtier.WithEmbeddingCache(256<<20, 0),
	)

	for i := range n {
		_, err := m.Remember(ctx, fmt.Sprintf("record %d topic t%d", i, i%97), memtier.Interact)
		require.NoError(t, err)
	}

	stats, err := m.RunPromotionCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, stats.Scanned[memtier.Interact])
	assert.Equal(t, n, stats.Promoted[memtier.Interact])
	assert.Zero(t, stats.Failures)

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Tiers[memtier.Interact].Records)
	assert.Zero(t, st.Tiers[memtier.Interact].Indexed)
	assert.Equal(t, n, st.Tiers[memtier.Insights].Records)
	assert.Equal(t, n, st.Tiers[memtier.Insights].Indexed)
	assert.Zero(t, st.Tiers[memtier.Assets].Records)
}

func TestRecallDuringPromotion(t *testing.T) {
	const n = 400
	ctx := context.Background()
	m := openMemory(t, t.TempDir(),
		memtier.WithEmbedder(embedder.NewHash(256)),
		memtier.WithPromotionPolicy(eagerPolicy()),
	)

	ids := make([]string, n)
	texts := make([]string, n)
	for i := range n {
		texts[i] = fmt.Sprintf("probe%d marker%d", i, i)
		id, err := m.Remember(ctx, texts[i], memtier.Interact)
		require.NoError(t, err)
		ids[i] = id
	}

	var (
		wg      sync.WaitGroup
		done    = make(chan struct{})
		missing atomic.Int64
	)
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := w; ; i = (i + 7) % n {
				select {
				case <-done:
					return
				default:
				}
				hits, err := m.Recall(ctx, texts[i], memtier.RecallOptions{Limit: 5})
				if err != nil {
					missing.Add(1)
					continue
				}
				found := false
				seen := make(map[string]bool)
				for _, h := range hits {
					if seen[h.Record.ID] {
						missing.Add(1)
					}
					seen[h.Record.ID] = true
					if h.Record.ID == ids[i] {
						found = true
					}
				}
				if !found {
					missing.Add(1)
				}
			}
		}()
	}

	stats, err := m.RunPromotionCycle(ctx)
	close(done)
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, n, stats.Promoted[memtier.Interact])
	assert.Zero(t, missing.Load(), "a record was invisible to a concurrent recall")

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Tiers[memtier.Interact].Records)
	assert.Equal(t, n, st.Tiers[memtier.Insights].Records)
}

func TestBackgroundPromotion(t *testing.T) {
	ctx := context.Background()
	ticker := promotion.NewManualTicker()
	m, err := memtier.Open(ctx, t.TempDir(),
		memtier.WithEmbedder(embedder.NewHash(32)),
		memtier.WithPromotionTicker(ticker),
		memtier.WithPromotionPolicy(eagerPolicy()),
		memtier.WithResourceConfig(memtier.ResourceConfig{
			Probe: memtier.StaticProbe{Total: 8 << 30, Available: 6 << 30},
		}),
	)
	require.NoError(t, err)

	id, err := m.Remember(ctx, "promote me in the background", memtier.Interact)
	require.NoError(t, err)

	require.True(t, ticker.Tick(time.Now()))
	require.Eventually(t, func() bool {
		rec, err := m.Get(ctx, id)
		return err == nil && rec.Tier == memtier.Insights
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Close())
	assert.False(t, ticker.Tick(time.Now()), "the loop stops the ticker on close")
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	m := openMemory(t, t.TempDir(),
		memtier.WithTierConfig(memtier.Assets, memtier.TierConfig{MaxRecords: 4}))

	for i := range 3 {
		_, err := m.Remember(ctx, fmt.Sprintf("asset number %d", i), memtier.Assets)
		require.NoError(t, err)
	}

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalRecords())
	assert.Equal(t, 3, st.Tiers[memtier.Assets].Indexed)
	assert.Equal(t, 4, st.Tiers[memtier.Assets].Capacity.Max)
	assert.InDelta(t, 75, st.Tiers[memtier.Assets].Capacity.Percent, 0.01)
	assert.Nil(t, st.LastPromotion)
	assert.NotEmpty(t, st.ISA)
	assert.EqualValues(t, 3, st.Cache.Entries)
	assert.Equal(t, 4, st.Budget.MaxVectorsPerTier[memtier.Assets])
}

func TestMemoryBackup(t *testing.T) {
	ctx := context.Background()
	m := openMemory(t, t.TempDir())

	for _, tier := range []memtier.Tier{memtier.Interact, memtier.Insights, memtier.Insights} {
		_, err := m.Remember(ctx, fmt.Sprintf("backed up in %s %d", tier, time.Now().UnixNano()), tier)
		require.NoError(t, err)
	}

	store := blobstore.NewLocalStore(t.TempDir())
	manifest, err := m.Backup(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 64, manifest.Dimension)
	assert.Equal(t, 1, manifest.Records["interact"])
	assert.Equal(t, 2, manifest.Records["insights"])
	assert.Equal(t, 3, manifest.TotalRecords())

	names := make([]string, len(manifest.Files))
	for i, f := range manifest.Files {
		names[i] = f.Name
	}
	assert.Contains(t, names, "embeddings.wal")
	assert.Contains(t, names, "interact.db")
	assert.Contains(t, names, "assets.hnsw")

	require.NoError(t, m.Close())
	_, err = m.Backup(ctx, store)
	assert.ErrorIs(t, err, memtier.ErrClosed)
}
