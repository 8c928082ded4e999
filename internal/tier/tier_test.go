package tier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memtier/internal/hnsw"
	"github.com/hupe1980/memtier/internal/store"
	"github.com/hupe1980/memtier/model"
)

const dim = 8

func openTier(t *testing.T, dir string) *Tier {
	t.Helper()
	tr, err := Open(context.Background(), Config{
		Tier:         model.Interact,
		Dir:          dir,
		Dimension:    dim,
		Index:        hnsw.Options{M: 8, EFConstruction: 64, EFSearch: 64, MaxElements: 1000, Seed: 7},
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	return tr
}

func newRecord(rng *rand.Rand, id string) *model.Record {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	now := time.Now()
	return &model.Record{ID: id, Vector: v, Text: "text " + id, CreatedAt: now, LastAccessedAt: now, ScoreHint: -1}
}

func fill(t *testing.T, tr *Tier, rng *rand.Rand, n int) []*model.Record {
	t.Helper()
	recs := make([]*model.Record, n)
	for i := range recs {
		recs[i] = newRecord(rng, fmt.Sprintf("r%03d", i))
		require.NoError(t, tr.Put(context.Background(), recs[i]))
	}
	return recs
}

type flakyIndex struct {
	*hnsw.HNSW
	insertFailures atomic.Int32
	searchErr      error
}

var errTransient = errors.New("transient")

func (f *flakyIndex) Insert(ctx context.Context, key string, v []float32) error {
	if f.insertFailures.Add(-1) >= 0 {
		return errTransient
	}
	return f.HNSW.Insert(ctx, key, v)
}

func (f *flakyIndex) Search(ctx context.Context, q []float32, k, ef int) ([]hnsw.Result, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.HNSW.Search(ctx, q, k, ef)
}

func TestPutSearchGetDelete(t *testing.T) {
	tr := openTier(t, t.TempDir())
	defer tr.Close()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	recs := fill(t, tr, rng, 20)

	got, err := tr.Search(ctx, recs[5].Vector, 3)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, recs[5].ID, got[0].Record.ID)
	assert.InDelta(t, 0, got[0].Distance, 1e-4)
	assert.Equal(t, model.Interact, got[0].Record.Tier)

	rec, err := tr.Get(ctx, recs[5].ID)
	require.NoError(t, err)
	assert.Equal(t, recs[5].Text, rec.Text)

	require.NoError(t, tr.Delete(ctx, recs[5].ID))
	assert.False(t, tr.Contains(recs[5].ID))
	assert.ErrorIs(t, tr.Delete(ctx, recs[5].ID), store.ErrNotFound)

	got, err = tr.Search(ctx, recs[5].Vector, 3)
	require.NoError(t, err)
	for _, r := range got {
		assert.NotEqual(t, recs[5].ID, r.Record.ID)
	}

	n, err := tr.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 19, n)
	assert.Equal(t, 19, tr.Len())
}

func TestPutRejectsDimensionMismatch(t *testing.T) {
	tr := openTier(t, t.TempDir())
	defer tr.Close()
	ctx := context.Background()

	err := tr.Put(ctx, &model.Record{ID: "x", Vector: []float32{1, 2}})
	var dm *hnsw.ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, dim, dm.Expected)

	n, err := tr.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPutZeroVectorRollsBack(t *testing.T) {
	tr := openTier(t, t.TempDir())
	defer tr.Close()
	ctx := context.Background()

	err := tr.Put(ctx, &model.Record{ID: "z", Vector: make([]float32, dim)})
	require.ErrorIs(t, err, hnsw.ErrZeroVector)

	_, err = tr.Get(ctx, "z")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPutCancelledLeavesNothing(t *testing.T) {
	tr := openTier(t, t.TempDir())
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.Put(ctx, newRecord(rand.New(rand.NewSource(2)), "c"))
	require.ErrorIs(t, err, context.Canceled)

	n, err := tr.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, tr.Contains("c"))
}

func TestIndexInsertRetried(t *testing.T) {
	tr := openTier(t, t.TempDir())
	defer tr.Close()

	flaky := &flakyIndex{HNSW: tr.index.(*hnsw.HNSW)}
	flaky.insertFailures.Store(2)
	tr.index = flaky

	rec := newRecord(rand.New(rand.NewSource(3)), "retry")
	require.NoError(t, tr.Put(context.Background(), rec))

	_, err := tr.Get(context.Background(), "retry")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return tr.Contains("retry") }, 5*time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return tr.Pending() == 0 }, 5*time.Second, time.Millisecond)
}

func TestSearchDegradesOnIndexFailure(t *testing.T) {
	tr := openTier(t, t.TempDir())
	defer tr.Close()
	fill(t, tr, rand.New(rand.NewSource(4)), 5)

	tr.index = &flakyIndex{HNSW: tr.index.(*hnsw.HNSW), searchErr: errors.New("boom")}

	got, err := tr.Search(context.Background(), make([]float32, dim), 3)
	assert.ErrorIs(t, err, ErrIndexDegraded)
	assert.Empty(t, got)
	assert.Equal(t, int64(1), tr.Stats().DegradedSearches)
}

func TestSearchDropsIdsMissingFromStore(t *testing.T) {
	tr := openTier(t, t.TempDir())
	defer tr.Close()
	ctx := context.Background()
	recs := fill(t, tr, rand.New(rand.NewSource(5)), 10)

	// Remove behind the index's back.
	require.NoError(t, tr.store.Delete(ctx, recs[0].ID))

	got, err := tr.Search(ctx, recs[0].Vector, 10)
	require.NoError(t, err)
	assert.Len(t, got, 9)
	for _, r := range got {
		assert.NotEqual(t, recs[0].ID, r.Record.ID)
	}
}

func TestSnapshotReload(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(6))

	tr := openTier(t, dir)
	recs := fill(t, tr, rng, 50)
	require.NoError(t, tr.Close())

	snap := filepath.Join(dir, "interact.hnsw")
	require.FileExists(t, snap)

	tr = openTier(t, dir)
	defer tr.Close()
	assert.Equal(t, 50, tr.Len())
	assert.NoFileExists(t, snap)

	got, err := tr.Search(context.Background(), recs[10].Vector, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, recs[10].ID, got[0].Record.ID)
}

func TestRebuildWhenSnapshotCorrupt(t *testing.T) {
	dir := t.TempDir()
	tr := openTier(t, dir)
	fill(t, tr, rand.New(rand.NewSource(7)), 30)
	require.NoError(t, tr.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "interact.hnsw"), []byte("garbage"), 0o644))

	tr = openTier(t, dir)
	defer tr.Close()
	assert.Equal(t, 30, tr.Len())
}

func TestRebuildWhenSnapshotInconsistent(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(8))

	tr := openTier(t, dir)
	fill(t, tr, rng, 30)
	require.NoError(t, tr.Close())

	// A write that reached the store but not the snapshot.
	st, err := store.Open(filepath.Join(dir, "interact.db"), model.Interact)
	require.NoError(t, err)
	extra := newRecord(rng, "extra")
	require.NoError(t, st.Put(context.Background(), extra))
	require.NoError(t, st.Close())

	tr = openTier(t, dir)
	defer tr.Close()
	assert.Equal(t, 31, tr.Len())
	assert.True(t, tr.Contains("extra"))
}

func TestClosedTier(t *testing.T) {
	tr := openTier(t, t.TempDir())
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Put(context.Background(), newRecord(rand.New(rand.NewSource(9)), "x")), ErrClosed)
	_, err := tr.Search(context.Background(), make([]float32, dim), 1)
	assert.ErrorIs(t, err, ErrClosed)
}
