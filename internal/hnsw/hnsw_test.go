package hnsw

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomVectors(rng *rand.Rand, n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func newIndex(t *testing.T, dim, capacity int) *HNSW {
	t.Helper()
	h, err := New(func(o *Options) {
		o.Dimension = dim
		o.MaxElements = capacity
		o.EFSearch = 100
		o.Seed = 42
	})
	require.NoError(t, err)
	return h
}

func TestExactVectorIsTopOne(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	for _, size := range []int{1, 2, 3, 10, 64, 300} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			h := newIndex(t, 16, size)
			vecs := randomVectors(rng, size, 16)
			for i, v := range vecs {
				require.NoError(t, h.Insert(ctx, fmt.Sprintf("k%d", i), v))
			}
			require.Equal(t, size, h.Len())

			for i, v := range vecs {
				res, err := h.Search(ctx, v, 1, 0)
				require.NoError(t, err)
				require.Len(t, res, 1)
				assert.Equal(t, fmt.Sprintf("k%d", i), res[0].Key)
				assert.InDelta(t, 0, res[0].Distance, 1e-4)
			}

			err := h.Insert(ctx, "overflow", vecs[0])
			assert.ErrorIs(t, err, ErrCapacityExceeded)
		})
	}
}

func TestSearchOrderingAndRecall(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(2))
	h := newIndex(t, 32, 2000)

	vecs := randomVectors(rng, 2000, 32)
	for i, v := range vecs {
		require.NoError(t, h.Insert(ctx, fmt.Sprintf("k%d", i), v))
	}

	var hits, total int
	for _, q := range randomVectors(rng, 50, 32) {
		res, err := h.Search(ctx, q, 10, 0)
		require.NoError(t, err)
		require.Len(t, res, 10)
		for i := 1; i < len(res); i++ {
			assert.LessOrEqual(t, res[i-1].Distance, res[i].Distance)
		}

		exact, err := h.BruteSearch(ctx, q, 10)
		require.NoError(t, err)
		want := make(map[string]struct{}, len(exact))
		for _, r := range exact {
			want[r.Key] = struct{}{}
		}
		for _, r := range res {
			if _, ok := want[r.Key]; ok {
				hits++
			}
		}
		total += len(exact)
	}
	recall := float64(hits) / float64(total)
	assert.Greater(t, recall, 0.9, "recall@10")
}

func TestDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	h := newIndex(t, 4, 10)

	err := h.Insert(ctx, "a", []float32{1, 2, 3})
	var dm *ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 4, dm.Expected)
	assert.Equal(t, 3, dm.Actual)
	assert.Equal(t, 0, h.Len())

	_, err = h.Search(ctx, []float32{1, 2, 3, 4, 5}, 1, 0)
	require.ErrorAs(t, err, &dm)
}

func TestInvalidInput(t *testing.T) {
	ctx := context.Background()
	_, err := New(func(o *Options) { o.Dimension = 0 })
	var id *ErrInvalidDimension
	assert.ErrorAs(t, err, &id)

	h := newIndex(t, 2, 10)
	assert.ErrorIs(t, h.Insert(ctx, "z", []float32{0, 0}), ErrZeroVector)

	_, err = h.Search(ctx, []float32{1, 0}, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidK)

	res, err := h.Search(ctx, []float32{1, 0}, 3, 0)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))
	h := newIndex(t, 8, 3)

	vecs := randomVectors(rng, 3, 8)
	for i, v := range vecs {
		require.NoError(t, h.Insert(ctx, fmt.Sprintf("k%d", i), v))
	}
	assert.ErrorIs(t, h.Insert(ctx, "k3", vecs[0]), ErrCapacityExceeded)

	require.NoError(t, h.Remove(ctx, "k1"))
	assert.ErrorIs(t, h.Remove(ctx, "k1"), ErrNotFound)
	assert.False(t, h.Contains("k1"))
	assert.Equal(t, 2, h.Len())

	res, err := h.Search(ctx, vecs[1], 3, 0)
	require.NoError(t, err)
	for _, r := range res {
		assert.NotEqual(t, "k1", r.Key)
	}

	// Space freed by the removal is usable again.
	require.NoError(t, h.Insert(ctx, "k3", vecs[1]))
	assert.ElementsMatch(t, []string{"k0", "k2", "k3"}, h.Keys())
}

func TestInsertReplacesExistingKey(t *testing.T) {
	ctx := context.Background()
	h := newIndex(t, 2, 1)

	require.NoError(t, h.Insert(ctx, "a", []float32{1, 0}))
	require.NoError(t, h.Insert(ctx, "a", []float32{0, 1}))
	assert.Equal(t, 1, h.Len())

	res, err := h.Search(ctx, []float32{0, 1}, 1, 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "a", res[0].Key)
	assert.InDelta(t, 0, res[0].Distance, 1e-4)
}

func TestCompaction(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(4))
	h, err := New(func(o *Options) {
		o.Dimension = 8
		o.Seed = 9
		o.CompactThreshold = 0.5
	})
	require.NoError(t, err)

	vecs := randomVectors(rng, 200, 8)
	for i, v := range vecs {
		require.NoError(t, h.Insert(ctx, fmt.Sprintf("k%d", i), v))
	}
	for i := 0; i < 90; i++ {
		require.NoError(t, h.Remove(ctx, fmt.Sprintf("k%d", i)))
	}
	assert.Greater(t, h.TombstoneRatio(), 0.4)

	for i := 90; i < 110; i++ {
		require.NoError(t, h.Remove(ctx, fmt.Sprintf("k%d", i)))
	}
	// The 101st removal crossed the threshold and started a rebuild; the
	// nine removals after it are fresh tombstones.
	h.waitRebuild()
	assert.Equal(t, 90, h.Len())
	assert.Equal(t, 99, h.Stats().Nodes)
	assert.InDelta(t, 9.0/99.0, h.TombstoneRatio(), 1e-9)

	for i := 110; i < 200; i++ {
		res, err := h.Search(ctx, vecs[i], 1, 0)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, fmt.Sprintf("k%d", i), res[0].Key)
	}

	require.NoError(t, h.Remove(ctx, "k150"))
	require.NoError(t, h.Compact(ctx))
	assert.Equal(t, 89, h.Stats().Nodes)
}

func TestRebuildDoesNotBlockSearch(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(12))
	h, err := New(func(o *Options) {
		o.Dimension = 8
		o.Seed = 3
		o.CompactThreshold = 0.5
	})
	require.NoError(t, err)

	vecs := randomVectors(rng, 201, 8)
	for i, v := range vecs[:200] {
		require.NoError(t, h.Insert(ctx, fmt.Sprintf("k%d", i), v))
	}

	building := make(chan struct{})
	release := make(chan struct{})
	h.onRebuild = func() {
		close(building)
		<-release
	}

	for i := 0; i <= 100; i++ {
		require.NoError(t, h.Remove(ctx, fmt.Sprintf("k%d", i)))
	}
	<-building

	// The rebuild is parked outside the lock: searches and writes proceed.
	searched := make(chan struct{})
	go func() {
		defer close(searched)
		res, err := h.Search(ctx, vecs[150], 1, 0)
		assert.NoError(t, err)
		if assert.Len(t, res, 1) {
			assert.Equal(t, "k150", res[0].Key)
		}
	}()
	select {
	case <-searched:
	case <-time.After(5 * time.Second):
		t.Fatal("search blocked by rebuild")
	}

	require.NoError(t, h.Insert(ctx, "late", vecs[200]))
	require.NoError(t, h.Remove(ctx, "k160"))
	require.NoError(t, h.Insert(ctx, "k170", vecs[0]))

	close(release)
	h.waitRebuild()

	assert.Equal(t, 99, h.Len())
	assert.True(t, h.Contains("late"))
	assert.False(t, h.Contains("k160"))

	res, err := h.Search(ctx, vecs[200], 1, 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "late", res[0].Key)

	res, err = h.Search(ctx, vecs[0], 1, 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "k170", res[0].Key, "the replaced vector survives the swap")
}

func TestConcurrentInsertAndSearch(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(5))
	h := newIndex(t, 16, 10_000)

	vecs := randomVectors(rng, 800, 16)
	for i := 0; i < 100; i++ {
		require.NoError(t, h.Insert(ctx, fmt.Sprintf("k%d", i), vecs[i]))
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 100 + w; i < len(vecs); i += 4 {
				assert.NoError(t, h.Insert(ctx, fmt.Sprintf("k%d", i), vecs[i]))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				res, err := h.Search(ctx, vecs[i%100], 5, 0)
				assert.NoError(t, err)
				assert.NotEmpty(t, res)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, len(vecs), h.Len())
}

func TestContextCancelled(t *testing.T) {
	h := newIndex(t, 2, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, h.Insert(ctx, "a", []float32{1, 0}), context.Canceled)
	_, err := h.Search(ctx, []float32{1, 0}, 1, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(6))
	h := newIndex(t, 8, 100)
	for i, v := range randomVectors(rng, 50, 8) {
		require.NoError(t, h.Insert(ctx, fmt.Sprintf("k%d", i), v))
	}
	require.NoError(t, h.Remove(ctx, "k0"))

	st := h.Stats()
	assert.Equal(t, 50, st.Nodes)
	assert.Equal(t, 49, st.Live)
	assert.Equal(t, 1, st.Tombstones)
	require.NotEmpty(t, st.Levels)
	assert.Equal(t, 50, st.Levels[0].Nodes)
	assert.Greater(t, st.Levels[0].AvgConnections, 0.0)
}
