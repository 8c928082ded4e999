package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memtier/internal/fs"
	"github.com/hupe1980/memtier/internal/wal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func vec(v float32) []float32 { return []float32{v, v + 1, v + 2, v + 3} }

func TestKey(t *testing.T) {
	assert.Equal(t, Key("m", "hello"), Key("m", "hello"))
	assert.NotEqual(t, Key("m1", "hello"), Key("m2", "hello"))
	assert.NotEqual(t, Key("m", "hello"), Key("m", "hello!"))
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"))
	assert.Len(t, Key("m", "x"), 64)
}

func TestPutGetDelete(t *testing.T) {
	c, err := Open(Options{})
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get("a")
	assert.False(t, ok)

	require.NoError(t, c.Put("a", vec(1)))
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, vec(1), got)

	// Replacing keeps a single entry.
	require.NoError(t, c.Put("a", vec(2)))
	got, _ = c.Get("a")
	assert.Equal(t, vec(2), got)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, entrySize("a", vec(2)), c.Stats().Bytes)

	removed, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = c.Delete("a")
	require.NoError(t, err)
	assert.False(t, removed)

	st := c.Stats()
	assert.Equal(t, int64(2), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Zero(t, st.Entries)
	assert.Zero(t, st.Bytes)
	assert.InDelta(t, 2.0/3.0, st.HitRate(), 1e-9)
}

func TestPutCopiesInput(t *testing.T) {
	c, err := Open(Options{})
	require.NoError(t, err)
	defer c.Close()

	in := vec(1)
	require.NoError(t, c.Put("a", in))
	in[0] = 100
	got, _ := c.Get("a")
	assert.Equal(t, float32(1), got[0])
}

func TestTTL(t *testing.T) {
	clock := newFakeClock()
	c, err := Open(Options{TTL: time.Minute, Now: clock.Now})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put("a", vec(1)))
	clock.Advance(40 * time.Second)

	// A hit does not extend the lifetime.
	_, ok := c.Get("a")
	require.True(t, ok)
	clock.Advance(30 * time.Second)

	_, ok = c.Get("a")
	assert.False(t, ok, "stale entries are invisible")
	assert.Equal(t, 1, c.Len(), "stale entries stay until swept")

	require.NoError(t, c.Put("b", vec(2)))
	assert.Equal(t, 1, c.Sweep(clock.Now()))
	assert.Equal(t, 1, c.Len())
	_, ok = c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Expirations)
}

func TestBudgetEviction(t *testing.T) {
	size := entrySize("k00", vec(0))
	c, err := Open(Options{MaxBytes: 3 * size})
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Put(fmt.Sprintf("k%02d", i), vec(float32(i))))
		assert.LessOrEqual(t, c.Stats().Bytes, 3*size)
	}
	st := c.Stats()
	assert.Equal(t, int64(3), st.Entries)
	assert.Equal(t, int64(7), st.Evictions)

	c.SetBudget(size)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, size, c.Budget())

	// Entries larger than the budget are not cached.
	require.NoError(t, c.Put("big", make([]float32, 1024)))
	_, ok := c.Get("big")
	assert.False(t, ok)
}

func TestEvictionWithinShardIsLRU(t *testing.T) {
	c, err := Open(Options{})
	require.NoError(t, err)
	defer c.Close()

	// Collect three keys that land in the same shard.
	var keys []string
	target := c.shard("seed")
	for i := 0; len(keys) < 3; i++ {
		k := fmt.Sprintf("key-%d", i)
		if c.shard(k) == target {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		require.NoError(t, c.Put(k, vec(1)))
	}
	_, ok := c.Get(keys[0])
	require.True(t, ok)

	target.mu.Lock()
	e := target.popBack()
	target.mu.Unlock()
	require.NotNil(t, e)
	assert.Equal(t, keys[1], e.key)
}

func TestEvictionIsGlobalLRU(t *testing.T) {
	size := entrySize("k00", vec(0))
	c, err := Open(Options{MaxBytes: 5 * size})
	require.NoError(t, err)
	defer c.Close()

	for i := range 5 {
		require.NoError(t, c.Put(fmt.Sprintf("k%02d", i), vec(float32(i))))
	}
	_, ok := c.Get("k00")
	require.True(t, ok)

	require.NoError(t, c.Put("k05", vec(5)))
	require.NoError(t, c.Put("k06", vec(6)))

	for _, k := range []string{"k01", "k02"} {
		_, ok := c.Get(k)
		assert.False(t, ok, "%s was least recently used", k)
	}
	for _, k := range []string{"k00", "k03", "k04", "k05", "k06"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
}

func TestEvictionsSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evict.wal")
	size := entrySize("k00", vec(0))
	clock := newFakeClock()

	c, err := Open(Options{Path: path, MaxBytes: 5 * size, Now: clock.Now})
	require.NoError(t, err)
	for i := range 20 {
		require.NoError(t, c.Put(fmt.Sprintf("k%02d", i), vec(float32(i))))
		clock.Advance(time.Second)
	}
	assert.Equal(t, int64(15), c.Stats().Evictions)
	require.NoError(t, c.Close())

	want := []string{"k15", "k16", "k17", "k18", "k19"}
	for _, budget := range []int64{5 * size, 100 * size} {
		c2, err := Open(Options{Path: path, MaxBytes: budget, Now: clock.Now})
		require.NoError(t, err)
		assert.Equal(t, 5, c2.Len(), "budget %d", budget)
		for _, k := range want {
			_, ok := c2.Get(k)
			assert.True(t, ok, k)
		}
		_, ok := c2.Get("k00")
		assert.False(t, ok)
		require.NoError(t, c2.Close())
	}
}

func TestSweepIsLogged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.wal")
	clock := newFakeClock()

	c, err := Open(Options{Path: path, TTL: time.Hour, Now: clock.Now})
	require.NoError(t, err)
	require.NoError(t, c.Put("a", vec(1)))
	clock.Advance(2 * time.Hour)
	require.NoError(t, c.Put("b", vec(2)))
	assert.Equal(t, 1, c.Sweep(clock.Now()))
	require.NoError(t, c.Close())

	c2, err := Open(Options{Path: path, TTL: time.Hour, Now: clock.Now})
	require.NoError(t, err)
	defer c2.Close()
	assert.Equal(t, 3, c2.Recovery().Records)
	assert.Equal(t, 1, c2.Len())
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.wal")

	c, err := Open(Options{Path: path})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Put(fmt.Sprintf("k%d", i), vec(float32(i))))
	}
	_, err = c.Delete("k2")
	require.NoError(t, err)
	require.NoError(t, c.Put("k0", vec(10)))
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Close(), ErrClosed)
	assert.ErrorIs(t, c.Put("x", vec(1)), ErrClosed)

	c2, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer c2.Close()

	assert.Equal(t, 4, c2.Len())
	got, ok := c2.Get("k0")
	require.True(t, ok)
	assert.Equal(t, vec(10), got)
	_, ok = c2.Get("k2")
	assert.False(t, ok)
	assert.Equal(t, 7, c2.Recovery().Records)
}

func TestReplaySkipsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttl.wal")
	clock := newFakeClock()

	c, err := Open(Options{Path: path, TTL: time.Hour, Now: clock.Now})
	require.NoError(t, err)
	require.NoError(t, c.Put("old", vec(1)))
	clock.Advance(50 * time.Minute)
	require.NoError(t, c.Put("new", vec(2)))
	require.NoError(t, c.Close())

	clock.Advance(20 * time.Minute)
	c2, err := Open(Options{Path: path, TTL: time.Hour, Now: clock.Now})
	require.NoError(t, err)
	defer c2.Close()

	assert.Equal(t, 1, c2.Len())
	_, ok := c2.Get("new")
	assert.True(t, ok)
}

func TestCrashDuringPutKeepsEarlierEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.wal")
	rec := &wal.Record{Type: wal.RecordTypePut, Key: "k0", Vector: vec(0)}

	ffs := fs.NewFaultyFS(nil)
	// Header plus two records fit; the third put is torn.
	ffs.AddRule("crash.wal", fs.Fault{FailAfterBytes: int64(12 + 2*rec.Size() + 20)})

	c, err := Open(Options{Path: path, FS: ffs})
	require.NoError(t, err)
	require.NoError(t, c.Put("k0", vec(0)))
	require.NoError(t, c.Put("k1", vec(1)))

	err = c.Put("k2", vec(2))
	require.ErrorIs(t, err, fs.ErrInjected)
	_, ok := c.Get("k2")
	assert.False(t, ok, "unacknowledged put must not be visible")
	assert.Equal(t, int64(1), c.Stats().PersistErrors)
	_ = c.Close()

	c2, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer c2.Close()

	assert.Equal(t, int64(20), c2.Recovery().TruncatedBytes)
	assert.Equal(t, 2, c2.Len())
	for _, k := range []string{"k0", "k1"} {
		_, ok := c2.Get(k)
		assert.True(t, ok, k)
	}

	// The recovered log accepts new writes.
	require.NoError(t, c2.Put("k2", vec(2)))
}

func TestCompact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compact.wal")
	c, err := Open(Options{Path: path, MinCompactBytes: 1 << 40})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, c.Put("same", vec(float32(i))))
	}
	require.NoError(t, c.Put("other", vec(7)))
	before := c.Stats().LogBytes

	require.NoError(t, c.Compact())
	after := c.Stats().LogBytes
	assert.Less(t, after, before/10)
	assert.Equal(t, int64(1), c.Stats().Compactions)
	require.NoError(t, c.Close())

	c2, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer c2.Close()
	got, ok := c2.Get("same")
	require.True(t, ok)
	assert.Equal(t, vec(99), got)
	assert.Equal(t, 2, c2.Len())
}

func TestAutomaticCompaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auto.wal")
	c, err := Open(Options{Path: path, MinCompactBytes: 512, Durability: wal.DurabilityAsync})
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		require.NoError(t, c.Put("same", vec(float32(i))))
	}
	require.NoError(t, c.Close())
	assert.Greater(t, c.Stats().Compactions, int64(0))

	st, err := os.Stat(path)
	require.NoError(t, err)
	rec := &wal.Record{Type: wal.RecordTypePut, Key: "same", Vector: vec(0)}
	assert.Less(t, st.Size(), int64(200*rec.Size()))

	c2, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer c2.Close()
	got, ok := c2.Get("same")
	require.True(t, ok)
	assert.Equal(t, vec(199), got)
}

func TestGetOrComputeCollapsesMisses(t *testing.T) {
	c, err := Open(Options{})
	require.NoError(t, err)
	defer c.Close()

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(ctx context.Context) ([]float32, error) {
		calls.Add(1)
		<-release
		return vec(5), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "k", compute)
			assert.NoError(t, err)
			assert.Equal(t, vec(5), v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, vec(5), got)
}

func TestGetOrComputeError(t *testing.T) {
	c, err := Open(Options{})
	require.NoError(t, err)
	defer c.Close()

	boom := errors.New("provider down")
	_, err = c.GetOrCompute(context.Background(), "k", func(context.Context) ([]float32, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.GetOrCompute(ctx, "k2", func(ctx context.Context) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetOrComputeAbandonedIsNotCached(t *testing.T) {
	c, err := Open(Options{Path: filepath.Join(t.TempDir(), "abandon.wal")})
	require.NoError(t, err)
	defer c.Close()

	slow := func(context.Context) ([]float32, error) {
		time.Sleep(100 * time.Millisecond)
		return vec(1), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.GetOrCompute(ctx, "k", slow)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Never(t, func() bool { return c.Len() != 0 }, 250*time.Millisecond, 10*time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestGetOrComputeWaiterOutlivesLeader(t *testing.T) {
	c, err := Open(Options{})
	require.NoError(t, err)
	defer c.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(context.Context) ([]float32, error) {
		close(started)
		<-release
		return vec(3), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(ctx, "k", compute)
		leaderDone <- err
	}()
	<-started

	waiterDone := make(chan []float32, 1)
	go func() {
		v, err := c.GetOrCompute(context.Background(), "k", compute)
		assert.NoError(t, err)
		waiterDone <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-leaderDone, context.Canceled)
	close(release)

	assert.Equal(t, vec(3), <-waiterDone)
	assert.Equal(t, 0, c.Len(), "an abandoned leader does not cache its result")
}

func TestConcurrentAccess(t *testing.T) {
	c, err := Open(Options{MaxBytes: 50 * entrySize("k-00", vec(0))})
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := fmt.Sprintf("k-%02d", (i*7+w)%100)
				switch i % 3 {
				case 0:
					assert.NoError(t, c.Put(k, vec(float32(i))))
				case 1:
					c.Get(k)
				default:
					_, err := c.Delete(k)
					assert.NoError(t, err)
				}
			}
		}(w)
	}
	wg.Wait()

	st := c.Stats()
	assert.LessOrEqual(t, st.Bytes, st.BudgetBytes)
	assert.Equal(t, int64(c.Len()), st.Entries)
}
