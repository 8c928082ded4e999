package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/memtier/internal/fs"
	"github.com/hupe1980/memtier/internal/wal"
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache: closed")

// Options configures a Cache.
type Options struct {
	// MaxBytes is the global byte budget. Zero means 64 MiB.
	MaxBytes int64

	// TTL is the entry lifetime measured from insertion. Zero disables expiry.
	TTL time.Duration

	// Path is the log file. Empty keeps the cache in memory only.
	Path string
	FS   fs.FileSystem
	// Durability zero value is wal.DurabilityAsync.
	Durability wal.Durability

	// CompactRatio triggers a log rewrite once the log is this many times
	// larger than the live entries it holds. Zero means 2.
	CompactRatio float64
	// MinCompactBytes suppresses rewrites of small logs. Zero means 1 MiB.
	MinCompactBytes int64

	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		MaxBytes:        64 << 20,
		CompactRatio:    2,
		MinCompactBytes: 1 << 20,
	}
}

// Cache is a sharded, budgeted, optionally persistent embedding cache.
// Returned vectors are shared and must not be modified.
type Cache struct {
	opts   Options
	seed   maphash.Seed
	shards [numShards]*shard

	maxBytes    atomic.Int64
	bytes       atomic.Int64
	entries     atomic.Int64
	tick        atomic.Uint64

	// logMu orders log appends with in-memory mutations against Compact:
	// mutations hold it shared, Compact exclusively. Within it, a shard's
	// mutex is held across the append so log order matches memory per key.
	logMu        sync.RWMutex
	log          *wal.WAL
	liveLogBytes atomic.Int64
	compacting   atomic.Bool
	recovery     wal.Recovery

	group singleflight.Group
	wg    sync.WaitGroup

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	expirations   atomic.Int64
	persistErrors atomic.Int64
	compactions   atomic.Int64

	closed atomic.Bool
}

// Open creates a cache and, when opts.Path is set, replays its log.
func Open(opts Options) (*Cache, error) {
	def := DefaultOptions()
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = def.MaxBytes
	}
	if opts.CompactRatio <= 1 {
		opts.CompactRatio = def.CompactRatio
	}
	if opts.MinCompactBytes <= 0 {
		opts.MinCompactBytes = def.MinCompactBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}

	c := &Cache{
		opts: opts,
		seed: maphash.MakeSeed(),
	}
	for i := range c.shards {
		c.shards[i] = newShard()
	}
	c.maxBytes.Store(opts.MaxBytes)

	if opts.Path != "" {
		if err := opts.FS.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		log, err := wal.Open(opts.FS, opts.Path, wal.Options{Durability: opts.Durability})
		if err != nil {
			return nil, fmt.Errorf("cache: open log: %w", err)
		}
		c.log = log
		c.recovery = log.Recovery()
		if err := c.replay(); err != nil {
			_ = log.Close()
			return nil, fmt.Errorf("cache: replay: %w", err)
		}
	}
	return c, nil
}

func (c *Cache) shard(key string) *shard {
	return c.shards[maphash.String(c.seed, key)%numShards]
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return c.opts.TTL > 0 && now.Sub(e.createdAt) >= c.opts.TTL
}

// Get returns the vector for key. Stale entries are reported as misses.
func (c *Cache) Get(key string) ([]float32, bool) {
	now := c.opts.Now()
	s := c.shard(key)

	s.mu.Lock()
	el, ok := s.items[key]
	if !ok || c.expired(el.Value.(*entry), now) {
		s.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	e := el.Value.(*entry)
	e.used = c.tick.Add(1)
	s.lru.MoveToFront(el)
	s.mu.Unlock()

	c.hits.Add(1)
	return e.vector, true
}

// Put stores vec under key. The entry is logged before it becomes visible.
// Entries larger than the whole budget are not cached.
func (c *Cache) Put(key string, vec []float32) error {
	if c.closed.Load() {
		return ErrClosed
	}

	now := c.opts.Now()
	e := &entry{
		key:       key,
		vector:    append([]float32(nil), vec...),
		createdAt: now,
		size:      entrySize(key, vec),
	}
	if e.size > c.maxBytes.Load() {
		return nil
	}

	s := c.shard(key)
	c.logMu.RLock()
	s.mu.Lock()
	if c.log != nil {
		rec := &wal.Record{Type: wal.RecordTypePut, Key: key, Vector: e.vector, CreatedAt: now.UnixNano()}
		if err := c.log.Append(rec); err != nil {
			s.mu.Unlock()
			c.logMu.RUnlock()
			c.persistErrors.Add(1)
			return fmt.Errorf("cache: log put: %w", err)
		}
		e.logSize = int64(rec.Size())
	}
	e.used = c.tick.Add(1)
	old := s.set(e)
	s.mu.Unlock()
	c.account(e, old)
	c.logMu.RUnlock()

	c.EvictIfOverBudget()
	c.maybeCompact()
	return nil
}

// insert adds e without logging it.
func (c *Cache) insert(e *entry) {
	s := c.shard(e.key)
	s.mu.Lock()
	e.used = c.tick.Add(1)
	old := s.set(e)
	s.mu.Unlock()
	c.account(e, old)
}

func (c *Cache) account(e, old *entry) {
	c.bytes.Add(e.size)
	c.liveLogBytes.Add(e.logSize)
	if old != nil {
		c.bytes.Add(-old.size)
		c.liveLogBytes.Add(-old.logSize)
	} else {
		c.entries.Add(1)
	}
}

func (c *Cache) dropped(e *entry) {
	c.bytes.Add(-e.size)
	c.liveLogBytes.Add(-e.logSize)
	c.entries.Add(-1)
}

// logDelete appends a delete record for key. The caller holds logMu shared
// and the key's shard mutex.
func (c *Cache) logDelete(key string) error {
	if err := c.log.Append(&wal.Record{Type: wal.RecordTypeDelete, Key: key}); err != nil {
		c.persistErrors.Add(1)
		return fmt.Errorf("cache: log delete: %w", err)
	}
	return nil
}

// Delete removes key. It reports whether an entry was present.
func (c *Cache) Delete(key string) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}
	s := c.shard(key)

	c.logMu.RLock()
	defer c.logMu.RUnlock()

	s.mu.Lock()
	if _, ok := s.items[key]; !ok {
		s.mu.Unlock()
		return false, nil
	}
	if c.log != nil {
		if err := c.logDelete(key); err != nil {
			s.mu.Unlock()
			return false, err
		}
	}
	e := s.remove(key)
	s.mu.Unlock()

	c.dropped(e)
	return true, nil
}

// flight tracks whether the caller that led a compute has given up on it.
type flight struct {
	mu        sync.Mutex
	abandoned bool
	stored    bool
}

// GetOrCompute returns the cached vector for key or calls compute and caches
// its result. Concurrent misses on the same key share one compute call.
// A failure to persist the computed vector is counted, not returned.
//
// If the leading caller's ctx ends before compute returns, the result is
// handed to any waiting callers but not cached.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) ([]float32, error)) ([]float32, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	f := &flight{}
	ch := c.group.DoChan(key, func() (any, error) {
		if v, ok := c.peek(key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.abandoned && ctx.Err() == nil {
			f.stored = c.Put(key, v) == nil // persist failures show up in Stats
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		f.mu.Lock()
		f.abandoned = true
		stored := f.stored
		f.mu.Unlock()
		if stored {
			_, _ = c.Delete(key)
		}
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	}
}

// peek is Get without touching recency or statistics.
func (c *Cache) peek(key string) ([]float32, bool) {
	now := c.opts.Now()
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if !ok || c.expired(el.Value.(*entry), now) {
		return nil, false
	}
	return el.Value.(*entry).vector, true
}

// SetBudget changes the byte budget and evicts down to it.
func (c *Cache) SetBudget(maxBytes int64) {
	if maxBytes <= 0 {
		return
	}
	c.maxBytes.Store(maxBytes)
	c.EvictIfOverBudget()
}

// Budget returns the current byte budget.
func (c *Cache) Budget() int64 {
	return c.maxBytes.Load()
}

// EvictIfOverBudget evicts the least recently used entries across all
// shards until the cache fits its budget. Evictions are logged, so a replay
// restores the same set. It returns the number of entries removed.
func (c *Cache) EvictIfOverBudget() int {
	c.logMu.RLock()
	defer c.logMu.RUnlock()
	return c.evict(c.log != nil && !c.closed.Load())
}

// evict is EvictIfOverBudget for callers that hold logMu or own the cache.
func (c *Cache) evict(logged bool) int {
	now := c.opts.Now()
	removed := 0
	for c.bytes.Load() > c.maxBytes.Load() {
		s, victim := c.oldestTail()
		if victim == nil {
			break
		}

		s.mu.Lock()
		if s.tail() != victim {
			// Touched or replaced since the scan.
			s.mu.Unlock()
			continue
		}
		if logged {
			_ = c.logDelete(victim.key) // counted in persistErrors
		}
		s.popBack()
		s.mu.Unlock()

		c.dropped(victim)
		if c.expired(victim, now) {
			c.expirations.Add(1)
		} else {
			c.evictions.Add(1)
		}
		removed++
	}
	return removed
}

// oldestTail returns the shard whose LRU tail is the least recently used
// entry in the cache.
func (c *Cache) oldestTail() (*shard, *entry) {
	var (
		best   *shard
		victim *entry
		oldest uint64
	)
	for _, s := range c.shards {
		s.mu.Lock()
		e := s.tail()
		var used uint64
		if e != nil {
			used = e.used
		}
		s.mu.Unlock()
		if e != nil && (victim == nil || used < oldest) {
			best, victim, oldest = s, e, used
		}
	}
	return best, victim
}

// Sweep removes every entry whose TTL elapsed at now and returns the count.
// Removals are logged like evictions.
func (c *Cache) Sweep(now time.Time) int {
	if c.opts.TTL <= 0 {
		return 0
	}
	c.logMu.RLock()
	defer c.logMu.RUnlock()
	logged := c.log != nil && !c.closed.Load()

	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for el := s.lru.Back(); el != nil; {
			prev := el.Prev()
			e := el.Value.(*entry)
			if c.expired(e, now) {
				if logged {
					_ = c.logDelete(e.key)
				}
				s.lru.Remove(el)
				delete(s.items, e.key)
				c.dropped(e)
				removed++
			}
			el = prev
		}
		s.mu.Unlock()
	}
	c.expirations.Add(int64(removed))
	return removed
}

// Len returns the number of entries, stale ones included.
func (c *Cache) Len() int {
	return int(c.entries.Load())
}

// Close waits for background compaction and closes the log.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	c.wg.Wait()

	c.logMu.Lock()
	defer c.logMu.Unlock()
	if c.log != nil {
		return c.log.Close()
	}
	return nil
}
