package cache

import (
	"cmp"
	"errors"
	"io"
	"slices"
	"time"

	"github.com/hupe1980/memtier/internal/wal"
)

// replay rebuilds the in-memory state from the log. Entries already expired
// are skipped; the budget is enforced once at the end, so the entries logged
// last survive.
func (c *Cache) replay() error {
	r, err := c.log.Reader()
	if err != nil {
		return err
	}
	defer r.Close()

	now := c.opts.Now()
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Open already truncated the log at the last valid record.
			return err
		}

		switch rec.Type {
		case wal.RecordTypePut:
			created := time.Unix(0, rec.CreatedAt)
			e := &entry{
				key:       rec.Key,
				vector:    rec.Vector,
				createdAt: created,
				size:      entrySize(rec.Key, rec.Vector),
				logSize:   int64(rec.Size()),
			}
			if c.expired(e, now) {
				c.removeQuiet(rec.Key)
				continue
			}
			c.insert(e)
		case wal.RecordTypeDelete:
			c.removeQuiet(rec.Key)
		}
	}

	// The log already holds the deletes of earlier evictions; anything
	// evicted here is due to a smaller budget and is re-derived each replay.
	c.evict(false)
	return nil
}

func (c *Cache) removeQuiet(key string) {
	s := c.shard(key)
	s.mu.Lock()
	e := s.remove(key)
	s.mu.Unlock()
	if e != nil {
		c.dropped(e)
	}
}

// Recovery reports what replay found in the log.
func (c *Cache) Recovery() wal.Recovery {
	return c.recovery
}

func (c *Cache) needsCompaction() bool {
	if c.log == nil {
		return false
	}
	size := c.log.Size()
	return size >= c.opts.MinCompactBytes &&
		float64(size) > c.opts.CompactRatio*float64(c.liveLogBytes.Load())
}

func (c *Cache) maybeCompact() {
	if !c.needsCompaction() || !c.compacting.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.compacting.Store(false)
		_ = c.Compact()
	}()
}

// Compact rewrites the log with one put per live entry, least recently used
// first, so a replay restores the current LRU order. Stale entries are
// dropped.
func (c *Cache) Compact() error {
	if c.log == nil {
		return nil
	}

	c.logMu.Lock()
	defer c.logMu.Unlock()

	now := c.opts.Now()
	type stamped struct {
		*entry
		used uint64
	}
	var entries []stamped
	for _, s := range c.shards {
		s.mu.Lock()
		for el := s.lru.Back(); el != nil; el = el.Prev() {
			if e := el.Value.(*entry); !c.expired(e, now) {
				entries = append(entries, stamped{e, e.used})
			}
		}
		s.mu.Unlock()
	}
	slices.SortFunc(entries, func(a, b stamped) int {
		return cmp.Compare(a.used, b.used)
	})

	var live int64
	err := c.log.Rewrite(func(emit func(*wal.Record) error) error {
		live = 0
		for _, e := range entries {
			rec := &wal.Record{
				Type:      wal.RecordTypePut,
				Key:       e.key,
				Vector:    e.vector,
				CreatedAt: e.createdAt.UnixNano(),
			}
			if err := emit(rec); err != nil {
				return err
			}
			live += int64(rec.Size())
		}
		return nil
	})
	if err != nil {
		c.persistErrors.Add(1)
		return err
	}
	c.compactions.Add(1)
	c.liveLogBytes.Store(live)
	return nil
}

// Sync forces buffered log writes to stable storage.
func (c *Cache) Sync() error {
	if c.log == nil {
		return nil
	}
	c.logMu.RLock()
	defer c.logMu.RUnlock()
	return c.log.Sync()
}

// CopyLog writes a consistent copy of the log to w. Cache writes wait
// until it completes.
func (c *Cache) CopyLog(w io.Writer) (int64, error) {
	if c.log == nil {
		return 0, nil
	}
	c.logMu.Lock()
	defer c.logMu.Unlock()
	return c.log.CopyTo(w)
}
