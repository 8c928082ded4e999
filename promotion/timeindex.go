package promotion

import (
	"sync"
	"time"

	"github.com/google/btree"
)

type timeKey struct {
	at int64
	id string
}

func timeKeyLess(a, b timeKey) bool {
	if a.at != b.at {
		return a.at < b.at
	}
	return a.id < b.id
}

type times struct {
	created  int64
	accessed int64
}

// TimeIndex orders the records of one tier by creation and by last access
// so that a cycle can read the oldest slice without scanning the tier.
// It is safe for concurrent use.
type TimeIndex struct {
	mu       sync.RWMutex
	created  *btree.BTreeG[timeKey]
	accessed *btree.BTreeG[timeKey]
	byID     map[string]times
}

// NewTimeIndex returns an empty index.
func NewTimeIndex() *TimeIndex {
	return &TimeIndex{
		created:  btree.NewG(32, timeKeyLess),
		accessed: btree.NewG(32, timeKeyLess),
		byID:     make(map[string]times),
	}
}

// Add inserts id, replacing any previous entry for it.
func (ti *TimeIndex) Add(id string, created, accessed time.Time) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	ti.removeLocked(id)
	t := times{created: created.UnixNano(), accessed: accessed.UnixNano()}
	ti.byID[id] = t
	ti.created.ReplaceOrInsert(timeKey{at: t.created, id: id})
	ti.accessed.ReplaceOrInsert(timeKey{at: t.accessed, id: id})
}

// Remove deletes id and reports whether it was present.
func (ti *TimeIndex) Remove(id string) bool {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.removeLocked(id)
}

func (ti *TimeIndex) removeLocked(id string) bool {
	t, ok := ti.byID[id]
	if !ok {
		return false
	}
	delete(ti.byID, id)
	ti.created.Delete(timeKey{at: t.created, id: id})
	ti.accessed.Delete(timeKey{at: t.accessed, id: id})
	return true
}

// Touch moves id's last access to at. Unknown ids and timestamps older
// than the recorded one are ignored.
func (ti *TimeIndex) Touch(id string, at time.Time) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	t, ok := ti.byID[id]
	if !ok || at.UnixNano() <= t.accessed {
		return
	}
	ti.accessed.Delete(timeKey{at: t.accessed, id: id})
	t.accessed = at.UnixNano()
	ti.byID[id] = t
	ti.accessed.ReplaceOrInsert(timeKey{at: t.accessed, id: id})
}

// Oldest returns up to n ids by ascending creation time.
func (ti *TimeIndex) Oldest(n int) []string {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return firstN(ti.created, n)
}

// LeastRecent returns up to n ids by ascending last access time.
func (ti *TimeIndex) LeastRecent(n int) []string {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return firstN(ti.accessed, n)
}

// Contains reports whether id is indexed.
func (ti *TimeIndex) Contains(id string) bool {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	_, ok := ti.byID[id]
	return ok
}

// Len returns the number of indexed ids.
func (ti *TimeIndex) Len() int {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return len(ti.byID)
}

func firstN(tr *btree.BTreeG[timeKey], n int) []string {
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, min(n, tr.Len()))
	tr.Ascend(func(k timeKey) bool {
		out = append(out, k.id)
		return len(out) < n
	})
	return out
}
