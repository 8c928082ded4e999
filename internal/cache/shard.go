package cache

import (
	"container/list"
	"sync"
	"time"
)

const numShards = 16

// entryOverhead approximates the map, list element and header cost of an entry.
const entryOverhead = 96

type entry struct {
	key       string
	vector    []float32
	createdAt time.Time
	used      uint64 // recency stamp, larger is more recent
	size      int64 // budget bytes
	logSize   int64 // bytes of the put record in the log
}

func entrySize(key string, vec []float32) int64 {
	return int64(len(key)) + 4*int64(len(vec)) + entryOverhead
}

type shard struct {
	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List // front is most recently used
}

func newShard() *shard {
	return &shard{
		items: make(map[string]*list.Element),
		lru:   list.New(),
	}
}

// set inserts or replaces e at the LRU front and returns the replaced entry.
func (s *shard) set(e *entry) *entry {
	if el, ok := s.items[e.key]; ok {
		old := el.Value.(*entry)
		el.Value = e
		s.lru.MoveToFront(el)
		return old
	}
	s.items[e.key] = s.lru.PushFront(e)
	return nil
}

func (s *shard) remove(key string) *entry {
	el, ok := s.items[key]
	if !ok {
		return nil
	}
	s.lru.Remove(el)
	delete(s.items, key)
	return el.Value.(*entry)
}

// tail returns the least recently used entry without removing it.
func (s *shard) tail() *entry {
	el := s.lru.Back()
	if el == nil {
		return nil
	}
	return el.Value.(*entry)
}

// popBack removes the least recently used entry.
func (s *shard) popBack() *entry {
	el := s.lru.Back()
	if el == nil {
		return nil
	}
	e := el.Value.(*entry)
	s.lru.Remove(el)
	delete(s.items, e.key)
	return e
}
