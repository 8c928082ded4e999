package hnsw

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/memtier/internal/visited"
)

// minCompactNodes keeps tiny graphs from rebuilding on every removal.
const minCompactNodes = 64

// liveNode is a node copied out of the arena for a rebuild.
type liveNode struct {
	key   string
	level int
	vec   []float32
}

// journalOp is a mutation made while a rebuild was running.
type journalOp struct {
	key    string
	vec    []float32
	level  int
	remove bool
}

// TombstoneRatio returns the fraction of arena slots that are tombstoned.
func (h *HNSW) TombstoneRatio() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tombstoneRatioLocked()
}

func (h *HNSW) tombstoneRatioLocked() float64 {
	if len(h.nodes) == 0 {
		return 0
	}
	return float64(h.tombstones.GetCardinality()) / float64(len(h.nodes))
}

// maybeCompactLocked starts a background rebuild once the tombstone ratio
// crosses the threshold.
func (h *HNSW) maybeCompactLocked() {
	if h.rebuildDone != nil || h.opts.CompactThreshold <= 0 || len(h.nodes) < minCompactNodes {
		return
	}
	if h.tombstoneRatioLocked() > h.opts.CompactThreshold {
		live := h.beginRebuildLocked()
		go h.rebuild(live)
	}
}

// Compact rebuilds the graph from live nodes, dropping every tombstone.
// Searches keep running against the old graph until the new one is ready.
func (h *HNSW) Compact(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	for h.rebuildDone != nil {
		done := h.rebuildDone
		h.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		h.mu.Lock()
	}
	if h.tombstones.IsEmpty() {
		h.mu.Unlock()
		return nil
	}
	live := h.beginRebuildLocked()
	h.mu.Unlock()

	h.rebuild(live)
	return nil
}

// waitRebuild blocks until a running rebuild has been swapped in.
func (h *HNSW) waitRebuild() {
	h.mu.RLock()
	done := h.rebuildDone
	h.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// beginRebuildLocked copies the live nodes and starts journaling mutations.
func (h *HNSW) beginRebuildLocked() []liveNode {
	live := make([]liveNode, 0, h.live)
	for id := range h.nodes {
		if h.tombstones.Contains(uint32(id)) {
			continue
		}
		vec := make([]float32, h.dim)
		copy(vec, h.vector(uint32(id)))
		live = append(live, liveNode{key: h.nodes[id].key, level: h.nodes[id].level, vec: vec})
	}
	h.rebuildDone = make(chan struct{})
	h.journal = nil
	return live
}

// rebuild links live into a fresh arena without holding the lock, preserving
// each node's level so the graph keeps its layer structure. It then replays
// the journal and swaps the new arena in.
func (h *HNSW) rebuild(live []liveNode) {
	if h.onRebuild != nil {
		h.onRebuild()
	}

	next := h.emptyGraph(len(live))
	for _, n := range live {
		next.insertLocked(n.key, n.vec, n.level)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, op := range h.journal {
		if id, ok := next.keys[op.key]; ok {
			next.tombstoneLocked(id)
		}
		if !op.remove {
			next.insertLocked(op.key, op.vec, op.level)
		}
	}

	h.nodes = next.nodes
	h.vectors = next.vectors
	h.keys = next.keys
	h.tombstones = next.tombstones
	h.entry = next.entry
	h.maxLevel = next.maxLevel
	h.live = next.live

	h.journal = nil
	close(h.rebuildDone)
	h.rebuildDone = nil
}

// record journals a mutation when a rebuild is running.
func (h *HNSW) record(op journalOp) {
	if h.rebuildDone != nil {
		h.journal = append(h.journal, op)
	}
}

// emptyGraph returns an index with h's parameters and no nodes. It is private
// to the rebuilding goroutine until swapped in.
func (h *HNSW) emptyGraph(capacity int) *HNSW {
	g := &HNSW{
		opts:       h.opts,
		dim:        h.dim,
		maxConns:   h.maxConns,
		maxConns0:  h.maxConns0,
		levelMult:  h.levelMult,
		nodes:      make([]node, 0, capacity),
		vectors:    make([]float32, 0, capacity*h.dim),
		keys:       make(map[string]uint32, capacity),
		tombstones: roaring.New(),
		entry:      noEntry,
	}
	g.visitedPool.New = func() any { return visited.New(1024) }
	return g
}
