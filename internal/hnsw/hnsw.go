package hnsw

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/memtier/distance"
	"github.com/hupe1980/memtier/internal/queue"
	"github.com/hupe1980/memtier/internal/visited"
)

// node is an arena entry. neighbors[l] holds the links on layer l.
type node struct {
	key       string
	level     int
	neighbors [][]uint32
}

// HNSW is a Hierarchical Navigable Small World graph over unit vectors.
//
// Mutations hold the write lock; searches hold the read lock and observe
// either the pre- or post-mutation graph. Compaction builds the new arena
// outside the lock and swaps it in.
type HNSW struct {
	mu sync.RWMutex

	opts      Options
	dim       int
	maxConns  int
	maxConns0 int
	levelMult float64

	nodes      []node
	vectors    []float32 // flat slab, node id * dim
	keys       map[string]uint32
	tombstones *roaring.Bitmap
	entry      uint32
	maxLevel   int
	live       int

	rng         *rand.Rand
	visitedPool sync.Pool

	// rebuildDone is non-nil while a rebuild runs and closes when it has
	// been swapped in. Mutations meanwhile go to journal as well.
	rebuildDone chan struct{}
	journal     []journalOp
	onRebuild   func()
}

// New creates an empty index.
func New(optFns ...func(o *Options)) (*HNSW, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, &ErrInvalidDimension{Dimension: opts.Dimension}
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = opts.M
	}
	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultOptions.EFSearch
	}
	if opts.MaxElements <= 0 {
		opts.MaxElements = DefaultOptions.MaxElements
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	h := &HNSW{
		opts:       opts,
		dim:        opts.Dimension,
		maxConns:   opts.M,
		maxConns0:  2 * opts.M,
		levelMult:  1 / math.Log(float64(opts.M)),
		keys:       make(map[string]uint32),
		tombstones: roaring.New(),
		entry:      noEntry,
		rng:        rand.New(rand.NewSource(seed)),
	}
	h.visitedPool.New = func() any { return visited.New(1024) }

	return h, nil
}

// Dimension returns the vector dimension.
func (h *HNSW) Dimension() int { return h.dim }

// Options returns the effective options.
func (h *HNSW) Options() Options { return h.opts }

// Len returns the number of live (searchable) nodes.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.live
}

// Contains reports whether key is live in the index.
func (h *HNSW) Contains(key string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.keys[key]
	return ok
}

// Keys returns the live keys in arena order.
func (h *HNSW) Keys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, h.live)
	for id := range h.nodes {
		if !h.tombstones.Contains(uint32(id)) {
			out = append(out, h.nodes[id].key)
		}
	}
	return out
}

func (h *HNSW) prepare(v []float32) ([]float32, error) {
	if len(v) != h.dim {
		return nil, &ErrDimensionMismatch{Expected: h.dim, Actual: len(v)}
	}
	vec, ok := distance.NormalizeL2Copy(v)
	if !ok {
		return nil, ErrZeroVector
	}
	return vec, nil
}

// Insert adds key with vector v. Inserting an existing key replaces its vector.
func (h *HNSW) Insert(ctx context.Context, key string, v []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	vec, err := h.prepare(v)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	old, replacing := h.keys[key]
	if !replacing && h.live >= h.opts.MaxElements {
		return ErrCapacityExceeded
	}
	if len(h.nodes) >= int(noEntry) {
		return ErrCapacityExceeded
	}
	if replacing {
		h.tombstoneLocked(old)
	}

	level := h.randomLevel()
	h.insertLocked(key, vec, level)
	h.record(journalOp{key: key, vec: vec, level: level})
	h.maybeCompactLocked()
	return nil
}

// Remove tombstones key. The node stays navigable until compaction.
func (h *HNSW) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id, ok := h.keys[key]
	if !ok {
		return ErrNotFound
	}
	h.tombstoneLocked(id)
	h.record(journalOp{key: key, remove: true})
	h.maybeCompactLocked()
	return nil
}

func (h *HNSW) tombstoneLocked(id uint32) {
	delete(h.keys, h.nodes[id].key)
	h.tombstones.Add(id)
	h.live--
}

func (h *HNSW) randomLevel() int {
	r := h.rng.Float64()
	if r == 0 {
		r = math.SmallestNonzeroFloat64
	}
	level := int(math.Floor(-math.Log(r) * h.levelMult))
	if level > maxLevelCap {
		level = maxLevelCap
	}
	return level
}

// insertLocked links a new node. vec must already be normalized.
func (h *HNSW) insertLocked(key string, vec []float32, level int) uint32 {
	id := uint32(len(h.nodes))
	h.nodes = append(h.nodes, node{
		key:       key,
		level:     level,
		neighbors: make([][]uint32, level+1),
	})
	h.vectors = append(h.vectors, vec...)
	h.keys[key] = id
	h.live++

	if h.entry == noEntry {
		h.entry = id
		h.maxLevel = level
		return id
	}

	currID := h.entry
	currDist := h.dist(vec, currID)

	// 1. Greedy descent through the layers above the new node.
	for l := h.maxLevel; l > level; l-- {
		currID, currDist = h.greedy(vec, currID, currDist, l)
	}

	// 2. Beam search and link on every layer the node occupies.
	for l := min(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(vec, currID, currDist, l, h.opts.EFConstruction, false)
		if len(candidates) > 0 {
			currID, currDist = candidates[0].Node, candidates[0].Distance
		}

		maxConns := h.maxConns
		if l == 0 {
			maxConns = h.maxConns0
		}

		neighbors := h.selectNeighbors(candidates, h.maxConns)
		h.nodes[id].neighbors[l] = neighbors

		for _, nb := range neighbors {
			h.link(nb, id, l, maxConns)
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = id
	}
	return id
}

// link adds a reverse edge from src to dst, pruning src's list when full.
func (h *HNSW) link(src, dst uint32, layer, maxConns int) {
	conns := h.nodes[src].neighbors[layer]
	if len(conns) < maxConns {
		h.nodes[src].neighbors[layer] = append(conns, dst)
		return
	}

	srcVec := h.vector(src)
	cands := make([]queue.Item, 0, len(conns)+1)
	for _, c := range conns {
		cands = append(cands, queue.Item{Node: c, Distance: h.dist(srcVec, c)})
	}
	cands = append(cands, queue.Item{Node: dst, Distance: h.dist(srcVec, dst)})
	sortItems(cands)

	h.nodes[src].neighbors[layer] = h.selectNeighbors(cands, maxConns)
}

// greedy walks layer l towards q until no neighbor is closer.
func (h *HNSW) greedy(q []float32, currID uint32, currDist float32, l int) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		for _, next := range h.nodes[currID].neighbors[l] {
			if d := h.dist(q, next); d < currDist {
				currID, currDist = next, d
				changed = true
			}
		}
	}
	return currID, currDist
}

// selectNeighbors applies the relative-neighborhood heuristic: a candidate is
// kept only if it is closer to the base node than to every neighbor already
// kept. Remaining slots are filled nearest-first. candidates must be sorted
// nearest first.
func (h *HNSW) selectNeighbors(candidates []queue.Item, m int) []uint32 {
	if len(candidates) <= m {
		out := make([]uint32, len(candidates))
		for i, c := range candidates {
			out[i] = c.Node
		}
		return out
	}

	result := make([]uint32, 0, m)
	skipped := make([]uint32, 0, len(candidates))

	for _, cand := range candidates {
		if len(result) >= m {
			break
		}
		candVec := h.vector(cand.Node)
		good := true
		for _, r := range result {
			if distance.Cosine(candVec, h.vector(r)) < cand.Distance {
				good = false
				break
			}
		}
		if good {
			result = append(result, cand.Node)
		} else {
			skipped = append(skipped, cand.Node)
		}
	}

	for _, s := range skipped {
		if len(result) >= m {
			break
		}
		result = append(result, s)
	}
	return result
}

// searchLayer runs the ef-bounded beam search on one layer and returns the
// found nodes nearest first. When liveOnly is set tombstoned nodes are
// traversed but never collected.
func (h *HNSW) searchLayer(q []float32, epID uint32, epDist float32, layer, ef int, liveOnly bool) []queue.Item {
	vs := h.visitedPool.Get().(*visited.Set)
	defer func() {
		vs.Reset()
		h.visitedPool.Put(vs)
	}()

	candidates := queue.NewMin(ef)
	results := queue.NewMax(ef + 1)

	vs.Visit(epID)
	candidates.Push(queue.Item{Node: epID, Distance: epDist})
	if !liveOnly || !h.tombstones.Contains(epID) {
		results.Push(queue.Item{Node: epID, Distance: epDist})
	}

	for candidates.Len() > 0 {
		curr, _ := candidates.Pop()

		if results.Len() >= ef {
			if worst, _ := results.Top(); curr.Distance > worst.Distance {
				break
			}
		}

		for _, next := range h.nodes[curr.Node].neighbors[layer] {
			if !vs.Visit(next) {
				continue
			}
			d := h.dist(q, next)

			if results.Len() >= ef {
				if worst, _ := results.Top(); d > worst.Distance {
					continue
				}
			}

			candidates.Push(queue.Item{Node: next, Distance: d})
			if !liveOnly || !h.tombstones.Contains(next) {
				results.Push(queue.Item{Node: next, Distance: d})
				if results.Len() > ef {
					results.Pop()
				}
			}
		}
	}

	return results.Drain()
}

// Search returns up to k live keys nearest to q, ascending by distance.
// ef <= 0 uses the configured EFSearch. When fewer than k live nodes are
// reached the search is retried with a doubled candidate list.
func (h *HNSW) Search(ctx context.Context, q []float32, k, ef int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, ErrInvalidK
	}
	vec, err := h.prepare(q)
	if err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.live == 0 {
		return nil, nil
	}
	if ef <= 0 {
		ef = h.opts.EFSearch
	}
	ef = max(ef, k)

	want := min(k, h.live)
	for {
		found := h.searchLocked(vec, ef)
		if len(found) >= want || ef >= len(h.nodes) {
			if len(found) > k {
				found = found[:k]
			}
			return h.toResults(found), nil
		}
		if err := ctx.Err(); err != nil {
			return h.toResults(found), err
		}
		ef = min(ef*2, len(h.nodes))
	}
}

func (h *HNSW) searchLocked(q []float32, ef int) []queue.Item {
	currID := h.entry
	currDist := h.dist(q, currID)
	for l := h.maxLevel; l > 0; l-- {
		currID, currDist = h.greedy(q, currID, currDist, l)
	}
	return h.searchLayer(q, currID, currDist, 0, ef, true)
}

func (h *HNSW) toResults(items []queue.Item) []Result {
	out := make([]Result, len(items))
	for i, it := range items {
		out[i] = Result{Key: h.nodes[it.Node].key, Distance: it.Distance}
	}
	return out
}

// BruteSearch scans every live node. Used to measure recall in tests and as a
// fallback for very small tiers.
func (h *HNSW) BruteSearch(ctx context.Context, q []float32, k int) ([]Result, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	vec, err := h.prepare(q)
	if err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	pq := queue.NewMax(k + 1)
	for id := range h.nodes {
		if id&1023 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if h.tombstones.Contains(uint32(id)) {
			continue
		}
		pq.Push(queue.Item{Node: uint32(id), Distance: h.dist(vec, uint32(id))})
		if pq.Len() > k {
			pq.Pop()
		}
	}
	return h.toResults(pq.Drain()), nil
}

func (h *HNSW) vector(id uint32) []float32 {
	off := int(id) * h.dim
	return h.vectors[off : off+h.dim : off+h.dim]
}

func (h *HNSW) dist(q []float32, id uint32) float32 {
	return distance.Cosine(q, h.vector(id))
}

// sortItems sorts nearest first with id tie-break (insertion sort; lists are short).
func sortItems(items []queue.Item) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && itemLess(items[j], items[j-1]); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

func itemLess(a, b queue.Item) bool {
	if a.Distance == b.Distance {
		return a.Node < b.Node
	}
	return a.Distance < b.Distance
}
