// Package queue provides value-based binary heaps for graph search.
package queue

// Item is a node id with its distance to the query.
type Item struct {
	Node     uint32
	Distance float32
}

// PriorityQueue is a binary heap of Items ordered by Distance.
// Ties are broken by the smaller node id so traversal order is
// deterministic for a given graph.
type PriorityQueue struct {
	isMaxHeap bool
	items     []Item
}

// NewMin returns a heap that pops the nearest item first.
func NewMin(capacity int) *PriorityQueue {
	return &PriorityQueue{items: make([]Item, 0, capacity)}
}

// NewMax returns a heap that pops the farthest item first.
func NewMax(capacity int) *PriorityQueue {
	return &PriorityQueue{isMaxHeap: true, items: make([]Item, 0, capacity)}
}

// Len returns the number of items in the heap.
func (pq *PriorityQueue) Len() int { return len(pq.items) }

// Top returns the top item without removing it.
func (pq *PriorityQueue) Top() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	return pq.items[0], true
}

// Push inserts an item while maintaining the heap invariant.
func (pq *PriorityQueue) Push(item Item) {
	pq.items = append(pq.items, item)
	pq.siftUp(len(pq.items) - 1)
}

// Pop removes and returns the top item.
func (pq *PriorityQueue) Pop() (Item, bool) {
	n := len(pq.items)
	if n == 0 {
		return Item{}, false
	}
	root := pq.items[0]
	last := pq.items[n-1]
	pq.items = pq.items[:n-1]
	if n-1 > 0 {
		pq.items[0] = last
		pq.siftDown(0)
	}
	return root, true
}

// Drain pops every item and returns them nearest first.
func (pq *PriorityQueue) Drain() []Item {
	out := make([]Item, len(pq.items))
	if pq.isMaxHeap {
		for i := len(out) - 1; i >= 0; i-- {
			out[i], _ = pq.Pop()
		}
	} else {
		for i := range out {
			out[i], _ = pq.Pop()
		}
	}
	return out
}

// Reset clears the heap for reuse.
func (pq *PriorityQueue) Reset() {
	pq.items = pq.items[:0]
}

func (pq *PriorityQueue) less(i, j int) bool {
	a, b := pq.items[i], pq.items[j]
	if a.Distance == b.Distance {
		if pq.isMaxHeap {
			return a.Node > b.Node
		}
		return a.Node < b.Node
	}
	if pq.isMaxHeap {
		return a.Distance > b.Distance
	}
	return a.Distance < b.Distance
}

func (pq *PriorityQueue) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !pq.less(i, p) {
			return
		}
		pq.items[i], pq.items[p] = pq.items[p], pq.items[i]
		i = p
	}
}

func (pq *PriorityQueue) siftDown(i int) {
	n := len(pq.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && pq.less(r, l) {
			best = r
		}
		if !pq.less(best, i) {
			return
		}
		pq.items[i], pq.items[best] = pq.items[best], pq.items[i]
		i = best
	}
}
