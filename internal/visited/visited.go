// Package visited provides a reusable visited-node set for graph traversals.
package visited

import "github.com/bits-and-blooms/bitset"

// Set tracks visited node ids. Reset only clears the bits touched since the
// previous reset, so a pooled Set costs O(visited) rather than O(capacity).
type Set struct {
	bits  *bitset.BitSet
	dirty []uint32
}

// New creates a visited set sized for capacity nodes.
func New(capacity int) *Set {
	if capacity < 64 {
		capacity = 64
	}
	return &Set{
		bits:  bitset.New(uint(capacity)),
		dirty: make([]uint32, 0, 128),
	}
}

// Visit marks id as visited. It reports whether id was newly marked.
func (s *Set) Visit(id uint32) bool {
	if s.bits.Test(uint(id)) {
		return false
	}
	s.bits.Set(uint(id)) // grows as needed
	s.dirty = append(s.dirty, id)
	return true
}

// Visited returns true if id has been visited since the last Reset.
func (s *Set) Visited(id uint32) bool {
	return s.bits.Test(uint(id))
}

// Len returns the number of ids visited since the last Reset.
func (s *Set) Len() int {
	return len(s.dirty)
}

// Reset clears the ids visited in the current traversal.
func (s *Set) Reset() {
	for _, id := range s.dirty {
		s.bits.Clear(uint(id))
	}
	s.dirty = s.dirty[:0]
}
