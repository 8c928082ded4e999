package hnsw

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned when MaxElements live nodes exist.
	ErrCapacityExceeded = errors.New("hnsw: capacity exceeded")
	// ErrNotFound is returned when a key is not in the index.
	ErrNotFound = errors.New("hnsw: key not found")
	// ErrZeroVector is returned for vectors that cannot be normalized.
	ErrZeroVector = errors.New("hnsw: zero or non-finite vector")
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("hnsw: k must be positive")
	// ErrCorruptSnapshot is returned when a snapshot fails validation.
	ErrCorruptSnapshot = errors.New("hnsw: corrupt snapshot")
)

// ErrDimensionMismatch is returned when a vector length disagrees with the
// index dimension. Vectors are never padded or truncated.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("hnsw: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrInvalidDimension indicates an invalid configured dimension.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("hnsw: invalid dimension: %d", e.Dimension)
}

// Result is a single search hit.
type Result struct {
	Key      string
	Distance float32
}

// Options configures an index.
type Options struct {
	Dimension      int
	M              int
	EFConstruction int
	EFSearch       int
	MaxElements    int

	// CompactThreshold is the tombstone fraction of the arena that triggers
	// a rebuild. Zero disables automatic compaction.
	CompactThreshold float64

	// Seed makes level assignment reproducible. Zero seeds from the clock.
	Seed int64
}

// DefaultOptions holds the defaults applied by New.
var DefaultOptions = Options{
	M:                16,
	EFConstruction:   200,
	EFSearch:         64,
	MaxElements:      1 << 20,
	CompactThreshold: 0.25,
}

const (
	minimumM = 2

	// noEntry marks an empty graph.
	noEntry = ^uint32(0)

	// maxLevel caps level assignment; with M >= 2 reaching it is practically impossible.
	maxLevelCap = 16
)
