package memtier

import (
	"errors"
	"fmt"

	"github.com/hupe1980/memtier/internal/cache"
	"github.com/hupe1980/memtier/internal/hnsw"
	"github.com/hupe1980/memtier/internal/store"
	"github.com/hupe1980/memtier/internal/tier"
)

var (
	// ErrCapacityExceeded is returned when an index or tier is full. Callers
	// may retry after promotion or eviction frees space.
	ErrCapacityExceeded = errors.New("memtier: capacity exceeded")
	// ErrTierFull is returned by Remember when the target tier has reached
	// its budget. It wraps ErrCapacityExceeded.
	ErrTierFull = fmt.Errorf("%w: tier full", ErrCapacityExceeded)
	// ErrEmbeddingUnavailable is returned when the embedding provider fails.
	ErrEmbeddingUnavailable = errors.New("memtier: embedding unavailable")
	// ErrStorageIO is returned when a durable store operation fails.
	ErrStorageIO = errors.New("memtier: storage I/O error")
	// ErrIndexDegraded is returned by Recall only when every searched tier
	// failed; partial failures are logged and skipped.
	ErrIndexDegraded = errors.New("memtier: index degraded")
	// ErrNotFound is returned when no record has the given id.
	ErrNotFound = errors.New("memtier: record not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("memtier: closed")
	// ErrInvalidTier is returned for tier values outside the three tiers.
	ErrInvalidTier = errors.New("memtier: invalid tier")
	// ErrEmptyText is returned when Remember or Recall get blank text.
	ErrEmptyText = errors.New("memtier: empty text")
)

// ErrDimensionMismatch indicates a vector whose length differs from the
// configured dimension. It is a configuration error and never coerced.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("memtier: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, store.ErrNotFound) || errors.Is(err, hnsw.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, store.ErrStorageIO) {
		return fmt.Errorf("%w: %w", ErrStorageIO, err)
	}
	if errors.Is(err, hnsw.ErrCapacityExceeded) {
		return fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
	}
	if errors.Is(err, tier.ErrIndexDegraded) {
		return fmt.Errorf("%w: %w", ErrIndexDegraded, err)
	}
	if errors.Is(err, tier.ErrClosed) || errors.Is(err, cache.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	var dm *hnsw.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}

	return err
}
