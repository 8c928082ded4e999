package memtier

import (
	"hash/maphash"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idSource hands out ULIDs. Ids created in the same millisecond are
// strictly increasing, so lexical order follows creation order.
type idSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newIDSource() *idSource {
	return &idSource{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (s *idSource) next(at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(at), s.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

const numRecordLocks = 256

// recordLocks serializes Forget, touches and promotion moves of the same
// record. Distinct ids may share a stripe.
type recordLocks struct {
	seed  maphash.Seed
	locks [numRecordLocks]sync.Mutex
}

func newRecordLocks() *recordLocks {
	return &recordLocks{seed: maphash.MakeSeed()}
}

func (l *recordLocks) lock(id string) func() {
	mu := &l.locks[maphash.String(l.seed, id)%numRecordLocks]
	mu.Lock()
	return mu.Unlock
}
