package tier

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/memtier/internal/store"
)

func (t *Tier) enqueueRetry(id string) {
	t.retryMu.Lock()
	if _, ok := t.pending[id]; !ok {
		t.pending[id] = &retryState{next: t.cfg.Now().Add(t.cfg.RetryBackoff)}
	}
	t.retryMu.Unlock()

	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Pending returns the number of records waiting for an index insert retry.
func (t *Tier) Pending() int {
	t.retryMu.Lock()
	defer t.retryMu.Unlock()
	return len(t.pending)
}

func (t *Tier) retryLoop() {
	defer t.wg.Done()

	timer := time.NewTimer(t.cfg.RetryBackoff)
	defer timer.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-t.kick:
		case <-timer.C:
		}

		wait := t.retryDue()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// retryDue retries every pending record whose backoff has elapsed and
// returns how long to sleep until the next one is due.
func (t *Tier) retryDue() time.Duration {
	now := t.cfg.Now()

	t.retryMu.Lock()
	var due []string
	for id, st := range t.pending {
		if !st.next.After(now) {
			due = append(due, id)
		}
	}
	t.retryMu.Unlock()

	for _, id := range due {
		t.retryOne(id)
	}

	t.retryMu.Lock()
	defer t.retryMu.Unlock()
	wait := t.cfg.MaxRetryBackoff
	for _, st := range t.pending {
		if d := st.next.Sub(now); d < wait {
			wait = d
		}
	}
	return max(wait, time.Millisecond)
}

func (t *Tier) retryOne(id string) {
	ctx := context.Background()

	rec, err := t.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		t.dropRetry(id)
		return
	}
	if err == nil {
		err = t.index.Insert(ctx, rec.ID, rec.Vector)
		if err == nil {
			t.dropRetry(id)
			t.logger.Info("Index insert succeeded on retry", "id", id)
			return
		}
		if isPermanent(err) {
			t.dropRetry(id)
			t.logger.Error("Index insert failed permanently", "id", id, "error", err)
			return
		}
	}

	t.retryMu.Lock()
	defer t.retryMu.Unlock()
	st, ok := t.pending[id]
	if !ok {
		return
	}
	st.attempts++
	if st.attempts >= t.cfg.MaxRetries {
		delete(t.pending, id)
		t.logger.Error("Index insert abandoned; record will be indexed on next open",
			"id", id, "attempts", st.attempts, "error", err)
		return
	}
	backoff := t.cfg.RetryBackoff << st.attempts
	if backoff <= 0 || backoff > t.cfg.MaxRetryBackoff {
		backoff = t.cfg.MaxRetryBackoff
	}
	st.next = t.cfg.Now().Add(backoff)
}

func (t *Tier) dropRetry(id string) {
	t.retryMu.Lock()
	delete(t.pending, id)
	t.retryMu.Unlock()
}
