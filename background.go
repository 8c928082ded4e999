package memtier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/memtier/internal/resource"
	"github.com/hupe1980/memtier/internal/store"
	"github.com/hupe1980/memtier/model"
	"github.com/hupe1980/memtier/promotion"
)

// mover applies promotion decisions to the tiers of a Memory.
type mover struct {
	m *Memory
}

var _ promotion.Mover = mover{}

func (mv mover) Get(ctx context.Context, t model.Tier, id string) (*model.Record, error) {
	rec, err := mv.m.tiers[t].Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// Move inserts the record into the target tier before deleting it from
// the source, so it is never absent from both. If the source delete fails
// the target copy is removed again.
func (mv mover) Move(ctx context.Context, rec *model.Record, to model.Tier) error {
	m := mv.m
	unlock := m.locks.lock(rec.ID)
	defer unlock()

	from := rec.Tier
	cur, err := m.tiers[from].Get(ctx, rec.ID)
	if errors.Is(err, store.ErrNotFound) {
		return promotion.ErrRecordGone
	}
	if err != nil {
		return err
	}

	target := m.tiers[to]
	if st := m.rc.CheckCapacity(to, target.Len()); st.Level == resource.CapacityExceeded {
		return fmt.Errorf("%w: %s holds %d of %d records", ErrTierFull, to, target.Len(), st.Max)
	}

	m.moveMu.Lock()
	defer m.moveMu.Unlock()

	if err := target.Put(ctx, cur); err != nil {
		return err
	}
	if err := m.tiers[from].Delete(ctx, rec.ID); err != nil {
		if rbErr := target.Delete(context.WithoutCancel(ctx), rec.ID); rbErr != nil {
			m.logger.Error("Failed to undo promotion copy", "id", rec.ID, "tier", to.String(), "error", rbErr)
		}
		return err
	}

	rec.AccessCount = cur.AccessCount
	rec.LastAccessedAt = cur.LastAccessedAt
	return nil
}

func (mv mover) Expire(ctx context.Context, rec *model.Record) error {
	m := mv.m
	unlock := m.locks.lock(rec.ID)
	defer unlock()

	err := m.tiers[rec.Tier].Delete(ctx, rec.ID)
	if errors.Is(err, store.ErrNotFound) {
		return promotion.ErrRecordGone
	}
	return err
}

func (m *Memory) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	ticker := m.opts.promotionTicker
	if ticker == nil && m.opts.promotionInterval > 0 {
		ticker = promotion.NewTicker(m.opts.promotionInterval)
	}
	if ticker != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.promotionLoop(ctx, ticker)
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.rc.Run(ctx, m.opts.resourceInterval)
	}()

	if m.opts.sweepInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.sweepLoop(ctx, m.opts.sweepInterval)
		}()
	}
}

// promotionLoop runs a cycle per tick. Ticks that arrive while a cycle is
// running are dropped.
func (m *Memory) promotionLoop(ctx context.Context, ticker promotion.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			_, _ = m.RunPromotionCycle(ctx)
		}
	}
}

// sweepLoop drops expired embedding cache entries.
func (m *Memory) sweepLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.cache.Sweep(m.opts.now()); n > 0 {
				m.logger.Debug("Expired embedding cache entries", "count", n)
			}
		}
	}
}
