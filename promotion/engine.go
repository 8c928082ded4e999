package promotion

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hupe1980/memtier/model"
)

var (
	// ErrCycleInProgress is returned by RunCycle while another cycle runs.
	ErrCycleInProgress = errors.New("promotion: cycle already in progress")
	// ErrRecordGone is returned by a Mover when the record was deleted
	// after it was selected. The engine drops it without counting a failure.
	ErrRecordGone = errors.New("promotion: record no longer exists")
)

// Mover applies promotion decisions to the tiers.
type Mover interface {
	// Get returns the record stored under id in tier, or nil, nil when it
	// no longer exists there.
	Get(ctx context.Context, tier model.Tier, id string) (*model.Record, error)
	// Move relocates rec into tier to. On error the record must remain in
	// its source tier and nowhere else.
	Move(ctx context.Context, rec *model.Record, to model.Tier) error
	// Expire deletes rec.
	Expire(ctx context.Context, rec *model.Record) error
}

// CycleStats describes one promotion cycle.
type CycleStats struct {
	StartedAt  time.Time
	FinishedAt time.Time

	// Scanned, Promoted and Expired are indexed by source tier.
	Scanned  [model.NumTiers]int
	Promoted [model.NumTiers]int
	Expired  [model.NumTiers]int
	// Forced counts the promotions, included in Promoted, made only to
	// relieve a tier over its capacity.
	Forced   [model.NumTiers]int
	Failures int

	ScanDuration  time.Duration
	ScoreDuration time.Duration
	ApplyDuration time.Duration
}

// TotalPromoted returns the promotions across all tiers.
func (s CycleStats) TotalPromoted() int {
	n := 0
	for _, v := range s.Promoted {
		n += v
	}
	return n
}

// TotalExpired returns the deletions across all tiers.
func (s CycleStats) TotalExpired() int {
	n := 0
	for _, v := range s.Expired {
		n += v
	}
	return n
}

// PressureFunc reports how many records must leave tier to bring it back
// under its capacity warning level. Zero means no pressure.
type PressureFunc func(tier model.Tier) int

// Config configures an Engine.
type Config struct {
	Policy Policy
	Scorer Scorer
	// Pressure is consulted after the policy pass of each promotable tier.
	// Nil disables capacity relief.
	Pressure PressureFunc
	Logger   *slog.Logger
	Now      func() time.Time
}

// Engine runs promotion cycles over per-tier time indices.
type Engine struct {
	mover    Mover
	policy   Policy
	scorer   Scorer
	pressure PressureFunc
	logger   *slog.Logger
	now     func() time.Time
	indices [model.NumTiers]*TimeIndex

	running atomic.Bool
	last    atomic.Pointer[CycleStats]
}

// New creates an engine with empty time indices.
func New(mover Mover, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Policy.MaxCandidates <= 0 {
		cfg.Policy.MaxCandidates = 1000
	}

	e := &Engine{
		mover:    mover,
		policy:   cfg.Policy,
		scorer:   cfg.Scorer,
		pressure: cfg.Pressure,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	for i := range e.indices {
		e.indices[i] = NewTimeIndex()
	}
	return e
}

// Index returns the time index of tier.
func (e *Engine) Index(tier model.Tier) *TimeIndex {
	return e.indices[tier]
}

// Track adds rec to the time index of its tier.
func (e *Engine) Track(rec *model.Record) {
	e.indices[rec.Tier].Add(rec.ID, rec.CreatedAt, rec.LastAccessedAt)
}

// Untrack removes id from the time index of tier.
func (e *Engine) Untrack(tier model.Tier, id string) {
	e.indices[tier].Remove(id)
}

// LastCycle returns the outcome of the most recent completed cycle.
func (e *Engine) LastCycle() (CycleStats, bool) {
	s := e.last.Load()
	if s == nil {
		return CycleStats{}, false
	}
	return *s, true
}

// Running reports whether a cycle is in progress.
func (e *Engine) Running() bool { return e.running.Load() }

// Run executes a cycle on every tick until ctx is done. A tick that
// arrives while a cycle is still running is skipped.
func (e *Engine) Run(ctx context.Context, ticker Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := e.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) && ctx.Err() == nil {
				e.logger.Error("Promotion cycle failed", "error", err)
			}
		}
	}
}

type candidate struct {
	rec    *model.Record
	score  float64
	action Action
}

// RunCycle runs one promotion cycle: Interact first, then Insights, so a
// record moves at most one tier. Per-record failures are counted and
// logged; the record is reconsidered next cycle. A cancelled ctx stops
// the cycle early and returns the partial stats with ctx's error.
func (e *Engine) RunCycle(ctx context.Context) (CycleStats, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Warn("Promotion cycle still running, skipping")
		return CycleStats{}, ErrCycleInProgress
	}
	defer e.running.Store(false)

	now := e.now()
	stats := CycleStats{StartedAt: now}
	moved := make(map[string]struct{})

	var err error
	for _, tier := range model.AllTiers {
		if err = e.runTier(ctx, tier, now, moved, &stats); err != nil {
			break
		}
	}

	stats.FinishedAt = e.now()
	e.last.Store(&stats)
	e.logger.Debug("Promotion cycle finished",
		"promoted", stats.TotalPromoted(),
		"expired", stats.TotalExpired(),
		"failures", stats.Failures,
		"scan", stats.ScanDuration,
		"score", stats.ScoreDuration,
		"apply", stats.ApplyDuration,
	)
	return stats, err
}

func (e *Engine) runTier(ctx context.Context, tier model.Tier, now time.Time, moved map[string]struct{}, stats *CycleStats) error {
	next, promotable := tier.Next()
	if !promotable && e.policy.MaxAge[tier] == 0 {
		return nil
	}

	start := time.Now()
	cands, err := e.collect(ctx, tier, moved, stats)
	stats.ScanDuration += time.Since(start)
	if err != nil {
		return err
	}
	stats.Scanned[tier] += len(cands)

	start = time.Now()
	for i := range cands {
		c := &cands[i]
		c.score = e.scorer.Score(c.rec, now)
		c.action = e.policy.Decide(c.rec, c.score, now)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			return a.rec.CreatedAt.Before(b.rec.CreatedAt)
		}
		return a.rec.ID < b.rec.ID
	})
	stats.ScoreDuration += time.Since(start)

	start = time.Now()
	defer func() { stats.ApplyDuration += time.Since(start) }()

	for _, c := range cands {
		if c.action == Keep {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		switch c.action {
		case Promote:
			e.promote(ctx, c.rec, tier, next, moved, stats)
		case Expire:
			if err := e.mover.Expire(ctx, c.rec); err != nil {
				if errors.Is(err, ErrRecordGone) {
					e.indices[tier].Remove(c.rec.ID)
					continue
				}
				stats.Failures++
				e.logger.Warn("Expiry failed", "id", c.rec.ID, "tier", tier, "error", err)
				continue
			}
			e.indices[tier].Remove(c.rec.ID)
			stats.Expired[tier]++
		}
	}

	if !promotable || e.pressure == nil {
		return nil
	}

	// A tier over capacity sheds the best kept candidates to the next tier,
	// ignoring the age gate, until it is back under its warning level.
	excess := e.pressure(tier)
	if excess > 0 {
		e.logger.Debug("Relieving tier over capacity", "tier", tier, "excess", excess)
	}
	for _, c := range cands {
		if excess <= 0 {
			break
		}
		if c.action != Keep {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.promote(ctx, c.rec, tier, next, moved, stats) {
			stats.Forced[tier]++
			excess--
		}
	}
	return nil
}

// promote moves rec from tier to next and reports whether it moved.
func (e *Engine) promote(ctx context.Context, rec *model.Record, tier, next model.Tier, moved map[string]struct{}, stats *CycleStats) bool {
	if err := e.mover.Move(ctx, rec, next); err != nil {
		if errors.Is(err, ErrRecordGone) {
			e.indices[tier].Remove(rec.ID)
			return false
		}
		stats.Failures++
		e.logger.Warn("Promotion failed", "id", rec.ID, "from", tier, "to", next, "error", err)
		return false
	}
	e.indices[tier].Remove(rec.ID)
	moved[rec.ID] = struct{}{}
	rec.Tier = next
	e.Track(rec)
	stats.Promoted[tier]++
	return true
}

// collect loads up to MaxCandidates records of tier: the oldest by
// creation first, topped up with the least recently accessed. Records
// promoted earlier in this cycle are skipped.
func (e *Engine) collect(ctx context.Context, tier model.Tier, moved map[string]struct{}, stats *CycleStats) ([]candidate, error) {
	limit := e.policy.MaxCandidates
	idx := e.indices[tier]

	seen := make(map[string]struct{}, limit)
	ids := make([]string, 0, limit)
	for _, src := range [][]string{idx.Oldest(limit + len(moved)), idx.LeastRecent(limit + len(moved))} {
		for _, id := range src {
			if len(ids) >= limit {
				break
			}
			if _, ok := moved[id]; ok {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	cands := make([]candidate, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := e.mover.Get(ctx, tier, id)
		if err != nil {
			stats.Failures++
			e.logger.Warn("Failed to load promotion candidate", "id", id, "tier", tier, "error", err)
			continue
		}
		if rec == nil {
			// Forgotten since it was indexed.
			idx.Remove(id)
			continue
		}
		rec.Tier = tier
		cands = append(cands, candidate{rec: rec})
	}
	return cands, nil
}
