package promotion

import (
	"time"

	"github.com/hupe1980/memtier/model"
)

// Transition gates promotion out of one tier.
//
// A record is promoted when it is at least PromoteAfter old and either
// its access count reaches MinAccess or its score reaches Threshold.
type Transition struct {
	PromoteAfter time.Duration
	MinAccess    uint64
	Threshold    float64
}

// Policy holds the per-cycle decision parameters.
type Policy struct {
	// Transitions is indexed by source tier; the Assets entry is unused.
	Transitions [model.NumTiers]Transition
	// MaxAge is the retention per tier. Zero never expires.
	MaxAge [model.NumTiers]time.Duration
	// DeleteThreshold: expired records scoring below it are deleted.
	DeleteThreshold float64
	// MaxCandidates bounds the records scanned per tier per cycle.
	MaxCandidates int
}

// DefaultPolicy returns the stock policy for the given tier configs.
func DefaultPolicy(tiers [model.NumTiers]model.TierConfig) Policy {
	p := Policy{
		DeleteThreshold: 0.3,
		MaxCandidates:   1000,
	}
	p.Transitions[model.Interact] = Transition{PromoteAfter: 24 * time.Hour, MinAccess: 2, Threshold: 0.7}
	p.Transitions[model.Insights] = Transition{PromoteAfter: 7 * 24 * time.Hour, MinAccess: 5, Threshold: 0.7 * 1.2}
	for t, cfg := range tiers {
		p.MaxAge[t] = cfg.MaxAge
	}
	return p
}

// Action is the outcome of evaluating one record.
type Action int

const (
	Keep Action = iota
	Promote
	Expire
)

func (a Action) String() string {
	switch a {
	case Promote:
		return "promote"
	case Expire:
		return "expire"
	default:
		return "keep"
	}
}

// Decide evaluates rec, scored at score, in its current tier.
func (p Policy) Decide(rec *model.Record, score float64, now time.Time) Action {
	age := now.Sub(rec.CreatedAt)

	if _, ok := rec.Tier.Next(); ok {
		tr := p.Transitions[rec.Tier]
		if age >= tr.PromoteAfter && (rec.AccessCount >= tr.MinAccess || score >= tr.Threshold) {
			return Promote
		}
	}

	if maxAge := p.MaxAge[rec.Tier]; maxAge > 0 && age > maxAge && score < p.DeleteThreshold {
		return Expire
	}
	return Keep
}
