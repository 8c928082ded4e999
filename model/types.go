package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Tier is a retention level. Ordinals increase with retention.
type Tier uint8

const (
	Interact Tier = iota
	Insights
	Assets
)

// NumTiers is the number of tiers.
const NumTiers = 3

// AllTiers lists tiers in promotion order.
var AllTiers = []Tier{Interact, Insights, Assets}

// String returns the lowercase tier name.
func (t Tier) String() string {
	switch t {
	case Interact:
		return "interact"
	case Insights:
		return "insights"
	case Assets:
		return "assets"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the three tiers.
func (t Tier) Valid() bool {
	return t <= Assets
}

// Next returns the tier records are promoted into. ok is false for Assets.
func (t Tier) Next() (Tier, bool) {
	if t >= Assets {
		return t, false
	}
	return t + 1, true
}

// ParseTier parses a tier name, case-insensitively.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "interact":
		return Interact, nil
	case "insights":
		return Insights, nil
	case "assets":
		return Assets, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

// TierConfig is the fixed policy of one tier.
type TierConfig struct {
	// MaxAge is the retention age after which unpromoted records are
	// deleted. Zero means never.
	MaxAge time.Duration
	// MaxRecords caps the record count. Zero defers to the resource budget.
	MaxRecords int
	// TargetLatency is the search latency the tier is tuned for; it only
	// influences the search candidate list size.
	TargetLatency time.Duration
}

// DefaultTierConfigs returns the stock policies.
func DefaultTierConfigs() [NumTiers]TierConfig {
	return [NumTiers]TierConfig{
		Interact: {MaxAge: 48 * time.Hour, TargetLatency: 5 * time.Millisecond},
		Insights: {MaxAge: 30 * 24 * time.Hour, TargetLatency: 8 * time.Millisecond},
		Assets:   {TargetLatency: 10 * time.Millisecond},
	}
}

// Record is one stored memory.
type Record struct {
	ID     string
	Vector []float32
	Text   string
	Tier   Tier

	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    uint64
	// ScoreHint is an optional importance in [0,1]; negative means unset.
	ScoreHint float64

	Kind    string
	Tags    []string
	Project string
	Session string
}

// HasScoreHint reports whether the record carries an importance hint.
func (r *Record) HasScoreHint() bool {
	return r.ScoreHint >= 0
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Vector = slices.Clone(r.Vector)
	c.Tags = slices.Clone(r.Tags)
	return &c
}

// ScoredRecord is a search hit.
type ScoredRecord struct {
	Record *Record
	// Distance is the cosine distance to the query, in [0, 2].
	Distance float32
	// Score is the ranking score, higher is better: 1 - Distance unless a
	// reranker supplied its own relevance.
	Score float32
}
