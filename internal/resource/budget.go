package resource

import (
	"fmt"
	"math"
	"time"

	"github.com/hupe1980/memtier/model"
)

// Budget is an immutable resource budget.
type Budget struct {
	MaxVectorsPerTier [model.NumTiers]int
	MaxCacheBytes     int64

	Memory     MemoryInfo
	Factor     float64
	ComputedAt time.Time
}

// MaxVectors returns the record ceiling of tier.
func (b *Budget) MaxVectors(tier model.Tier) int {
	if !tier.Valid() {
		return 0
	}
	return b.MaxVectorsPerTier[tier]
}

// Usage is the load the controller scales against.
type Usage struct {
	Records    [model.NumTiers]int
	CacheBytes int64
}

// CapacityLevel classifies a tier's fill level.
type CapacityLevel uint8

const (
	CapacityOk CapacityLevel = iota
	CapacityWarning
	CapacityExceeded
)

func (l CapacityLevel) String() string {
	switch l {
	case CapacityOk:
		return "ok"
	case CapacityWarning:
		return "warning"
	case CapacityExceeded:
		return "exceeded"
	default:
		return fmt.Sprintf("capacity(%d)", uint8(l))
	}
}

// CapacityStatus is the result of CheckCapacity. Percent is count/max×100.
type CapacityStatus struct {
	Level   CapacityLevel
	Percent float64
	Max     int
}

// CurrentBudget returns the latest budget. A nil controller returns an
// unlimited budget.
func (c *Controller) CurrentBudget() *Budget {
	if c == nil {
		b := &Budget{MaxCacheBytes: 1 << 62, Factor: 1}
		for i := range b.MaxVectorsPerTier {
			b.MaxVectorsPerTier[i] = int(^uint(0) >> 1)
		}
		return b
	}
	return c.budget.Load()
}

// CheckCapacity reports whether tier, currently holding count records, can
// accept another one. Exceeded means count has reached the ceiling.
func (c *Controller) CheckCapacity(tier model.Tier, count int) CapacityStatus {
	if c == nil {
		return CapacityStatus{Level: CapacityOk}
	}
	limit := c.CurrentBudget().MaxVectors(tier)
	if limit <= 0 {
		return CapacityStatus{Level: CapacityExceeded, Percent: 100}
	}
	st := CapacityStatus{Max: limit, Percent: float64(count) / float64(limit) * 100}
	switch {
	case count >= limit:
		st.Level = CapacityExceeded
	case st.Percent >= c.cfg.WarningPercent:
		st.Level = CapacityWarning
	default:
		st.Level = CapacityOk
	}
	return st
}

// Excess reports how many records tier, currently holding count, must shed
// to fall back under the warning level. It is zero while the tier is Ok.
func (c *Controller) Excess(tier model.Tier, count int) int {
	if c == nil || count <= 0 {
		return 0
	}
	limit := c.CurrentBudget().MaxVectors(tier)
	if limit <= 0 {
		return count
	}
	if c.CheckCapacity(tier, count).Level == CapacityOk {
		return 0
	}
	target := int(math.Ceil(float64(limit)*c.cfg.WarningPercent/100)) - 1
	return max(count-max(target, 0), 0)
}

// Refresh samples memory, applies the scaling policy and publishes a new
// budget. On probe failure the previous budget stays in place.
func (c *Controller) Refresh() (*Budget, error) {
	if c == nil {
		return c.CurrentBudget(), nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := c.cfg.Probe.Sample()
	if err != nil {
		return c.budget.Load(), fmt.Errorf("resource: sample memory: %w", err)
	}

	var usage Usage
	if c.usage != nil {
		usage = c.usage()
	}
	c.maybeScaleLocked(info, usage)

	b := c.computeLocked(info)
	c.budget.Store(b)
	if c.cfg.OnBudget != nil {
		c.cfg.OnBudget(b)
	}
	return b, nil
}

func (c *Controller) baseBudget() *Budget {
	b := &Budget{
		MaxCacheBytes: c.cfg.BaseCacheBytes,
		Factor:        1,
		ComputedAt:    c.cfg.Now(),
	}
	for t := range b.MaxVectorsPerTier {
		b.MaxVectorsPerTier[t] = c.capTier(model.Tier(t), c.cfg.BaseMaxVectors)
	}
	return b
}

func (c *Controller) capTier(t model.Tier, n int) int {
	if lim := c.cfg.TierLimits[t]; lim > 0 && lim < n {
		return lim
	}
	return n
}

func (c *Controller) computeLocked(info MemoryInfo) *Budget {
	allowed := float64(min(info.Available, info.Total))
	if ceiling := c.cfg.CeilingFraction * float64(info.Total); ceiling < allowed {
		allowed = ceiling
	}

	cacheRaw := allowed * c.cfg.CacheFraction
	vectorBytes := allowed - cacheRaw

	b := &Budget{
		Memory:     info,
		Factor:     c.factor,
		ComputedAt: c.cfg.Now(),
		MaxCacheBytes: clamp(int64(cacheRaw*c.factor),
			c.cfg.BaseCacheBytes, c.cfg.ScalingMaxCacheBytes),
	}

	var weightSum float64
	for _, w := range c.cfg.TierWeights {
		weightSum += w
	}
	for t := range b.MaxVectorsPerTier {
		share := vectorBytes * c.cfg.TierWeights[t] / weightSum
		n := int64(share / float64(c.cfg.BytesPerVector) * c.factor)
		n = clamp(n, int64(c.cfg.BaseMaxVectors), int64(c.cfg.ScalingMaxVectors))
		b.MaxVectorsPerTier[t] = c.capTier(model.Tier(t), int(n))
	}
	return b
}

func clamp(v, lo, hi int64) int64 {
	return max(lo, min(v, hi))
}
