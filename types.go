package memtier

import (
	"github.com/hupe1980/memtier/internal/cache"
	"github.com/hupe1980/memtier/internal/resource"
	"github.com/hupe1980/memtier/model"
	"github.com/hupe1980/memtier/promotion"
)

type (
	// Tier is a retention level.
	Tier = model.Tier
	// TierConfig configures one tier.
	TierConfig = model.TierConfig
	// Record is a stored memory.
	Record = model.Record
	// ScoredRecord is a Recall hit.
	ScoredRecord = model.ScoredRecord

	// ResourceConfig is the resource controller policy.
	ResourceConfig = resource.Config
	// Budget is a published resource budget.
	Budget = resource.Budget
	// MemoryProbe samples system memory.
	MemoryProbe = resource.MemoryProbe
	// MemoryInfo is one memory sample.
	MemoryInfo = resource.MemoryInfo
	// StaticProbe reports a fixed sample.
	StaticProbe = resource.StaticProbe
	// CapacityStatus is a tier's fill level against its budget.
	CapacityStatus = resource.CapacityStatus
	// ScalingStats summarizes budget rescaling.
	ScalingStats = resource.ScalingStats

	// CacheStats are the embedding cache counters.
	CacheStats = cache.Stats
	// CycleStats describes one promotion cycle.
	CycleStats = promotion.CycleStats
)

const (
	Interact = model.Interact
	Insights = model.Insights
	Assets   = model.Assets
	NumTiers = model.NumTiers
)

// DefaultResourceConfig returns the stock resource policy.
func DefaultResourceConfig() ResourceConfig { return resource.DefaultConfig() }

// DefaultTierConfigs returns the stock tier configuration.
func DefaultTierConfigs() [NumTiers]TierConfig { return model.DefaultTierConfigs() }

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) { return model.ParseTier(s) }
