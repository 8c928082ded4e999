package resource

import (
	"time"

	"github.com/hupe1980/memtier/model"
)

// maxHistory bounds the scaling history.
const maxHistory = 100

// Scale factors applied by the adaptive policy.
const (
	scaleCritical = 0.7
	scaleHigh     = 0.85
	scaleGrow     = 1.3
	scaleGrowth   = 1.2

	minFactor = 0.05
	maxFactor = 20.0
)

// ScalingTrigger names why the budget was rescaled.
type ScalingTrigger uint8

const (
	TriggerMemoryPressure ScalingTrigger = iota + 1
	TriggerMemoryAvailable
	TriggerUsageGrowth
	TriggerManual
)

func (t ScalingTrigger) String() string {
	switch t {
	case TriggerMemoryPressure:
		return "memory_pressure"
	case TriggerMemoryAvailable:
		return "memory_available"
	case TriggerUsageGrowth:
		return "usage_growth"
	case TriggerManual:
		return "manual"
	default:
		return "unknown"
	}
}

// ScalingEvent records one change of the scaling factor.
type ScalingEvent struct {
	At            time.Time
	Trigger       ScalingTrigger
	OldFactor     float64
	NewFactor     float64
	MemoryUsedPct float64
	VectorUsePct  float64
}

// ScalingStats summarizes the scaling history.
type ScalingStats struct {
	Events         int
	Factor         float64
	PressureEvents int
	Last           *ScalingEvent
}

// vectorUsagePercent is the fill level of the fullest tier.
func (c *Controller) vectorUsagePercent(u Usage) float64 {
	b := c.budget.Load()
	var pct float64
	for t, n := range u.Records {
		if limit := b.MaxVectors(model.Tier(t)); limit > 0 {
			pct = max(pct, float64(n)/float64(limit)*100)
		}
	}
	return pct
}

// decide returns the scale factor and trigger for the observed state, or
// ok=false when the budget should stay.
func (c *Controller) decide(memPct, vecPct float64) (float64, ScalingTrigger, bool) {
	target, critical := c.cfg.TargetUsagePercent, c.cfg.CriticalUsagePercent
	switch {
	case memPct > critical:
		return scaleCritical, TriggerMemoryPressure, true
	case memPct > target+15:
		return scaleHigh, TriggerMemoryPressure, true
	case memPct < target-10 && vecPct > 80:
		return scaleGrow, TriggerMemoryAvailable, true
	case vecPct > 90 && memPct < target:
		return scaleGrowth, TriggerUsageGrowth, true
	default:
		return 0, 0, false
	}
}

func (c *Controller) maybeScaleLocked(info MemoryInfo, usage Usage) {
	now := c.cfg.Now()
	if !c.lastScaled.IsZero() && now.Sub(c.lastScaled) < c.cfg.ScalingCooldown {
		return
	}

	memPct := info.UsedPercent()
	vecPct := c.vectorUsagePercent(usage)
	scale, trigger, ok := c.decide(memPct, vecPct)
	if !ok {
		return
	}

	old := c.factor
	c.factor = min(max(c.factor*scale, minFactor), maxFactor)
	if c.factor == old {
		return
	}
	c.lastScaled = now
	c.recordLocked(ScalingEvent{
		At:            now,
		Trigger:       trigger,
		OldFactor:     old,
		NewFactor:     c.factor,
		MemoryUsedPct: memPct,
		VectorUsePct:  vecPct,
	})
}

func (c *Controller) recordLocked(ev ScalingEvent) {
	c.history = append(c.history, ev)
	if n := len(c.history); n > maxHistory {
		c.history = append(c.history[:0:0], c.history[n-maxHistory:]...)
	}
	c.cfg.Logger.Info("resource budget rescaled",
		"trigger", ev.Trigger.String(),
		"old_factor", ev.OldFactor,
		"new_factor", ev.NewFactor,
		"memory_used_pct", ev.MemoryUsedPct,
		"vector_use_pct", ev.VectorUsePct,
	)
}

// SetFactor overrides the scaling factor and recomputes the budget from the
// last memory observation.
func (c *Controller) SetFactor(factor float64) *Budget {
	if c == nil {
		return c.CurrentBudget()
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	factor = min(max(factor, minFactor), maxFactor)
	now := c.cfg.Now()
	prev := c.budget.Load()
	c.recordLocked(ScalingEvent{
		At:            now,
		Trigger:       TriggerManual,
		OldFactor:     c.factor,
		NewFactor:     factor,
		MemoryUsedPct: prev.Memory.UsedPercent(),
	})
	c.factor = factor
	c.lastScaled = now

	var b *Budget
	if prev.Memory.Total > 0 {
		b = c.computeLocked(prev.Memory)
	} else {
		b = c.baseBudget()
	}
	c.budget.Store(b)
	if c.cfg.OnBudget != nil {
		c.cfg.OnBudget(b)
	}
	return b
}

// History returns a copy of the scaling events, oldest first.
func (c *Controller) History() []ScalingEvent {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ScalingEvent(nil), c.history...)
}

// ScalingStats summarizes the scaling history.
func (c *Controller) ScalingStats() ScalingStats {
	if c == nil {
		return ScalingStats{Factor: 1}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	st := ScalingStats{Events: len(c.history), Factor: c.factor}
	for i := range c.history {
		if c.history[i].Trigger == TriggerMemoryPressure {
			st.PressureEvents++
		}
	}
	if n := len(c.history); n > 0 {
		last := c.history[n-1]
		st.Last = &last
	}
	return st
}
