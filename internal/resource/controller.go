package resource

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hupe1980/memtier/model"
)

// Config holds the controller policy. Zero fields take DefaultConfig values.
type Config struct {
	// Probe observes system memory. Nil uses SystemProbe.
	Probe MemoryProbe

	// CeilingFraction caps the budget at this fraction of total memory.
	CeilingFraction float64
	// CacheFraction of the budget goes to the embedding cache.
	CacheFraction float64
	// TierWeights split the vector budget across tiers.
	TierWeights [model.NumTiers]float64
	// BytesPerVector is the memory cost of one indexed record.
	BytesPerVector int64

	// BaseMaxVectors and ScalingMaxVectors clamp each tier's budget.
	BaseMaxVectors    int
	ScalingMaxVectors int
	// BaseCacheBytes and ScalingMaxCacheBytes clamp the cache budget.
	BaseCacheBytes       int64
	ScalingMaxCacheBytes int64

	// TierLimits are hard per-tier caps applied after scaling. Zero means
	// no cap beyond the computed budget.
	TierLimits [model.NumTiers]int

	// TargetUsagePercent and CriticalUsagePercent drive adaptive scaling.
	TargetUsagePercent   float64
	CriticalUsagePercent float64
	// WarningPercent is the tier fill level reported as Warning.
	WarningPercent  float64
	// ScalingCooldown is the minimum time between rescalings. Negative
	// disables the cooldown.
	ScalingCooldown time.Duration

	// MaxBackgroundWorkers is the number of concurrent background jobs.
	MaxBackgroundWorkers int64
	// IOLimitBytesPerSec throttles background IO. Zero is unlimited.
	IOLimitBytesPerSec int64

	// OnBudget is called with every budget Refresh or SetFactor publishes,
	// under the controller lock. It must not call Refresh or SetFactor.
	OnBudget func(*Budget)

	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		CeilingFraction:      0.5,
		CacheFraction:        0.1,
		TierWeights:          [model.NumTiers]float64{0.2, 0.3, 0.5},
		BytesPerVector:       1024*4 + 512,
		BaseMaxVectors:       100_000,
		ScalingMaxVectors:    5_000_000,
		BaseCacheBytes:       256 << 20,
		ScalingMaxCacheBytes: 4 << 30,
		TargetUsagePercent:   60,
		CriticalUsagePercent: 85,
		WarningPercent:       80,
		ScalingCooldown:      5 * time.Minute,
		MaxBackgroundWorkers: 1,
	}
}

func (c *Config) fill() {
	def := DefaultConfig()
	if c.Probe == nil {
		c.Probe = SystemProbe{}
	}
	if c.CeilingFraction <= 0 || c.CeilingFraction > 1 {
		c.CeilingFraction = def.CeilingFraction
	}
	if c.CacheFraction <= 0 || c.CacheFraction >= 1 {
		c.CacheFraction = def.CacheFraction
	}
	var sum float64
	for _, w := range c.TierWeights {
		sum += w
	}
	if sum <= 0 {
		c.TierWeights = def.TierWeights
	}
	if c.BytesPerVector <= 0 {
		c.BytesPerVector = def.BytesPerVector
	}
	if c.BaseMaxVectors <= 0 {
		c.BaseMaxVectors = def.BaseMaxVectors
	}
	if c.ScalingMaxVectors < c.BaseMaxVectors {
		c.ScalingMaxVectors = max(def.ScalingMaxVectors, c.BaseMaxVectors)
	}
	if c.BaseCacheBytes <= 0 {
		c.BaseCacheBytes = def.BaseCacheBytes
	}
	if c.ScalingMaxCacheBytes < c.BaseCacheBytes {
		c.ScalingMaxCacheBytes = max(def.ScalingMaxCacheBytes, c.BaseCacheBytes)
	}
	if c.TargetUsagePercent <= 0 {
		c.TargetUsagePercent = def.TargetUsagePercent
	}
	if c.CriticalUsagePercent <= c.TargetUsagePercent {
		c.CriticalUsagePercent = max(def.CriticalUsagePercent, c.TargetUsagePercent+1)
	}
	if c.WarningPercent <= 0 || c.WarningPercent > 100 {
		c.WarningPercent = def.WarningPercent
	}
	switch {
	case c.ScalingCooldown == 0:
		c.ScalingCooldown = def.ScalingCooldown
	case c.ScalingCooldown < 0:
		c.ScalingCooldown = 0
	}
	if c.MaxBackgroundWorkers <= 0 {
		c.MaxBackgroundWorkers = def.MaxBackgroundWorkers
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Controller owns the resource budget and background throttles.
type Controller struct {
	cfg Config

	budget atomic.Pointer[Budget]

	mu         sync.Mutex // serializes Refresh and scaling state
	factor     float64
	lastScaled time.Time
	history    []ScalingEvent
	usage      func() Usage

	bgSem     *semaphore.Weighted
	ioLimiter *rate.Limiter
}

// NewController creates a controller and computes the initial budget. A
// failing probe leaves the base limits in place.
func NewController(cfg Config) *Controller {
	cfg.fill()

	c := &Controller{
		cfg:    cfg,
		factor: 1,
		bgSem:  semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
	}
	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	c.budget.Store(c.baseBudget())
	if _, err := c.Refresh(); err != nil {
		cfg.Logger.Warn("memory probe failed, using base limits", "error", err)
	}
	return c
}

// SetUsageSource registers the function Refresh uses to read current
// record counts and cache size.
func (c *Controller) SetUsageSource(fn func() Usage) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage = fn
}

// Run refreshes the budget every interval until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if c == nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := c.Refresh(); err != nil {
				c.cfg.Logger.Warn("resource refresh failed", "error", err)
			}
		}
	}
}

// AcquireBackground reserves a background worker slot, blocking until one
// is free or ctx is done.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.bgSem.Acquire(ctx, 1)
}

// TryAcquireBackground reserves a slot without blocking.
func (c *Controller) TryAcquireBackground() bool {
	if c == nil {
		return true
	}
	return c.bgSem.TryAcquire(1)
}

// ReleaseBackground releases a background worker slot.
func (c *Controller) ReleaseBackground() {
	if c == nil {
		return
	}
	c.bgSem.Release(1)
}

// AcquireIO waits until the IO limit allows n bytes.
func (c *Controller) AcquireIO(ctx context.Context, n int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	// WaitN rejects requests above the burst; split them.
	burst := c.ioLimiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := c.ioLimiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// TryAcquireIO takes n IO tokens without blocking.
func (c *Controller) TryAcquireIO(n int) bool {
	if c == nil || c.ioLimiter == nil {
		return true
	}
	return c.ioLimiter.AllowN(c.cfg.Now(), n)
}

// RateLimitedWriter throttles writes through a controller's IO limiter.
type RateLimitedWriter struct {
	ctx context.Context
	w   io.Writer
	rc  *Controller
}

// NewRateLimitedWriter wraps w. A nil controller passes writes through.
func NewRateLimitedWriter(ctx context.Context, w io.Writer, rc *Controller) *RateLimitedWriter {
	return &RateLimitedWriter{ctx: ctx, w: w, rc: rc}
}

func (w *RateLimitedWriter) Write(p []byte) (int, error) {
	if err := w.rc.AcquireIO(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}
