package memtier

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/hupe1980/memtier/embedder"
	"github.com/hupe1980/memtier/internal/cache"
	"github.com/hupe1980/memtier/internal/hnsw"
	"github.com/hupe1980/memtier/internal/resource"
	"github.com/hupe1980/memtier/internal/store"
	"github.com/hupe1980/memtier/internal/tier"
	"github.com/hupe1980/memtier/internal/wal"
	"github.com/hupe1980/memtier/model"
	"github.com/hupe1980/memtier/promotion"
)

const cacheFileName = "embeddings.wal"

// Memory is a tiered semantic memory rooted at one directory.
//
// Memory is safe for concurrent use.
type Memory struct {
	dir      string
	opts     options
	logger   *Logger
	metrics  MetricsCollector
	embedder embedder.Embedder
	model    string
	dim      int

	rc     *resource.Controller
	cache  *cache.Cache
	hot    *ristretto.Cache
	tiers  [model.NumTiers]*tier.Tier
	engine *promotion.Engine

	ids   *idSource
	locks *recordLocks
	// moveMu makes each promotion move atomic with respect to Recall: a
	// search sees a moving record in its source or its target tier.
	moveMu sync.RWMutex

	capacityWarned [model.NumTiers]atomic.Bool

	closed atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open opens or creates a memory in dir.
//
// Each tier's index is loaded from its snapshot when it agrees with the
// tier's store and rebuilt from the store otherwise. The embedding cache
// is replayed from its log; a torn tail is truncated and reported in the
// log output.
func Open(ctx context.Context, dir string, optFns ...Option) (*Memory, error) {
	o := applyOptions(optFns)
	if o.embedder == nil {
		return nil, errors.New("memtier: an embedder is required")
	}
	dim := o.embedder.Dimensions()
	if dim <= 0 {
		return nil, fmt.Errorf("memtier: invalid embedder dimension %d", dim)
	}
	if err := o.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrStorageIO, dir, err)
	}

	m := &Memory{
		dir:      dir,
		opts:     o,
		logger:   o.logger,
		metrics:  o.metricsCollector,
		embedder: o.embedder,
		model:    o.embedder.Model(),
		dim:      dim,
		ids:      newIDSource(),
		locks:    newRecordLocks(),
	}

	rcfg := o.resource
	for t, tc := range o.tiers {
		if tc.MaxRecords > 0 {
			rcfg.TierLimits[t] = tc.MaxRecords
		}
	}
	if rcfg.Logger == nil {
		rcfg.Logger = o.logger.With("component", "resource")
	}
	userHook := rcfg.OnBudget
	rcfg.OnBudget = func(b *resource.Budget) {
		m.applyBudget(b)
		if userHook != nil {
			userHook(b)
		}
	}
	m.rc = resource.NewController(rcfg)

	copts := cache.Options{
		MaxBytes: m.cacheBudget(m.rc.CurrentBudget()),
		TTL:      o.cacheTTL,
		Path:     filepath.Join(dir, cacheFileName),
		FS:       o.fs,
		Now:      o.now,
	}
	if o.syncCacheWrites {
		copts.Durability = wal.DurabilitySync
	}
	c, err := cache.Open(copts)
	if err != nil {
		return nil, fmt.Errorf("memtier: open embedding cache: %w", err)
	}
	m.cache = c
	m.logger.LogRecovery(ctx, c.Recovery())

	if o.queryCacheEntries > 0 {
		hot, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: o.queryCacheEntries * 10,
			MaxCost:     o.queryCacheEntries,
			BufferItems: 64,
		})
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("memtier: query cache: %w", err)
		}
		m.hot = hot
	}

	for _, t := range model.AllTiers {
		tr, err := tier.Open(ctx, m.tierConfig(t))
		if err != nil {
			m.closeResources()
			return nil, fmt.Errorf("memtier: open tier %s: %w", t, translateError(err))
		}
		m.tiers[t] = tr
	}

	policy := promotion.DefaultPolicy(o.tiers)
	if o.policy != nil {
		policy = *o.policy
	}
	scorer := promotion.DefaultScorer()
	if o.scorer != nil {
		scorer = *o.scorer
	}
	m.engine = promotion.New(mover{m: m}, promotion.Config{
		Policy: policy,
		Scorer: scorer,
		Pressure: func(t model.Tier) int {
			return m.rc.Excess(t, m.tiers[t].Len())
		},
		Logger: o.logger.With("component", "promotion"),
		Now:    o.now,
	})
	for _, t := range model.AllTiers {
		err := m.tiers[t].Iterate(ctx, func(rec *model.Record) error {
			m.engine.Track(rec)
			return nil
		})
		if err != nil {
			m.closeResources()
			return nil, fmt.Errorf("memtier: index tier %s: %w", t, translateError(err))
		}
	}

	m.rc.SetUsageSource(m.usage)

	if o.background {
		m.startBackground()
	}

	m.logger.InfoContext(ctx, "Memory opened",
		"dir", dir,
		"model", m.model,
		"dimension", dim,
		"interact", m.tiers[model.Interact].Len(),
		"insights", m.tiers[model.Insights].Len(),
		"assets", m.tiers[model.Assets].Len(),
	)
	return m, nil
}

func (m *Memory) tierConfig(t model.Tier) tier.Config {
	idx := hnsw.Options{
		M:                m.opts.index.M,
		EFConstruction:   m.opts.index.EFConstruction,
		EFSearch:         m.opts.index.EFSearch,
		MaxElements:      max(defaultMaxElements, m.opts.tiers[t].MaxRecords),
		CompactThreshold: hnsw.DefaultOptions.CompactThreshold,
	}
	if m.opts.seed != 0 {
		idx.Seed = m.opts.seed + int64(t)
	}
	return tier.Config{
		Tier:      t,
		Dir:       m.dir,
		Dimension: m.dim,
		Index:     idx,
		FS:        m.opts.fs,
		Logger:    m.logger.Logger,
		Now:       m.opts.now,
	}
}

// cacheBudget is the controller's cache budget capped at the configured
// maximum.
func (m *Memory) cacheBudget(b *resource.Budget) int64 {
	return min(m.opts.cacheBytes, b.MaxCacheBytes)
}

// applyBudget runs under the controller lock whenever a budget is
// published. The first call happens before the cache exists.
func (m *Memory) applyBudget(b *resource.Budget) {
	if m.cache == nil {
		return
	}
	m.cache.SetBudget(m.cacheBudget(b))
}

func (m *Memory) usage() resource.Usage {
	var u resource.Usage
	for t, tr := range m.tiers {
		u.Records[t] = tr.Len()
	}
	u.CacheBytes = m.cache.Stats().Bytes
	return u
}

// Remember embeds text and stores it in tierHint. It returns the new
// record's id.
//
// Remember fails with ErrTierFull when the tier has reached its budget and
// with ErrEmbeddingUnavailable when the provider fails. A failed call
// leaves no record and no embedding cache entry behind.
func (m *Memory) Remember(ctx context.Context, text string, tierHint Tier, optFns ...RememberOption) (id string, err error) {
	start := time.Now()
	defer func() {
		m.metrics.RecordRemember(tierHint, time.Since(start), err)
		m.logger.LogRemember(ctx, id, tierHint, err)
	}()

	if m.closed.Load() {
		return "", ErrClosed
	}
	if !tierHint.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidTier, tierHint)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}

	ro := applyRememberOptions(optFns)

	key := cache.Key(m.model, text)
	vec, computed, err := m.embed(ctx, key, text)
	if err != nil {
		return "", err
	}
	// An embedding computed for a write that then fails is not kept.
	defer func() {
		if err != nil && computed {
			_, _ = m.cache.Delete(key)
		}
	}()

	tr := m.tiers[tierHint]
	status := m.rc.CheckCapacity(tierHint, tr.Len())
	switch status.Level {
	case resource.CapacityExceeded:
		return "", fmt.Errorf("%w: %s holds %d of %d records", ErrTierFull, tierHint, tr.Len(), status.Max)
	case resource.CapacityWarning:
		if m.capacityWarned[tierHint].CompareAndSwap(false, true) {
			m.logger.WarnContext(ctx, "Tier approaching capacity",
				"tier", tierHint.String(), "percent", status.Percent, "max", status.Max)
		}
	default:
		m.capacityWarned[tierHint].Store(false)
	}

	now := m.opts.now()
	id, err = m.ids.next(now)
	if err != nil {
		return "", fmt.Errorf("memtier: generate id: %w", err)
	}

	hint := ro.scoreHint
	if hint < 0 {
		if imp, ok := promotion.KeywordImportance(text); ok {
			hint = imp
		}
	}

	rec := &model.Record{
		ID:             id,
		Vector:         vec,
		Text:           text,
		Tier:           tierHint,
		CreatedAt:      now,
		LastAccessedAt: now,
		ScoreHint:      hint,
		Kind:           ro.kind,
		Tags:           ro.tags,
		Project:        ro.project,
		Session:        ro.session,
	}
	if err := tr.Put(ctx, rec); err != nil {
		return "", translateError(err)
	}
	m.engine.Track(rec)
	return id, nil
}

// embed returns the embedding of text, computing it on a cache miss.
// computed reports whether this call invoked the provider.
func (m *Memory) embed(ctx context.Context, key, text string) (vec []float32, computed bool, err error) {
	start := time.Now()
	var called atomic.Bool
	vec, err = m.cache.GetOrCompute(ctx, key, func(ctx context.Context) ([]float32, error) {
		called.Store(true)
		v, err := m.embedder.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if len(v) != m.dim {
			return nil, &ErrDimensionMismatch{Expected: m.dim, Actual: len(v)}
		}
		return v, nil
	})
	computed = called.Load()
	m.metrics.RecordEmbedding(!computed, time.Since(start), err)
	if err == nil {
		return vec, computed, nil
	}

	var dm *ErrDimensionMismatch
	switch {
	case errors.Is(err, cache.ErrClosed):
		return nil, false, translateError(err)
	case errors.As(err, &dm):
		return nil, false, err
	case ctx.Err() != nil:
		return nil, false, ctx.Err()
	default:
		return nil, false, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
}

// queryVector embeds a recall query, consulting the hot cache first.
func (m *Memory) queryVector(ctx context.Context, query string) ([]float32, error) {
	key := cache.Key(m.model, query)
	if m.hot != nil {
		if v, ok := m.hot.Get(key); ok {
			m.metrics.RecordEmbedding(true, 0, nil)
			return v.([]float32), nil
		}
	}
	vec, _, err := m.embed(ctx, key, query)
	if err != nil {
		return nil, err
	}
	if m.hot != nil {
		m.hot.Set(key, vec, 1)
	}
	return vec, nil
}

// Forget deletes the record with the given id from whichever tier holds
// it.
func (m *Memory) Forget(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() {
		m.metrics.RecordForget(time.Since(start), err)
		m.logger.LogForget(ctx, id, err)
	}()

	if m.closed.Load() {
		return ErrClosed
	}

	unlock := m.locks.lock(id)
	defer unlock()

	rec, err := m.locate(ctx, id)
	if err != nil {
		return err
	}
	if err := m.tiers[rec.Tier].Delete(ctx, id); err != nil {
		return translateError(err)
	}
	m.engine.Untrack(rec.Tier, id)
	return nil
}

// Get returns the record with the given id. It does not count as an
// access.
func (m *Memory) Get(ctx context.Context, id string) (*Record, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	return m.locate(ctx, id)
}

func (m *Memory) locate(ctx context.Context, id string) (*model.Record, error) {
	for _, tr := range m.tiers {
		rec, err := tr.Get(ctx, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, translateError(err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// touch records a read hit on id. It looks in t first and then in the
// other tiers, since a promotion may have moved the record after it was
// found.
func (m *Memory) touch(ctx context.Context, t model.Tier, id string, at time.Time) (*model.Record, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	rec, err := m.tiers[t].Touch(ctx, id, at)
	if errors.Is(err, store.ErrNotFound) {
		for _, other := range model.AllTiers {
			if other == t {
				continue
			}
			rec, err = m.tiers[other].Touch(ctx, id, at)
			if !errors.Is(err, store.ErrNotFound) {
				t = other
				break
			}
		}
	}
	if err != nil {
		return nil, err
	}
	m.engine.Index(t).Touch(id, rec.LastAccessedAt)
	return rec, nil
}

// RunPromotionCycle runs one promotion cycle now. It returns
// promotion.ErrCycleInProgress when a cycle is already running.
func (m *Memory) RunPromotionCycle(ctx context.Context) (CycleStats, error) {
	if m.closed.Load() {
		return CycleStats{}, ErrClosed
	}
	if m.engine.Running() {
		return CycleStats{}, promotion.ErrCycleInProgress
	}
	if err := m.rc.AcquireBackground(ctx); err != nil {
		return CycleStats{}, err
	}
	defer m.rc.ReleaseBackground()

	stats, err := m.engine.RunCycle(ctx)
	if errors.Is(err, promotion.ErrCycleInProgress) {
		return stats, err
	}
	m.metrics.RecordPromotion(stats, err)
	m.logger.LogPromotion(ctx, stats, err)
	return stats, err
}

// Dimension returns the vector dimension.
func (m *Memory) Dimension() int { return m.dim }

// Dir returns the directory the memory lives in.
func (m *Memory) Dir() string { return m.dir }

// Close stops the background loops, snapshots every tier index and closes
// the stores and the embedding cache. Close is idempotent.
func (m *Memory) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	err := m.closeResources()
	m.logger.Info("Memory closed", "dir", m.dir)
	return err
}

func (m *Memory) closeResources() error {
	var errs []error
	for _, tr := range m.tiers {
		if tr == nil {
			continue
		}
		if err := tr.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.cache != nil {
		if err := m.cache.Close(); err != nil && !errors.Is(err, cache.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if m.hot != nil {
		m.hot.Close()
	}
	return errors.Join(errs...)
}
