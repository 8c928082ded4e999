package memtier

import (
	"log/slog"
	"time"

	"github.com/hupe1980/memtier/embedder"
	"github.com/hupe1980/memtier/internal/fs"
	"github.com/hupe1980/memtier/internal/resource"
	"github.com/hupe1980/memtier/model"
	"github.com/hupe1980/memtier/promotion"
)

const (
	defaultCacheBytes        = 64 << 20
	defaultCacheTTL          = 30 * 24 * time.Hour
	defaultQueryCacheEntries = 1024
	defaultPromotionInterval = time.Hour
	defaultResourceInterval  = 30 * time.Second
	defaultSweepInterval     = 10 * time.Minute
	defaultMaxElements       = 1 << 20
)

// IndexParams are the HNSW graph parameters shared by all tiers. Zero
// fields keep the index defaults (M 16, EFConstruction 200, EFSearch 64).
type IndexParams struct {
	M              int
	EFConstruction int
	EFSearch       int
}

type options struct {
	embedder embedder.Embedder
	reranker embedder.Reranker

	tiers [model.NumTiers]model.TierConfig
	index IndexParams

	cacheBytes        int64
	cacheTTL          time.Duration
	syncCacheWrites   bool
	queryCacheEntries int64

	resource         resource.Config
	resourceInterval time.Duration

	policy            *promotion.Policy
	scorer            *promotion.Scorer
	promotionInterval time.Duration
	promotionTicker   promotion.Ticker
	sweepInterval     time.Duration
	background        bool

	metricsCollector MetricsCollector
	logger           *Logger
	now              func() time.Time
	seed             int64
	fs               fs.FileSystem
}

func defaultOptions() options {
	return options{
		tiers:             model.DefaultTierConfigs(),
		cacheBytes:        defaultCacheBytes,
		cacheTTL:          defaultCacheTTL,
		queryCacheEntries: defaultQueryCacheEntries,
		resource:          resource.DefaultConfig(),
		resourceInterval:  defaultResourceInterval,
		promotionInterval: defaultPromotionInterval,
		sweepInterval:     defaultSweepInterval,
		background:        true,
		metricsCollector:  NoopMetricsCollector{},
		logger:            NoopLogger(),
		now:               time.Now,
		fs:                fs.Default,
	}
}

// Option configures Open.
type Option func(*options)

func applyOptions(optFns []Option) options {
	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}
	return o
}

// WithEmbedder sets the embedding provider. It is required; its
// Dimensions fixes the vector dimension of every tier.
func WithEmbedder(e embedder.Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

// WithReranker sets an optional second-stage reranker for Recall. When it
// fails, Recall falls back to vector order.
func WithReranker(r embedder.Reranker) Option {
	return func(o *options) {
		o.reranker = r
	}
}

// WithTierConfig overrides the configuration of one tier.
//
// MaxRecords caps the tier regardless of the memory budget; MaxAge is the
// age after which a low-scoring record is expired.
func WithTierConfig(t model.Tier, cfg model.TierConfig) Option {
	return func(o *options) {
		if t.Valid() {
			o.tiers[t] = cfg
		}
	}
}

// WithIndexParams sets the HNSW parameters.
func WithIndexParams(p IndexParams) Option {
	return func(o *options) {
		o.index = p
	}
}

// WithEmbeddingCache sets the maximum byte budget and the TTL of the
// persistent embedding cache. The resource controller may shrink the
// budget under memory pressure. A zero ttl disables expiry.
func WithEmbeddingCache(maxBytes int64, ttl time.Duration) Option {
	return func(o *options) {
		if maxBytes > 0 {
			o.cacheBytes = maxBytes
		}
		o.cacheTTL = ttl
	}
}

// WithSyncCacheWrites fsyncs every embedding cache write before Remember
// returns. By default writes reach the OS page cache only.
func WithSyncCacheWrites() Option {
	return func(o *options) {
		o.syncCacheWrites = true
	}
}

// WithQueryCache sets how many query embeddings are kept in the in-memory
// hot cache in front of the persistent cache. Zero disables it.
func WithQueryCache(entries int64) Option {
	return func(o *options) {
		o.queryCacheEntries = entries
	}
}

// WithResourceConfig replaces the resource controller policy. TierLimits
// are filled from the tier configs.
func WithResourceConfig(cfg ResourceConfig) Option {
	return func(o *options) {
		o.resource = cfg
	}
}

// WithResourceInterval sets how often the memory budget is refreshed.
func WithResourceInterval(d time.Duration) Option {
	return func(o *options) {
		o.resourceInterval = d
	}
}

// WithPromotionPolicy replaces the default promotion policy.
func WithPromotionPolicy(p promotion.Policy) Option {
	return func(o *options) {
		o.policy = &p
	}
}

// WithScorer replaces the default promotion scorer.
func WithScorer(s promotion.Scorer) Option {
	return func(o *options) {
		o.scorer = &s
	}
}

// WithPromotionInterval sets the period of the background promotion
// cycle.
func WithPromotionInterval(d time.Duration) Option {
	return func(o *options) {
		o.promotionInterval = d
	}
}

// WithPromotionTicker drives the background promotion cycle from t
// instead of a wall clock ticker. Useful in tests with
// promotion.ManualTicker.
func WithPromotionTicker(t promotion.Ticker) Option {
	return func(o *options) {
		o.promotionTicker = t
	}
}

// WithoutBackground disables the background promotion, budget refresh and
// cache sweep loops. RunPromotionCycle still works.
func WithoutBackground() Option {
	return func(o *options) {
		o.background = false
	}
}

// WithMetricsCollector sets the metrics collector.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel is a shortcut for a text logger at level.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithClock overrides the clock used for timestamps, expiry and scoring.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSeed makes HNSW level assignment reproducible.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = seed
	}
}

func withFS(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

type rememberOptions struct {
	scoreHint float64
	kind      string
	tags      []string
	project   string
	session   string
}

// RememberOption configures a single Remember call.
type RememberOption func(*rememberOptions)

func applyRememberOptions(optFns []RememberOption) rememberOptions {
	ro := rememberOptions{scoreHint: -1}
	for _, fn := range optFns {
		fn(&ro)
	}
	return ro
}

// WithScoreHint sets the importance of the record in [0,1]. Without it,
// importance is inferred from keywords in the text, falling back to the
// scorer default.
func WithScoreHint(hint float64) RememberOption {
	return func(o *rememberOptions) {
		o.scoreHint = min(max(hint, 0), 1)
	}
}

// WithKind labels the record, e.g. "fact" or "preference".
func WithKind(kind string) RememberOption {
	return func(o *rememberOptions) {
		o.kind = kind
	}
}

// WithTags attaches free-form tags.
func WithTags(tags ...string) RememberOption {
	return func(o *rememberOptions) {
		o.tags = append(o.tags, tags...)
	}
}

// WithProject scopes the record to a project.
func WithProject(project string) RememberOption {
	return func(o *rememberOptions) {
		o.project = project
	}
}

// WithSession records the session that produced the record.
func WithSession(session string) RememberOption {
	return func(o *rememberOptions) {
		o.session = session
	}
}
