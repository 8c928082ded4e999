// Package promexporter exports memtier metrics to Prometheus.
//
//	reg := prometheus.NewRegistry()
//	exp, _ := promexporter.New(reg)
//	mem, _ := memtier.Open(ctx, dir, memtier.WithMetricsCollector(exp), ...)
//	_ = reg.Register(promexporter.NewStatsCollector(mem))
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package promexporter

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/memtier"
	"github.com/hupe1980/memtier/model"
	"github.com/hupe1980/memtier/promotion"
)

const namespace = "memtier"

// Exporter implements memtier.MetricsCollector with Prometheus metrics.
type Exporter struct {
	opLatency  *prometheus.HistogramVec
	remembered *prometheus.CounterVec
	recalled   prometheus.Counter
	embeddings *prometheus.CounterVec
	cycles     *prometheus.CounterVec
	promoted   *prometheus.CounterVec
	expired    *prometheus.CounterVec
	failures   prometheus.Counter
	cyclePhase *prometheus.HistogramVec
}

var _ memtier.MetricsCollector = (*Exporter)(nil)

// New creates an exporter and registers its metrics with reg.
func New(reg prometheus.Registerer) (*Exporter, error) {
	e := &Exporter{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of memory operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
		remembered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remembered_total",
			Help:      "Records stored, by tier.",
		}, []string{"tier"}),
		recalled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recall_results_total",
			Help:      "Records returned by Recall.",
		}),
		embeddings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embeddings_total",
			Help:      "Embedding lookups by source (cache or provider) and status.",
		}, []string{"source", "status"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotion_cycles_total",
			Help:      "Promotion cycles by status.",
		}, []string{"status"}),
		promoted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promoted_total",
			Help:      "Records promoted, by source tier.",
		}, []string{"tier"}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_total",
			Help:      "Records expired, by tier.",
		}, []string{"tier"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotion_failures_total",
			Help:      "Promotion moves or expiries that failed.",
		}),
		cyclePhase: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "promotion_phase_duration_seconds",
			Help:      "Duration of promotion cycle phases.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"phase"}),
	}

	for _, c := range []prometheus.Collector{
		e.opLatency, e.remembered, e.recalled, e.embeddings,
		e.cycles, e.promoted, e.expired, e.failures, e.cyclePhase,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordRemember implements memtier.MetricsCollector.
func (e *Exporter) RecordRemember(t model.Tier, d time.Duration, err error) {
	e.opLatency.WithLabelValues("remember", status(err)).Observe(d.Seconds())
	if err == nil {
		e.remembered.WithLabelValues(t.String()).Inc()
	}
}

// RecordRecall implements memtier.MetricsCollector.
func (e *Exporter) RecordRecall(_, results int, d time.Duration, err error) {
	e.opLatency.WithLabelValues("recall", status(err)).Observe(d.Seconds())
	e.recalled.Add(float64(results))
}

// RecordForget implements memtier.MetricsCollector.
func (e *Exporter) RecordForget(d time.Duration, err error) {
	e.opLatency.WithLabelValues("forget", status(err)).Observe(d.Seconds())
}

// RecordEmbedding implements memtier.MetricsCollector.
func (e *Exporter) RecordEmbedding(cacheHit bool, d time.Duration, err error) {
	source := "provider"
	if cacheHit {
		source = "cache"
	}
	e.embeddings.WithLabelValues(source, status(err)).Inc()
	if !cacheHit {
		e.opLatency.WithLabelValues("embed", status(err)).Observe(d.Seconds())
	}
}

// RecordPromotion implements memtier.MetricsCollector.
func (e *Exporter) RecordPromotion(st promotion.CycleStats, err error) {
	e.cycles.WithLabelValues(status(err)).Inc()
	for _, t := range model.AllTiers {
		if n := st.Promoted[t]; n > 0 {
			e.promoted.WithLabelValues(t.String()).Add(float64(n))
		}
		if n := st.Expired[t]; n > 0 {
			e.expired.WithLabelValues(t.String()).Add(float64(n))
		}
	}
	e.failures.Add(float64(st.Failures))
	e.cyclePhase.WithLabelValues("scan").Observe(st.ScanDuration.Seconds())
	e.cyclePhase.WithLabelValues("score").Observe(st.ScoreDuration.Seconds())
	e.cyclePhase.WithLabelValues("apply").Observe(st.ApplyDuration.Seconds())
}

// StatsSource is implemented by *memtier.Memory.
type StatsSource interface {
	Stats(ctx context.Context) (memtier.MemoryStats, error)
}

// StatsCollector reports gauges from Stats on every scrape.
type StatsCollector struct {
	src     StatsSource
	timeout time.Duration

	records    *prometheus.Desc
	indexed    *prometheus.Desc
	pending    *prometheus.Desc
	tombstones *prometheus.Desc
	capacity   *prometheus.Desc
	cacheBytes *prometheus.Desc
	cacheLen   *prometheus.Desc
	cacheRatio *prometheus.Desc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

// NewStatsCollector creates a collector over src.
func NewStatsCollector(src StatsSource) *StatsCollector {
	tierLabel := []string{"tier"}
	return &StatsCollector{
		src:        src,
		timeout:    5 * time.Second,
		records:    prometheus.NewDesc(namespace+"_records", "Durable records per tier.", tierLabel, nil),
		indexed:    prometheus.NewDesc(namespace+"_indexed_records", "Records in the tier index.", tierLabel, nil),
		pending:    prometheus.NewDesc(namespace+"_pending_index_retries", "Records waiting for an index retry.", tierLabel, nil),
		tombstones: prometheus.NewDesc(namespace+"_index_tombstone_ratio", "Deleted fraction of the tier index.", tierLabel, nil),
		capacity:   prometheus.NewDesc(namespace+"_tier_capacity_ratio", "Records over the tier budget.", tierLabel, nil),
		cacheBytes: prometheus.NewDesc(namespace+"_embedding_cache_bytes", "Bytes held by the embedding cache.", nil, nil),
		cacheLen:   prometheus.NewDesc(namespace+"_embedding_cache_entries", "Entries in the embedding cache.", nil, nil),
		cacheRatio: prometheus.NewDesc(namespace+"_embedding_cache_hit_ratio", "Embedding cache hit ratio.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.records, c.indexed, c.pending, c.tombstones, c.capacity,
		c.cacheBytes, c.cacheLen, c.cacheRatio,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector. A failing Stats call yields
// no samples.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	st, err := c.src.Stats(ctx)
	if err != nil {
		return
	}
	for _, ts := range st.Tiers {
		name := ts.Tier.String()
		ch <- prometheus.MustNewConstMetric(c.records, prometheus.GaugeValue, float64(ts.Records), name)
		ch <- prometheus.MustNewConstMetric(c.indexed, prometheus.GaugeValue, float64(ts.Indexed), name)
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(ts.PendingRetries), name)
		ch <- prometheus.MustNewConstMetric(c.tombstones, prometheus.GaugeValue, ts.TombstoneRatio, name)
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, ts.Capacity.Percent/100, name)
	}
	ch <- prometheus.MustNewConstMetric(c.cacheBytes, prometheus.GaugeValue, float64(st.Cache.Bytes))
	ch <- prometheus.MustNewConstMetric(c.cacheLen, prometheus.GaugeValue, float64(st.Cache.Entries))
	ch <- prometheus.MustNewConstMetric(c.cacheRatio, prometheus.GaugeValue, st.Cache.HitRate())
}
