// Package metrics registers and exposes Prometheus instruments for the
// loader, cache, event bus and admission subsystems.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for threatgraph.
type Metrics struct {
	// Loader metrics
	LoaderBatchesTotal   *prometheus.CounterVec
	LoaderBatchSize      *prometheus.HistogramVec
	LoaderKeysTotal      *prometheus.CounterVec
	LoaderDedupHitsTotal *prometheus.CounterVec
	LoaderKeyErrorsTotal *prometheus.CounterVec
	LoaderBatchDuration  *prometheus.HistogramVec

	// Cache metrics
	CacheRequestsTotal      *prometheus.CounterVec
	CacheInvalidationsTotal *prometheus.CounterVec
	CacheCascadeKeysDeleted prometheus.Counter
	CacheUnavailableTotal   prometheus.Counter
	CacheOperationDuration  *prometheus.HistogramVec

	// Event bus metrics
	BusPublishedTotal     *prometheus.CounterVec
	BusDeliveredTotal     *prometheus.CounterVec
	BusDroppedTotal       *prometheus.CounterVec
	BusSubscriptionsGauge prometheus.Gauge

	// Admission metrics
	AdmissionAllowedTotal     *prometheus.CounterVec
	AdmissionRateLimitedTotal *prometheus.CounterVec
	AdmissionRejectedCost     prometheus.Counter
	QueryCostScore            prometheus.Histogram
}

// Get returns the metrics singleton.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics.
func newMetrics() *Metrics {
	m := &Metrics{}

	// Loader metrics
	m.LoaderBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatgraph_loader_batches_total",
			Help: "Total number of dispatched fetch batches",
		},
		[]string{"loader"},
	)

	m.LoaderBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threatgraph_loader_batch_size",
			Help:    "Number of deduplicated keys per dispatched batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1 to 128
		},
		[]string{"loader"},
	)

	m.LoaderKeysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatgraph_loader_keys_total",
			Help: "Total number of keys requested through loaders",
		},
		[]string{"loader"},
	)

	m.LoaderDedupHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatgraph_loader_dedup_hits_total",
			Help: "Load calls served from the loader's per-scope memo",
		},
		[]string{"loader"},
	)

	m.LoaderKeyErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatgraph_loader_key_errors_total",
			Help: "Keys degraded to a fallback value by a failing fetch",
		},
		[]string{"loader"},
	)

	m.LoaderBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threatgraph_loader_batch_duration_seconds",
			Help:    "Batch fetch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"loader"},
	)

	// Cache metrics
	m.CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatgraph_cache_requests_total",
			Help: "Cache lookups by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	m.CacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatgraph_cache_invalidations_total",
			Help: "Invalidation operations by trigger",
		},
		[]string{"trigger"},
	)

	m.CacheCascadeKeysDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatgraph_cache_cascade_keys_deleted_total",
			Help: "Dependent keys removed by cascading invalidation",
		},
	)

	m.CacheUnavailableTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatgraph_cache_unavailable_total",
			Help: "Shared cache operations degraded to the backing store",
		},
	)

	m.CacheOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threatgraph_cache_operation_duration_seconds",
			Help:    "Shared cache operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"operation"},
	)

	// Event bus metrics
	m.BusPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatgraph_bus_published_total",
			Help: "Events published by topic",
		},
		[]string{"topic"},
	)

	m.BusDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatgraph_bus_delivered_total",
			Help: "Events enqueued to matching subscriptions by topic",
		},
		[]string{"topic"},
	)

	m.BusDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatgraph_bus_dropped_total",
			Help: "Non-critical events dropped under backpressure by topic",
		},
		[]string{"topic"},
	)

	m.BusSubscriptionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threatgraph_bus_subscriptions",
			Help: "Number of active subscriptions",
		},
	)

	// Admission metrics
	m.AdmissionAllowedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatgraph_admission_allowed_total",
			Help: "Requests admitted by operation class",
		},
		[]string{"class"},
	)

	m.AdmissionRateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatgraph_admission_rate_limited_total",
			Help: "Requests rejected by the rate limiter by operation class",
		},
		[]string{"class"},
	)

	m.AdmissionRejectedCost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatgraph_admission_rejected_cost_total",
			Help: "Requests rejected for exceeding the query cost ceiling",
		},
	)

	m.QueryCostScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "threatgraph_query_cost_score",
			Help:    "Computed static cost of admitted and rejected queries",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1 to ~16k
		},
	)

	return m
}
