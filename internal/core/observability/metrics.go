package observability

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	upstreamLatencySeconds     *prometheus.HistogramVec
	buildInfo                  *prometheus.GaugeVec

	layerCacheResults   *prometheus.CounterVec
	layerCacheEvictions prometheus.Counter
	layerCacheEntries   prometheus.Gauge
	layerFetches        *prometheus.CounterVec
	prefetchItems       *prometheus.CounterVec
	staleCompletions    *prometheus.CounterVec

	valueSamples *prometheus.CounterVec
	layerSyncOps *prometheus.CounterVec

	cacheOps        *prometheus.CounterVec
	cacheOpDuration *prometheus.HistogramVec
	conditions      *prometheus.CounterVec

	invalidationLag       prometheus.Gauge
	datasetInvalidatedAt  *prometheus.GaugeVec
	selectionEventsQueued *prometheus.CounterVec
}

var current atomic.Pointer[metricSet]

func init() {
	current.Store(newMetricSet())
}

// Init installs a fresh metric set; when enabled it is registered on reg.
func Init(reg prometheus.Registerer, enabled bool) {
	m := newMetricSet()
	if enabled && reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	current.Store(m)
}

func set() *metricSet { return current.Load() }

func newMetricSet() *metricSet {
	return &metricSet{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
			},
			[]string{"method", "route", "status"},
		),
		upstreamLatencySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upstream_latency_seconds",
				Help:    "Latency of upstream calls in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"upstream"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "app_build_info",
				Help: "Build information for the binary.",
			},
			[]string{"version"},
		),
		layerCacheResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "layer_cache_results_total",
				Help: "Layer cache lookups by outcome (hit, miss, shared).",
			},
			[]string{"outcome"},
		),
		layerCacheEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "layer_cache_evictions_total",
				Help: "Entries evicted from the layer cache under capacity pressure.",
			},
		),
		layerCacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "layer_cache_entries",
				Help: "Current number of layer cache entries.",
			},
		),
		layerFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "layer_fetch_total",
				Help: "Layer payload fetches by result (ok, partial, error).",
			},
			[]string{"result"},
		),
		prefetchItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "layer_prefetch_items_total",
				Help: "Prefetch work items by result.",
			},
			[]string{"result"},
		),
		staleCompletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stale_completions_total",
				Help: "Async completions discarded because the target moved on.",
			},
			[]string{"kind"},
		),
		valueSamples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "value_samples_total",
				Help: "Cursor value samples by policy and outcome.",
			},
			[]string{"policy", "outcome"},
		),
		layerSyncOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "layer_sync_ops_total",
				Help: "Render target operations issued by the layer synchronizer.",
			},
			[]string{"op", "result"},
		),
		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_op_total",
				Help: "Redis cache operations by result.",
			},
			[]string{"op", "result"},
		),
		cacheOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "redis_operation_duration_seconds",
				Help:    "Duration of Redis operations.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"op"},
		),
		conditions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conditions_cache_total",
				Help: "Station conditions lookups by outcome.",
			},
			[]string{"outcome"},
		),
		invalidationLag: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "invalidation_lag_seconds",
				Help: "Seconds between an invalidation event timestamp and its processing.",
			},
		),
		datasetInvalidatedAt: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dataset_invalidated_at_seconds",
				Help: "Unix time of the last applied invalidation per dataset.",
			},
			[]string{"dataset"},
		),
		selectionEventsQueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selection_events_total",
				Help: "Selection events handed to the publisher by result (queued, dropped).",
			},
			[]string{"result"},
		),
	}
}

func (m *metricSet) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.httpRequestsTotal, m.httpRequestDurationSeconds, m.upstreamLatencySeconds,
		m.buildInfo, m.layerCacheResults, m.layerCacheEvictions, m.layerCacheEntries,
		m.layerFetches, m.prefetchItems, m.staleCompletions, m.valueSamples,
		m.layerSyncOps, m.cacheOps, m.cacheOpDuration, m.conditions,
		m.invalidationLag, m.datasetInvalidatedAt, m.selectionEventsQueued,
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	m := set()
	st := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	m.httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	set().upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	set().buildInfo.WithLabelValues(version).Set(1)
}

// ObserveLayerCache records a lookup outcome: hit, miss or shared.
func ObserveLayerCache(outcome string) {
	set().layerCacheResults.WithLabelValues(outcome).Inc()
}

func IncLayerCacheEviction() {
	set().layerCacheEvictions.Inc()
}

func SetLayerCacheEntries(n int) {
	set().layerCacheEntries.Set(float64(n))
}

func ObserveLayerFetch(result string) {
	set().layerFetches.WithLabelValues(result).Inc()
}

func AddPrefetchItems(result string, n int) {
	if n <= 0 {
		return
	}
	set().prefetchItems.WithLabelValues(result).Add(float64(n))
}

// IncStaleCompletion counts a discarded completion of the given kind
// (fetch or sample).
func IncStaleCompletion(kind string) {
	set().staleCompletions.WithLabelValues(kind).Inc()
}

func ObserveValueSample(policy, outcome string) {
	set().valueSamples.WithLabelValues(policy, outcome).Inc()
}

func ObserveLayerSync(op string, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	set().layerSyncOps.WithLabelValues(op, res).Inc()
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	m := set()
	res := "ok"
	if err != nil {
		res = "error"
	}
	m.cacheOps.WithLabelValues(op, res).Inc()
	m.cacheOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

func ObserveConditions(outcome string) {
	set().conditions.WithLabelValues(outcome).Inc()
}

func SetInvalidationLagSeconds(v float64) {
	set().invalidationLag.Set(v)
}

// SetDatasetInvalidatedAt records when dataset was last invalidated; "*"
// stands for a full invalidation.
func SetDatasetInvalidatedAt(dataset string, ts time.Time) {
	set().datasetInvalidatedAt.WithLabelValues(dataset).Set(float64(ts.Unix()))
}

func ObserveSelectionEvent(result string) {
	set().selectionEventsQueued.WithLabelValues(result).Inc()
}
