package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_model/go"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/facade"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/circuit"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/telemetry/latency"
)

// MetricsRegistry holds all Prometheus metrics for the provider.
// It owns its registry so repeated construction (tests, embedded use)
// never trips duplicate registration.
type MetricsRegistry struct {
	reg *prometheus.Registry

	// HTTP surface
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec

	// Serving mix and cache performance
	ValuesServed  *prometheus.CounterVec
	CacheHitRatio prometheus.Gauge

	// Store pressure, synced on scrape
	CacheEntries     prometheus.Gauge
	CacheMemoryBytes prometheus.Gauge
	CacheEvictions   prometheus.Gauge
	CacheExpirations prometheus.Gauge

	// Tick pipeline, synced on scrape
	QueueDepth    prometheus.Gauge
	QueuePushed   prometheus.Gauge
	QueueDropped  prometheus.Gauge
	TicksReceived prometheus.Gauge

	// Circuit breakers, synced on scrape
	CircuitState       *prometheus.GaugeVec
	CircuitFailureRate *prometheus.GaugeVec

	// Pipeline stage percentiles (tick, fetch, failover, warm,
	// request), synced on scrape
	StageLatency *prometheus.GaugeVec
}

// NewMetricsRegistry creates a metrics registry with all provider metrics
func NewMetricsRegistry() *MetricsRegistry {
	registry := &MetricsRegistry{
		reg: prometheus.NewRegistry(),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint", "code"},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_http_requests_total",
				Help: "Total number of HTTP requests by method, endpoint and status code",
			},
			[]string{"method", "endpoint", "code"},
		),

		ValuesServed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_values_served_total",
				Help: "Total number of feed values served by source",
			},
			[]string{"source"},
		),

		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "provider_cache_hit_ratio",
				Help: "Share of served values answered from cache (0.0 to 1.0)",
			},
		),

		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "provider_cache_entries",
				Help: "Current number of cached entries",
			},
		),

		CacheMemoryBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "provider_cache_memory_bytes",
				Help: "Estimated memory held by the cache in bytes",
			},
		),

		CacheEvictions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "provider_cache_evictions",
				Help: "Entries evicted by the LRU since start",
			},
		),

		CacheExpirations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "provider_cache_expirations",
				Help: "Entries expired by TTL since start",
			},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "provider_tick_queue_depth",
				Help: "Ticks currently waiting in the write queue",
			},
		),

		QueuePushed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "provider_tick_queue_pushed",
				Help: "Ticks accepted by the write queue since start",
			},
		),

		QueueDropped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "provider_tick_queue_dropped",
				Help: "Ticks dropped by the write queue since start",
			},
		),

		TicksReceived: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "provider_ws_ticks_received",
				Help: "WebSocket ticks received from all venues since start",
			},
		),

		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "provider_circuit_state",
				Help: "Circuit breaker state per service (0=closed, 1=open, 2=half-open)",
			},
			[]string{"service"},
		),

		CircuitFailureRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "provider_circuit_failure_rate",
				Help: "Failure rate per service within the monitoring window (0.0 to 1.0)",
			},
			[]string{"service"},
		),

		StageLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "provider_stage_latency_ms",
				Help: "Pipeline stage latency percentiles over the rolling sample window, in milliseconds",
			},
			[]string{"stage", "quantile"},
		),
	}

	registry.reg.MustRegister(
		registry.RequestDuration,
		registry.RequestsTotal,
		registry.ValuesServed,
		registry.CacheHitRatio,
		registry.CacheEntries,
		registry.CacheMemoryBytes,
		registry.CacheEvictions,
		registry.CacheExpirations,
		registry.QueueDepth,
		registry.QueuePushed,
		registry.QueueDropped,
		registry.TicksReceived,
		registry.CircuitState,
		registry.CircuitFailureRate,
		registry.StageLatency,
	)

	return registry
}

// ObserveRequest records one completed HTTP request
func (m *MetricsRegistry) ObserveRequest(method, endpoint string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.RequestDuration.WithLabelValues(method, endpoint, code).Observe(elapsed.Seconds())
	m.RequestsTotal.WithLabelValues(method, endpoint, code).Inc()
}

// RecordValueServed counts one served feed value by its source label
// and refreshes the cache hit ratio.
func (m *MetricsRegistry) RecordValueServed(source string) {
	m.ValuesServed.WithLabelValues(source).Inc()
	m.updateCacheHitRatio()
}

// updateCacheHitRatio recomputes the hit ratio from the served-value
// counters. Reading the counters back keeps the gauge consistent with
// what was actually served rather than tracking a parallel tally.
func (m *MetricsRegistry) updateCacheHitRatio() {
	snapshot := &io_prometheus_client.Metric{}

	hits := 0.0
	total := 0.0

	sources := []string{
		facade.SourceCache,
		facade.SourceAggregated,
		facade.SourceFallback,
		facade.SourceFallbackError,
	}
	for _, source := range sources {
		counter, err := m.ValuesServed.GetMetricWithLabelValues(source)
		if err != nil {
			continue
		}
		if err := counter.Write(snapshot); err != nil {
			continue
		}
		value := snapshot.GetCounter().GetValue()
		total += value
		if source == facade.SourceCache {
			hits += value
		}
	}

	if total > 0 {
		m.CacheHitRatio.Set(hits / total)
	}
}

// SyncCache copies a cache snapshot into the scrape gauges
func (m *MetricsRegistry) SyncCache(stats cache.Stats) {
	m.CacheEntries.Set(float64(stats.TotalEntries))
	m.CacheMemoryBytes.Set(float64(stats.MemoryUsage))
	m.CacheEvictions.Set(float64(stats.Evictions))
	m.CacheExpirations.Set(float64(stats.Expirations))
}

// SyncQueue copies the tick queue counters into the scrape gauges.
// Every venue tick passes the queue, so pushed+dropped is the stream
// receive count.
func (m *MetricsRegistry) SyncQueue(pushed, dropped int64, depth int) {
	m.QueuePushed.Set(float64(pushed))
	m.QueueDropped.Set(float64(dropped))
	m.QueueDepth.Set(float64(depth))
	m.TicksReceived.Set(float64(pushed + dropped))
}

// SyncCircuits copies per-service circuit snapshots into the scrape
// gauges.
func (m *MetricsRegistry) SyncCircuits(stats map[string]circuit.Stats) {
	for service, s := range stats {
		m.CircuitState.WithLabelValues(service).Set(float64(s.State))
		m.CircuitFailureRate.WithLabelValues(service).Set(s.FailureRate)
	}
}

// SyncLatency copies stage percentile snapshots into the scrape gauges
func (m *MetricsRegistry) SyncLatency(stages map[latency.Stage]latency.Metrics) {
	for stage, s := range stages {
		name := string(stage)
		m.StageLatency.WithLabelValues(name, "p50").Set(s.P50)
		m.StageLatency.WithLabelValues(name, "p95").Set(s.P95)
		m.StageLatency.WithLabelValues(name, "p99").Set(s.P99)
	}
}

// Handler returns the Prometheus scrape handler for this registry
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
