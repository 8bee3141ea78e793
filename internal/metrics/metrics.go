// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "transaction_gateway"

// Metrics owns a private registry so tests can build as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	transactions        *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec

	downstreamCalls    *prometheus.CounterVec
	downstreamDuration *prometheus.HistogramVec

	cacheLookups *prometheus.CounterVec
	cacheEntries prometheus.Gauge
	contracts    prometheus.Gauge
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"service", "method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"service", "method", "path"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transactions",
			Name:      "executions_total",
			Help:      "Total number of executed transactions by outcome category.",
		}, []string{"kind", "outcome"}),
		transactionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transactions",
			Name:      "execution_duration_seconds",
			Help:      "Duration of transaction executions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		}, []string{"kind"}),
		downstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downstream",
			Name:      "calls_total",
			Help:      "Total number of backend calls.",
		}, []string{"kind", "status"}),
		downstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "downstream",
			Name:      "call_duration_seconds",
			Help:      "Duration of backend calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"kind"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of cached responses.",
		}),
		contracts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "contracts",
			Name:      "loaded",
			Help:      "Number of loaded business contracts.",
		}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.transactions,
		m.transactionDuration,
		m.downstreamCalls,
		m.downstreamDuration,
		m.cacheLookups,
		m.cacheEntries,
		m.contracts,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }

func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	method = strings.ToUpper(method)
	m.httpRequests.WithLabelValues(service, method, path, status).Inc()
	m.httpDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordTransaction records one pipeline execution. outcome is "success" or
// the failure category.
func (m *Metrics) RecordTransaction(kind, outcome string, duration time.Duration) {
	if kind == "" {
		kind = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	m.transactions.WithLabelValues(kind, outcome).Inc()
	m.transactionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordDownstream records one backend call.
func (m *Metrics) RecordDownstream(kind, status string, duration time.Duration) {
	m.downstreamCalls.WithLabelValues(kind, status).Inc()
	m.downstreamDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordCacheLookup records a response cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) SetCacheEntries(n int) { m.cacheEntries.Set(float64(n)) }

func (m *Metrics) SetContracts(n int) { m.contracts.Set(float64(n)) }
