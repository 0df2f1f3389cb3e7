// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamTimeouts *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	DenialsTotal     *prometheus.CounterVec
	CircuitOpen      *prometheus.GaugeVec
	BytesIn          *prometheus.CounterVec
	BytesOut         *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
}

// New creates and registers all metrics with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "requests_total",
			Help:      "Total requests by API, protocol and status.",
		}, []string{"api", "protocol", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tollgate",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"api", "protocol"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tollgate",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tollgate",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"api"}),

		UpstreamTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "upstream_timeouts_total",
			Help:      "Total upstream timeouts.",
		}, []string{"api"}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "retries_total",
			Help:      "Total upstream retry attempts.",
		}, []string{"api"}),

		DenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "denials_total",
			Help:      "Total requests denied before dispatch, by wire code.",
		}, []string{"api", "code"}),

		CircuitOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tollgate",
			Name:      "circuit_open",
			Help:      "1 when the API's circuit breaker is open.",
		}, []string{"api"}),

		BytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "bytes_in_total",
			Help:      "Request bytes received from clients.",
		}, []string{"api"}),

		BytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "bytes_out_total",
			Help:      "Response bytes returned to clients.",
		}, []string{"api"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "lookup_cache_hits_total",
			Help:      "Total metadata lookup cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "lookup_cache_misses_total",
			Help:      "Total metadata lookup cache misses.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamTimeouts,
		m.RetriesTotal,
		m.DenialsTotal,
		m.CircuitOpen,
		m.BytesIn,
		m.BytesOut,
		m.CacheHits,
		m.CacheMisses,
	)

	return m
}

// ObserveRequest records a finished request.
func (m *Metrics) ObserveRequest(api, protocol string, status int, seconds float64, bytesIn, bytesOut int64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(api, protocol, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(api, protocol).Observe(seconds)
	if bytesIn > 0 {
		m.BytesIn.WithLabelValues(api).Add(float64(bytesIn))
	}
	if bytesOut > 0 {
		m.BytesOut.WithLabelValues(api).Add(float64(bytesOut))
	}
}

// ObserveDenial records an admission denial by wire code.
func (m *Metrics) ObserveDenial(api, code string) {
	if m == nil {
		return
	}
	m.DenialsTotal.WithLabelValues(api, code).Inc()
}

// ObserveRetry records one upstream retry attempt.
func (m *Metrics) ObserveRetry(api string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(api).Inc()
}

// ObserveUpstream records one upstream call.
func (m *Metrics) ObserveUpstream(api string, seconds float64, timedOut bool) {
	if m == nil {
		return
	}
	m.UpstreamDuration.WithLabelValues(api).Observe(seconds)
	if timedOut {
		m.UpstreamTimeouts.WithLabelValues(api).Inc()
	}
}

// SetCircuitOpen flips the per-API open gauge.
func (m *Metrics) SetCircuitOpen(api string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1.0
	}
	m.CircuitOpen.WithLabelValues(api).Set(v)
}
