package devproxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	ruleMatches      *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeConns      prometheus.Gauge
	certCacheSize    prometheus.Gauge
	certCacheHits    prometheus.Counter
	certCacheMisses  prometheus.Counter
	ruleCount        prometheus.Gauge
	ruleReloads      prometheus.Counter
	ruleReloadErrs   prometheus.Counter
	forwardErrors    *prometheus.CounterVec
	tlsHandshakeErrs prometheus.Counter
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheEntries     prometheus.Gauge
	rateLimitClients prometheus.Gauge
	upstreamPoolReqs prometheus.Gauge
	caRotations      prometheus.Counter
	caRotationErrs   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "requests_total",
			Help:      "Total number of requests processed.",
		}, []string{"method", "scheme"}),

		ruleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "rule_matches_total",
			Help:      "Total number of requests matched by each rule.",
		}, []string{"rule"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devproxy",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devproxy",
			Name:      "active_connections",
			Help:      "Number of active proxy connections.",
		}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devproxy",
			Name:      "cert_cache_size",
			Help:      "Number of minted TLS certificates currently cached.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "cert_cache_hits_total",
			Help:      "Number of certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "cert_cache_misses_total",
			Help:      "Number of certificate cache misses (a mint was required).",
		}),

		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devproxy",
			Name:      "rule_count",
			Help:      "Number of rules currently loaded.",
		}),

		ruleReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "rule_reloads_total",
			Help:      "Number of successful rule-file reloads.",
		}),

		ruleReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "rule_reload_errors_total",
			Help:      "Number of failed rule-file reloads.",
		}),

		forwardErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "forward_errors_total",
			Help:      "Number of upstream fetch errors.",
		}, []string{"host"}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures with clients.",
		}),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "cache_hits_total",
			Help:      "Number of cache handler hits (fresh entry served).",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "cache_misses_total",
			Help:      "Number of cache handler misses (passed through to upstream).",
		}),

		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devproxy",
			Name:      "cache_entries",
			Help:      "Number of cache entries written since the cache store was opened or last cleared, as of its latest write.",
		}),

		rateLimitClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devproxy",
			Name:      "rate_limit_tracked_clients",
			Help:      "Number of distinct client addresses the rate limiter currently holds a bucket for.",
		}),

		upstreamPoolReqs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devproxy",
			Name:      "upstream_pool_active_requests",
			Help:      "Number of in-flight requests currently being served through the upstream transport pool.",
		}),

		caRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "ca_rotations_total",
			Help:      "Number of successful CA certificate rotations.",
		}),

		caRotationErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "ca_rotation_errors_total",
			Help:      "Number of failed CA certificate rotation attempts.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.ruleMatches,
		m.requestDuration,
		m.activeConns,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.ruleCount,
		m.ruleReloads,
		m.ruleReloadErrs,
		m.forwardErrors,
		m.tlsHandshakeErrs,
		m.cacheHits,
		m.cacheMisses,
		m.cacheEntries,
		m.rateLimitClients,
		m.upstreamPoolReqs,
		m.caRotations,
		m.caRotationErrs,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a processed request.
func (m *Metrics) RecordRequest(method, scheme string) {
	m.requestsTotal.WithLabelValues(method, scheme).Inc()
}

// RecordRuleMatch records which rule (by name) handled a request. An empty
// name records an unmatched, implicitly-passed-through request.
func (m *Metrics) RecordRuleMatch(name string) {
	if name == "" {
		name = "(none)"
	}
	m.ruleMatches.WithLabelValues(name).Inc()
}

// RecordRequestDuration records the duration of a request.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// SetCertCacheSize sets the certificate cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	m.certCacheSize.Set(float64(size))
}

// RecordCertCacheHit records a certificate cache hit.
func (m *Metrics) RecordCertCacheHit() {
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a certificate cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	m.certCacheMisses.Inc()
}

// SetRuleCount sets the current rule count gauge.
func (m *Metrics) SetRuleCount(count int) {
	m.ruleCount.Set(float64(count))
}

// RecordRuleReload records a successful rule-file reload.
func (m *Metrics) RecordRuleReload() {
	m.ruleReloads.Inc()
}

// RecordRuleReloadError records a failed rule-file reload.
func (m *Metrics) RecordRuleReloadError() {
	m.ruleReloadErrs.Inc()
}

// RecordForwardError records an upstream fetch error.
func (m *Metrics) RecordForwardError(host string) {
	m.forwardErrors.WithLabelValues(host).Inc()
}

// RecordTLSHandshakeError records a TLS handshake failure.
func (m *Metrics) RecordTLSHandshakeError() {
	m.tlsHandshakeErrs.Inc()
}

// RecordCacheHit records a cache handler hit.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Inc()
}

// RecordCacheMiss records a cache handler miss.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Inc()
}

// SetCacheEntries sets the cache entry count gauge.
func (m *Metrics) SetCacheEntries(n int) {
	m.cacheEntries.Set(float64(n))
}

// SetRateLimitClients sets the gauge tracking how many distinct client
// addresses the rate limiter currently holds a bucket for.
func (m *Metrics) SetRateLimitClients(n int) {
	m.rateLimitClients.Set(float64(n))
}

// SetUpstreamPoolActive sets the gauge of in-flight requests running
// through the upstream transport pool.
func (m *Metrics) SetUpstreamPoolActive(n int) {
	m.upstreamPoolReqs.Set(float64(n))
}

// RecordCARotation records a successful CA certificate rotation.
func (m *Metrics) RecordCARotation() {
	m.caRotations.Inc()
}

// RecordCARotationError records a failed CA certificate rotation attempt.
func (m *Metrics) RecordCARotationError() {
	m.caRotationErrs.Inc()
}
