package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels shared by dispatch and reconciliation metrics
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeResolved  = "resolved"
	OutcomeForbidden = "forbidden"
	OutcomeTransient = "transient"
	OutcomeSkipped   = "skipped"
)

// MetricsRegistry holds all Prometheus metrics for Warden
type MetricsRegistry struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Dispatch / Unit-of-Work Metrics
	DispatchesTotal      *prometheus.CounterVec
	SessionsOpenedTotal  prometheus.Counter
	SessionsCommitted    prometheus.Counter
	SessionsRolledBack   prometheus.Counter
	SessionsOpen         prometheus.Gauge
	GuardEntries         prometheus.Gauge

	// Cache Metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Reconciliation Metrics
	CorrectionsTotal *prometheus.CounterVec
	TickDuration     *prometheus.HistogramVec
}

// NewMetricsRegistry registers all metrics with the default Prometheus registerer
func NewMetricsRegistry() *MetricsRegistry {
	return NewMetricsRegistryWith(prometheus.DefaultRegisterer)
}

// NewMetricsRegistryWith registers all metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() so that repeated construction does not collide.
func NewMetricsRegistryWith(reg prometheus.Registerer) *MetricsRegistry {
	factory := promauto.With(reg)

	return &MetricsRegistry{
		// HTTP Metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_http_requests_total",
				Help: "Total HTTP requests processed by endpoint, method, and status code",
			},
			[]string{"endpoint", "method", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_http_request_duration_seconds",
				Help:    "HTTP request latency distribution in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"endpoint", "method"},
		),
		HTTPRequestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warden_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
			[]string{"endpoint"},
		),

		// Dispatch / Unit-of-Work Metrics
		DispatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_dispatches_total",
				Help: "Commands and platform events dispatched, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		SessionsOpenedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_sessions_opened_total",
				Help: "Transactional sessions opened by the unit of work",
			},
		),
		SessionsCommitted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_sessions_committed_total",
				Help: "Transactional sessions committed",
			},
		),
		SessionsRolledBack: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_sessions_rolled_back_total",
				Help: "Transactional sessions rolled back",
			},
		),
		SessionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_sessions_open",
				Help: "Sessions currently registered to an in-flight dispatch",
			},
		),
		GuardEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_guard_entries",
				Help: "Entities currently held in the advisory lock table",
			},
		),

		// Cache Metrics
		CacheHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_cache_hits_total",
				Help: "Total cache hits by cache key pattern",
			},
			[]string{"cache_key_pattern"},
		),
		CacheMissesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_cache_misses_total",
				Help: "Total cache misses by cache key pattern",
			},
			[]string{"cache_key_pattern"},
		),

		// Reconciliation Metrics
		CorrectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_reconciliation_corrections_total",
				Help: "Records processed by reconciliation jobs, by job and outcome",
			},
			[]string{"job_name", "outcome"},
		),
		TickDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_reconciliation_tick_duration_seconds",
				Help:    "Reconciliation tick execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"job_name"},
		),
	}
}
