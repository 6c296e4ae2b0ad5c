// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/agentoven/toolgate/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RouteDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_route_decisions_total",
		Help: "Routing decisions by resolution path and outcome.",
	}, []string{"resolution", "outcome"})
	RouteWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_route_degraded_features_total",
		Help: "Optional features dropped because the selected provider lacks them.",
	}, []string{"feature"})

	FallbackCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toolgate_fallback_cache_hits_total",
		Help: "Category resolutions served from cache.",
	})
	FallbackCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toolgate_fallback_cache_misses_total",
		Help: "Category resolutions that walked the fallback chain.",
	})
	FallbackInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toolgate_fallback_cache_invalidations_total",
		Help: "Fallback cache flushes caused by provider health changes.",
	})

	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_admissions_total",
		Help: "Admission attempts by outcome; over_capacity outcomes carry the saturated scope.",
	}, []string{"outcome", "scope"})
	AdmissionWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "toolgate_admission_wait_seconds",
		Help:    "Time spent acquiring the session, provider and global permits.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})
	DedupHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_dedup_hits_total",
		Help: "Calls answered by an existing call entry instead of a new execution.",
	}, []string{"status"})
	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toolgate_sessions_evicted_total",
		Help: "Sessions evicted after staying idle.",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "toolgate_sessions",
		Help: "Sessions currently tracked.",
	})

	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "toolgate_breaker_state",
		Help: "Durable-store circuit breaker state (0 closed, 1 half-open, 2 open).",
	})
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_breaker_transitions_total",
		Help: "Circuit breaker state transitions.",
	}, []string{"to"})
	TransportOffloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_transport_payloads_total",
		Help: "Payloads sent by channel (inline, durable, inline_fallback, rejected).",
	}, []string{"channel"})
	TransportBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_transport_bytes_total",
		Help: "Bytes written to the durable store before and after compression.",
	}, []string{"stage"})
	IntegrityFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toolgate_transport_integrity_failures_total",
		Help: "Durable reads whose checksum did not match.",
	})
	RecordsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toolgate_transport_records_expired_total",
		Help: "Transport records expired by the background sweep.",
	})

	ToolExecutions = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "toolgate_tool_execution_seconds",
		Help:    "Upstream tool execution latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool", "outcome"})
)

// SetBreakerState publishes the breaker state as a gauge value.
func SetBreakerState(s models.CircuitState) {
	switch s {
	case models.CircuitClosed:
		BreakerState.Set(0)
	case models.CircuitHalfOpen:
		BreakerState.Set(1)
	case models.CircuitOpen:
		BreakerState.Set(2)
	}
	BreakerTransitions.WithLabelValues(string(s)).Inc()
}
