// Package telemetry provides structured logging and Prometheus metrics
// shared across SARK's subsystems.
package telemetry

import (
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

// NewLogger builds a slog.Logger selecting a JSON or text handler by format
// and parsing level from a string ("debug", "info", "warn", "error").
func NewLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

var (
	DecisionCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sark", Subsystem: "decision_cache", Name: "hits_total",
		Help: "Total policy decision cache hits.",
	})
	DecisionCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sark", Subsystem: "decision_cache", Name: "misses_total",
		Help: "Total policy decision cache misses.",
	})
	PolicyDecisionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sark", Subsystem: "policy", Name: "decision_duration_seconds",
		Help:    "Time to produce a policy decision, including rule engine RPC.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"outcome", "cache_status"})

	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sark", Subsystem: "breaker", Name: "transitions_total",
		Help: "Circuit breaker state transitions by destination and target state.",
	}, []string{"destination", "state"})

	RateLimitRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sark", Subsystem: "ratelimit", Name: "rejections_total",
		Help: "Total rate-limit rejections by scope.",
	}, []string{"scope"})

	SIEMBatchDispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sark", Subsystem: "siem", Name: "batch_dispatch_total",
		Help: "SIEM batch dispatch outcomes by destination and result.",
	}, []string{"destination", "result"})

	FallbackQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sark", Subsystem: "fallback", Name: "queue_depth",
		Help: "Number of files currently held in the fallback queue.",
	}, []string{"destination"})

	SessionsRevokedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sark", Subsystem: "session", Name: "revoked_total",
		Help: "Total sessions revoked by reason.",
	}, []string{"reason"})

	AuditEventsEmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sark", Subsystem: "audit", Name: "events_emitted_total",
		Help: "Total audit events handed to the SIEM forwarder, by kind.",
	}, []string{"kind"})

	AuditEventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sark", Subsystem: "audit", Name: "events_diverted_total",
		Help: "Total audit events diverted to the fallback queue due to forwarder backpressure.",
	})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sark", Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request duration by method, route pattern, and status code.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// All returns every SARK-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		DecisionCacheHitsTotal,
		DecisionCacheMissesTotal,
		PolicyDecisionDuration,
		CircuitBreakerTransitionsTotal,
		RateLimitRejectionsTotal,
		SIEMBatchDispatchTotal,
		FallbackQueueDepth,
		SessionsRevokedTotal,
		AuditEventsEmittedTotal,
		AuditEventsDroppedTotal,
		HTTPRequestDuration,
	}
}

// NewRegistry builds a Prometheus registry carrying the process/Go
// collectors plus every SARK collector. internal/httpserver serves it at
// /metrics.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
