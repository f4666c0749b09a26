package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	indexLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ragorch_index_latency_ms",
		Help:    "Latency of Evidence Index searches in milliseconds",
		Buckets: []float64{10, 25, 50, 75, 100, 150, 200, 300, 500, 800, 1200, 2000},
	}, []string{"outcome"})

	indexResults = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ragorch_index_results",
		Help:    "Number of hits returned per ranked list",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
	}, []string{"list"})

	retrievalTop1 = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ragorch_retrieval_top1",
		Help:    "Top-1 rerank score (retrieval confidence) distribution",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.65, 0.7, 0.8, 0.9, 0.95, 1.0},
	})

	routeDecision = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ragorch_route_decision_total",
		Help: "Route classifier decisions",
	}, []string{"route"})

	cacheOutcome = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ragorch_cache_total",
		Help: "Cache lookups by tier and outcome (hit/miss/shared/error)",
	}, []string{"tier", "outcome"})

	gateDecision = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ragorch_gate_decision_total",
		Help: "Confidence gate decisions",
	}, []string{"outcome", "reason"})

	collaboratorRetry = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ragorch_collaborator_retry_total",
		Help: "Retried collaborator calls by operation and failure kind",
	}, []string{"op", "kind"})

	sessionEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ragorch_session_evictions_total",
		Help: "Sessions swept for idleness and turns dropped by truncation",
	}, []string{"reason"})

	rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ragorch_rate_limited_total",
		Help: "Requests rejected by the per-role budget",
	}, []string{"role"})

	requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ragorch_request_latency_ms",
		Help:    "End-to-end query latency in milliseconds",
		Buckets: []float64{25, 50, 100, 200, 400, 800, 1600, 3200, 6400, 12800, 30000},
	}, []string{"route", "outcome"})

	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ragorch_audit_dropped_total",
		Help: "Audit events dropped because the sink queue was full",
	})
)

// Handler serves the default registry with every collector registered.
func Handler() http.Handler {
	ensureRegistered()
	return promhttp.Handler()
}

func ensureRegistered() {
	once.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// ObserveIndex records latency and list sizes for one index search.
func ObserveIndex(start time.Time, err error, dense, sparse int) {
	ensureRegistered()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	indexLatency.WithLabelValues(outcome).Observe(float64(time.Since(start).Milliseconds()))
	if err == nil {
		indexResults.WithLabelValues("dense").Observe(float64(dense))
		indexResults.WithLabelValues("sparse").Observe(float64(sparse))
	}
}

// ObserveRetrievalTop1 records retrieval confidence.
func ObserveRetrievalTop1(score float64) {
	ensureRegistered()
	if score >= 0 {
		retrievalTop1.Observe(score)
	}
}

// IncRoute records a classifier decision.
func IncRoute(route string) {
	ensureRegistered()
	routeDecision.WithLabelValues(route).Inc()
}

// IncCache records a cache outcome for tier ("evidence" or "answer").
func IncCache(tier, outcome string) {
	ensureRegistered()
	cacheOutcome.WithLabelValues(tier, outcome).Inc()
}

// IncGate records a confidence gate decision.
func IncGate(outcome, reason string) {
	ensureRegistered()
	gateDecision.WithLabelValues(outcome, reason).Inc()
}

// IncRetry records one retried collaborator attempt.
func IncRetry(op, kind string) {
	ensureRegistered()
	collaboratorRetry.WithLabelValues(op, kind).Inc()
}

// AddSessionEvictions records n evictions for reason ("idle" or "truncate").
func AddSessionEvictions(reason string, n int) {
	ensureRegistered()
	if n > 0 {
		sessionEvictions.WithLabelValues(reason).Add(float64(n))
	}
}

// IncRateLimited records a rejected request.
func IncRateLimited(role string) {
	ensureRegistered()
	rateLimited.WithLabelValues(role).Inc()
}

// ObserveRequest records end-to-end latency.
func ObserveRequest(route, outcome string, start time.Time) {
	ensureRegistered()
	requestLatency.WithLabelValues(route, outcome).Observe(float64(time.Since(start).Milliseconds()))
}

func incAuditDropped() {
	ensureRegistered()
	auditDropped.Inc()
}

// Collectors exposes all collectors for external registration with a custom registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		indexLatency, indexResults, retrievalTop1, routeDecision, cacheOutcome,
		gateDecision, collaboratorRetry, sessionEvictions, rateLimited, requestLatency, auditDropped,
	}
}
