package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics collection for
// incremental build monitoring in production environments.
//
// Metrics exposed (all namespaced with "buildgraph_"):
//
// 1. inflight_evaluations (gauge): Current number of nodes being computed
// concurrently.
// Use: Monitor concurrency levels and detect bottlenecks.
//
// 2. queue_depth (gauge): Number of ready nodes waiting for a worker.
// Use: Track backpressure and scheduler saturation.
//
// 3. eval_latency_ms (histogram): Node computation duration in milliseconds.
// Labels: kind, status (success/error/lost).
// Buckets: [1, 5, 10, 50, 100, 500, 1000, 5000, 10000].
// Use: P50/P95/P99 latency analysis per node kind.
//
// 4. retries_total (counter): Cumulative retry attempts across all nodes.
// Labels: kind, reason.
// Use: Identify flaky computations and error patterns.
//
// 5. memo_hits_total (counter): Dependency requests satisfied from a prior
// build without recomputation.
// Labels: kind.
// Use: Measure incrementality; a low hit rate means over-invalidation.
//
// 6. invalidated_nodes_total (counter): Nodes marked dirty or changed by
// invalidation, per kind.
// Use: Track the blast radius of source changes.
//
// 7. rewinds_total (counter): Rewind plans applied, by reason
// (lost_input, lost_output).
// Use: Monitor remote cache eviction pressure.
//
// 8. lost_artifacts_total (counter): Individual artifacts reported lost.
// Use: Alert on cache instability before repeated losses become fatal.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := NewPrometheusMetrics(registry)
//	eng, err := New(WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe: all methods delegate to thread-safe Prometheus collectors.
type PrometheusMetrics struct {
	inflightEvaluations prometheus.Gauge
	queueDepth          prometheus.Gauge

	evalLatency *prometheus.HistogramVec

	retries       *prometheus.CounterVec
	memoHits      *prometheus.CounterVec
	invalidated   *prometheus.CounterVec
	rewinds       *prometheus.CounterVec
	lostArtifacts prometheus.Counter

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all build engine metrics with
// the provided Prometheus registry.
//
// All metrics are registered with namespace "buildgraph". If registry is nil
// the global default registerer is used; a dedicated registry is recommended
// for isolation.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.inflightEvaluations = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "buildgraph",
		Name:      "inflight_evaluations",
		Help:      "Current number of nodes being computed concurrently",
	})

	pm.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "buildgraph",
		Name:      "queue_depth",
		Help:      "Number of ready nodes waiting for a worker in the scheduler queue",
	})

	pm.evalLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "buildgraph",
		Name:      "eval_latency_ms",
		Help:      "Node computation duration in milliseconds (from dispatch to commit)",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}, // 1ms to 10s
	}, []string{"kind", "status"}) // status: success, error, lost

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildgraph",
		Name:      "retries_total",
		Help:      "Cumulative count of node retry attempts across all builds",
	}, []string{"kind", "reason"}) // reason: error, transient

	pm.memoHits = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildgraph",
		Name:      "memo_hits_total",
		Help:      "Dependency requests satisfied by a memoized value from a prior build",
	}, []string{"kind"})

	pm.invalidated = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildgraph",
		Name:      "invalidated_nodes_total",
		Help:      "Nodes marked dirty or changed by invalidation",
	}, []string{"kind"})

	pm.rewinds = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildgraph",
		Name:      "rewinds_total",
		Help:      "Rewind plans applied to recover lost artifacts",
	}, []string{"reason"}) // reason: lost_input, lost_output

	pm.lostArtifacts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "buildgraph",
		Name:      "lost_artifacts_total",
		Help:      "Individual artifacts reported lost across all builds",
	})

	return pm
}

// RecordEvalLatency records the duration of one node computation.
// Status is "success", "error", or "lost".
func (pm *PrometheusMetrics) RecordEvalLatency(kind string, latency time.Duration, status string) {
	if !pm.enabled {
		return
	}
	pm.evalLatency.WithLabelValues(kind, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries increments the retry counter for a node kind and reason.
func (pm *PrometheusMetrics) IncrementRetries(kind, reason string) {
	if !pm.enabled {
		return
	}
	pm.retries.WithLabelValues(kind, reason).Inc()
}

// IncrementMemoHits counts a dependency request answered from the memo table
// without recomputation.
func (pm *PrometheusMetrics) IncrementMemoHits(kind string) {
	if !pm.enabled {
		return
	}
	pm.memoHits.WithLabelValues(kind).Inc()
}

// IncrementInvalidated counts a node transitioned to dirty or changed.
func (pm *PrometheusMetrics) IncrementInvalidated(kind string) {
	if !pm.enabled {
		return
	}
	pm.invalidated.WithLabelValues(kind).Inc()
}

// IncrementRewinds counts an applied rewind plan. Reason is "lost_input" or
// "lost_output".
func (pm *PrometheusMetrics) IncrementRewinds(reason string) {
	if !pm.enabled {
		return
	}
	pm.rewinds.WithLabelValues(reason).Inc()
}

// AddLostArtifacts counts artifacts reported lost.
func (pm *PrometheusMetrics) AddLostArtifacts(n int) {
	if !pm.enabled {
		return
	}
	pm.lostArtifacts.Add(float64(n))
}

// UpdateQueueDepth sets the current number of ready nodes awaiting a worker.
func (pm *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if !pm.enabled {
		return
	}
	pm.queueDepth.Set(float64(depth))
}

// UpdateInflightEvaluations sets the current number of nodes in computation.
func (pm *PrometheusMetrics) UpdateInflightEvaluations(count int) {
	if !pm.enabled {
		return
	}
	pm.inflightEvaluations.Set(float64(count))
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears gauge values. Prometheus counters and histograms are
// cumulative and cannot be reset.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.inflightEvaluations.Set(0)
	pm.queueDepth.Set(0)
}
