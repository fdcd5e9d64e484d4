// Package metrics exposes Prometheus collectors for runs, nodes and durable steps.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "nodeflow"

// Step outcomes recorded by ObserveStep.
const (
	StepExecuted = "executed"
	StepCached   = "cached"
	StepFailed   = "failed"
)

// Metrics groups the engine's collectors.
type Metrics struct {
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	activeRuns      prometheus.Gauge
	nodesTotal      *prometheus.CounterVec
	nodeDuration    *prometheus.HistogramVec
	stepsTotal      *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	reinvocations   prometheus.Counter
}

// New registers the collectors on reg. Use prometheus.DefaultRegisterer for
// the process-wide /metrics endpoint and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_total",
			Help:      "Total number of finished runs by terminal status.",
		}, []string{"status"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "run_duration_seconds",
			Help:      "Run duration in seconds from start to terminal state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_runs",
			Help:      "Runs currently executing in this process.",
		}),
		nodesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "nodes_total",
			Help:      "Total number of node executions by type and outcome.",
		}, []string{"type", "status"}),
		nodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"type"}),
		stepsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "durable_steps_total",
			Help:      "Durable step invocations by outcome (executed, cached, failed).",
		}, []string{"outcome"}),
		publishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "status_publish_failures_total",
			Help:      "Status events that could not be delivered, by category.",
		}, []string{"category"}),
		reinvocations: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "run_reinvocations_total",
			Help:      "Times the substrate re-invoked a run after a retriable failure.",
		}),
	}
}

// RunStarted increments the active run gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunFinished records a terminal run and decrements the active gauge.
func (m *Metrics) RunFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveNode records one node execution.
func (m *Metrics) ObserveNode(nodeType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodesTotal.WithLabelValues(nodeType, status).Inc()
	m.nodeDuration.WithLabelValues(nodeType).Observe(d.Seconds())
}

// ObserveStep records a durable step outcome.
func (m *Metrics) ObserveStep(outcome string) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(outcome).Inc()
}

// PublishFailed records an undeliverable status event.
func (m *Metrics) PublishFailed(category string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(category).Inc()
}

// Reinvoked records one substrate re-invocation.
func (m *Metrics) Reinvoked() {
	if m == nil {
		return
	}
	m.reinvocations.Inc()
}
