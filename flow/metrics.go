package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for workflow execution. All metrics
// are namespaced "flowline".
//
// Exposed series:
//
//	runs_total{workflow_id, status}     counter of finished runs by outcome
//	runs_suspended                      gauge of currently suspended runs
//	steps_inflight                      gauge of currently executing steps
//	steps_total{step_id, status}        counter of step completions by outcome
//	step_latency_ms{step_id, status}    histogram of step execution duration
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewMetrics(registry)
//	engine := flow.New(st, flow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are nil-safe so the engine can call them unconditionally.
type Metrics struct {
	runsTotal     *prometheus.CounterVec
	runsSuspended prometheus.Gauge
	stepsInflight prometheus.Gauge
	stepsTotal    *prometheus.CounterVec
	stepLatency   *prometheus.HistogramVec
}

// NewMetrics creates and registers all execution metrics with the registry.
// A nil registry uses prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "runs_total",
			Help:      "Finished workflow runs by terminal status.",
		}, []string{"workflow_id", "status"}),
		runsSuspended: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowline",
			Name:      "runs_suspended",
			Help:      "Runs currently suspended awaiting resume data.",
		}),
		stepsInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowline",
			Name:      "steps_inflight",
			Help:      "Steps currently executing.",
		}),
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "steps_total",
			Help:      "Step executions by outcome.",
		}, []string{"step_id", "status"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowline",
			Name:      "step_latency_ms",
			Help:      "Step execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"step_id", "status"}),
	}
}

func (m *Metrics) runFinished(workflowID string, status RunStatus) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(workflowID, string(status)).Inc()
}

func (m *Metrics) runSuspended() {
	if m == nil {
		return
	}
	m.runsSuspended.Inc()
}

func (m *Metrics) runResumed() {
	if m == nil {
		return
	}
	m.runsSuspended.Dec()
}

func (m *Metrics) stepStarted() {
	if m == nil {
		return
	}
	m.stepsInflight.Inc()
}

func (m *Metrics) stepFinished(stepID string, status StepStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stepsInflight.Dec()
	m.stepsTotal.WithLabelValues(stepID, string(status)).Inc()
	m.stepLatency.WithLabelValues(stepID, string(status)).
		Observe(float64(elapsed) / float64(time.Millisecond))
}
