// Package metrics exposes prometheus metrics for the execution control plane.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "webtestoor"

// Metrics holds the control plane collectors.
type Metrics struct {
	runsFinished    *prometheus.CounterVec
	runTransitions  *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	activeRuns      prometheus.Gauge
	queueDepth      prometheus.Gauge
	launchFailures  prometheus.Counter
	retries         prometheus.Counter
	controlMessages *prometheus.CounterVec
	degradedRuns    prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		runsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status",
		}, []string{"status", "reason"}),

		runTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Run status transitions",
		}, []string{"status"}),

		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of executed steps",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"action", "status"}),

		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently held by a worker",
		}),

		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting to be claimed",
		}),

		launchFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browser_launch_failures_total",
			Help:      "Failed browser session launches",
		}),

		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Job attempts retried after infrastructure failures",
		}),

		controlMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Control messages sent",
		}, []string{"action"}),

		degradedRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_runs_total",
			Help:      "Runs that executed without a reachable control plane",
		}),
	}
}

func (m *Metrics) RunFinished(status, reason string) {
	if m == nil {
		return
	}

	if reason == "" {
		reason = "none"
	}

	m.runsFinished.WithLabelValues(status, reason).Inc()
}

func (m *Metrics) RunTransition(status string) {
	if m == nil {
		return
	}

	m.runTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveStep(action, status string, d time.Duration) {
	if m == nil {
		return
	}

	m.stepDuration.WithLabelValues(action, status).Observe(d.Seconds())
}

func (m *Metrics) RunActive(delta float64) {
	if m == nil {
		return
	}

	m.activeRuns.Add(delta)
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}

	m.queueDepth.Set(float64(n))
}

func (m *Metrics) LaunchFailed() {
	if m == nil {
		return
	}

	m.launchFailures.Inc()
}

func (m *Metrics) Retried() {
	if m == nil {
		return
	}

	m.retries.Inc()
}

func (m *Metrics) ControlSent(action string) {
	if m == nil {
		return
	}

	m.controlMessages.WithLabelValues(action).Inc()
}

func (m *Metrics) Degraded() {
	if m == nil {
		return
	}

	m.degradedRuns.Inc()
}
