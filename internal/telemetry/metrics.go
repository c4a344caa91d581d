// Package telemetry exposes the engine's instrumentation hooks as Prometheus
// collectors, served by the HTTP layer on /metrics.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements the engine's instrumentation interface on top of a
// Prometheus registry. All methods are cheap counter/histogram updates.
type Metrics struct {
	notifies  prometheus.Counter
	runs      *prometheus.CounterVec
	runTime   prometheus.Histogram
	snapshots prometheus.Counter
	sessions  prometheus.Gauge
}

// New registers the taskfeed collectors with reg. A nil reg uses the default
// registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		notifies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskfeed",
			Name:      "notifications_total",
			Help:      "Change notifications observed by sessions.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskfeed",
			Name:      "aggregation_runs_total",
			Help:      "Aggregation runs by outcome.",
		}, []string{"outcome"}),
		runTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taskfeed",
			Name:      "aggregation_run_seconds",
			Help:      "Wall time of one aggregation run.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskfeed",
			Name:      "snapshots_published_total",
			Help:      "Snapshots published across all sessions.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskfeed",
			Name:      "active_sessions",
			Help:      "Sessions currently watching.",
		}),
	}
	reg.MustRegister(m.notifies, m.runs, m.runTime, m.snapshots, m.sessions)
	return m
}

func (m *Metrics) NotifyObserved() {
	m.notifies.Inc()
}

func (m *Metrics) RunCompleted(outcome string, elapsed time.Duration) {
	m.runs.WithLabelValues(outcome).Inc()
	m.runTime.Observe(elapsed.Seconds())
}

func (m *Metrics) SnapshotPublished() {
	m.snapshots.Inc()
}

func (m *Metrics) SessionStarted() {
	m.sessions.Inc()
}

func (m *Metrics) SessionStopped() {
	m.sessions.Dec()
}
