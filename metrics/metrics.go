// Package metrics holds the Prometheus collectors shared by the engine
// bridge, the watcher and the dashboard.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "semwatch"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing,
// which keeps tests free of registry setup.
type Metrics struct {
	RunsStarted      prometheus.Counter
	RunsCompleted    prometheus.Counter
	RunsFailed       prometheus.Counter
	RunsSuperseded   prometheus.Counter
	RequestsMerged   prometheus.Counter
	RunDuration      prometheus.Histogram
	WatchEvents      prometheus.Counter
	Subscribers      prometheus.Gauge
	Broadcasts       prometheus.Counter
	TransportErrors  prometheus.Counter
	EngineDiagnostic prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "runs_started_total",
			Help: "Analysis runs sent to the engine.",
		}),
		RunsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "runs_completed_total",
			Help: "Runs that ended with a report.",
		}),
		RunsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "runs_failed_total",
			Help: "Runs that ended with an engine error.",
		}),
		RunsSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "runs_superseded_total",
			Help: "In-flight runs whose output was discarded for a newer request.",
		}),
		RequestsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "requests_coalesced_total",
			Help: "Run requests absorbed by a pending or in-flight run.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "run_duration_seconds",
			Help:    "Time from run command to report.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		WatchEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "events_total",
			Help: "Qualifying file changes that requested a run.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dashboard", Name: "subscribers",
			Help: "Currently connected real-time observers.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dashboard", Name: "broadcasts_total",
			Help: "State notifications fanned out to subscribers.",
		}),
		TransportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dashboard", Name: "transport_errors_total",
			Help: "Subscribers dropped after a failed or stalled send.",
		}),
		EngineDiagnostic: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "diagnostics_total",
			Help: "Log lines received from the engine.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RunsStarted, m.RunsCompleted, m.RunsFailed, m.RunsSuperseded,
			m.RequestsMerged, m.RunDuration, m.WatchEvents, m.Subscribers,
			m.Broadcasts, m.TransportErrors, m.EngineDiagnostic,
		)
	}
	return m
}

func (m *Metrics) RunStarted() {
	if m != nil {
		m.RunsStarted.Inc()
	}
}

// RunCompleted records a report and the time since the run command was sent.
func (m *Metrics) RunCompleted(elapsed time.Duration) {
	if m != nil {
		m.RunsCompleted.Inc()
		m.RunDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) RunFailed() {
	if m != nil {
		m.RunsFailed.Inc()
	}
}

func (m *Metrics) RunSuperseded() {
	if m != nil {
		m.RunsSuperseded.Inc()
	}
}

func (m *Metrics) RequestCoalesced() {
	if m != nil {
		m.RequestsMerged.Inc()
	}
}

func (m *Metrics) WatchEvent() {
	if m != nil {
		m.WatchEvents.Inc()
	}
}

func (m *Metrics) SubscriberAdded() {
	if m != nil {
		m.Subscribers.Inc()
	}
}

func (m *Metrics) SubscriberRemoved() {
	if m != nil {
		m.Subscribers.Dec()
	}
}

func (m *Metrics) Broadcast() {
	if m != nil {
		m.Broadcasts.Inc()
	}
}

func (m *Metrics) TransportError() {
	if m != nil {
		m.TransportErrors.Inc()
	}
}

func (m *Metrics) Diagnostic() {
	if m != nil {
		m.EngineDiagnostic.Inc()
	}
}
