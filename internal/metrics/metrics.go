// Package metrics holds the Prometheus collectors for a lofi session.
//
// A nil *Metrics is valid and records nothing, so components take one
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lofi"

// Metrics groups the collectors of one registry.
type Metrics struct {
	transitionsSubmitted *prometheus.CounterVec
	transitionsCompleted *prometheus.CounterVec
	runnersLive          prometheus.Gauge
	connectionAttempts   prometheus.Counter
	connectionStatus     prometheus.Gauge
	storageStatus        prometheus.Gauge
	framesDiscarded      *prometheus.CounterVec
}

// New registers the collectors with reg. Registering twice with the same
// registry panics, as promauto does.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitionsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_submitted_total",
			Help:      "Transitions accepted by the coordinator.",
		}, []string{"impact"}),
		transitionsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_completed_total",
			Help:      "Transitions whose completion callback fired.",
		}, []string{"impact"}),
		runnersLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runners_live",
			Help:      "Runners still addressable by id.",
		}),
		connectionAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_attempts_total",
			Help:      "Connection attempts started.",
		}),
		connectionStatus: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "0 disconnected, 1 connected and stable, 2 connected and unstable.",
		}),
		storageStatus: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_status",
			Help:      "0 disconnected, 1 connected and migrated, 2 never connecting.",
		}),
		framesDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_discarded_total",
			Help:      "Incoming frames dropped by the coordinator.",
		}, []string{"reason"}),
	}
}

// Connection status gauge values.
const (
	ConnDisconnected = 0
	ConnStable       = 1
	ConnUnstable     = 2
)

// TransitionSubmitted counts an accepted transition.
func (m *Metrics) TransitionSubmitted(impact string) {
	if m == nil {
		return
	}
	m.transitionsSubmitted.WithLabelValues(impact).Inc()
}

// TransitionCompleted counts a completion callback.
func (m *Metrics) TransitionCompleted(impact string) {
	if m == nil {
		return
	}
	m.transitionsCompleted.WithLabelValues(impact).Inc()
}

// RunnersLive sets the live runner count.
func (m *Metrics) RunnersLive(n int) {
	if m == nil {
		return
	}
	m.runnersLive.Set(float64(n))
}

// ConnectionAttempt counts a started attempt.
func (m *Metrics) ConnectionAttempt() {
	if m == nil {
		return
	}
	m.connectionAttempts.Inc()
}

// ConnectionStatus records one of the Conn* values.
func (m *Metrics) ConnectionStatus(v int) {
	if m == nil {
		return
	}
	m.connectionStatus.Set(float64(v))
}

// StorageStatus records the numeric storage status.
func (m *Metrics) StorageStatus(v int) {
	if m == nil {
		return
	}
	m.storageStatus.Set(float64(v))
}

// FrameDiscarded counts a dropped incoming frame.
func (m *Metrics) FrameDiscarded(reason string) {
	if m == nil {
		return
	}
	m.framesDiscarded.WithLabelValues(reason).Inc()
}
