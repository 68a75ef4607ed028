// Package metrics defines the prometheus collectors exported on /metrics.
// Every method is safe on a nil *Metrics so components can run without them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "botchat"

// Metrics groups the collectors of one process.
type Metrics struct {
	Connections      prometheus.Gauge
	EventsRelayed    *prometheus.CounterVec
	MessagesAppended *prometheus.CounterVec
	Dispatches       *prometheus.CounterVec
	TypingActive     prometheus.Gauge
	AppendRetries    prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open websocket connections held by this process.",
		}),
		EventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_relayed_total",
			Help:      "Frames delivered to local connections, by event type.",
		}, []string{"event"}),
		MessagesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages appended to session logs, by role.",
		}, []string{"role"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Workflow engine dispatches, by result.",
		}, []string{"result"}),
		TypingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "typing_active",
			Help:      "Sessions with a running typing heartbeat.",
		}),
		AppendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "append_retries_total",
			Help:      "Store writes retried after a lock or version conflict.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connections,
			m.EventsRelayed,
			m.MessagesAppended,
			m.Dispatches,
			m.TypingActive,
			m.AppendRetries,
		)
	}
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) EventRelayed(event string, n int) {
	if m != nil && n > 0 {
		m.EventsRelayed.WithLabelValues(event).Add(float64(n))
	}
}

func (m *Metrics) MessageAppended(role string, n int) {
	if m != nil && n > 0 {
		m.MessagesAppended.WithLabelValues(role).Add(float64(n))
	}
}

// Dispatch records a workflow call outcome: "queued" or "failed".
func (m *Metrics) Dispatch(result string) {
	if m != nil {
		m.Dispatches.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) TypingStarted() {
	if m != nil {
		m.TypingActive.Inc()
	}
}

func (m *Metrics) TypingStopped() {
	if m != nil {
		m.TypingActive.Dec()
	}
}

func (m *Metrics) AppendRetried() {
	if m != nil {
		m.AppendRetries.Inc()
	}
}
