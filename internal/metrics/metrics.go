// ABOUTME: Prometheus collectors for connection supervision and dialogue activity
// ABOUTME: All methods are nil-safe so components can run without metrics

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_menubot"

// Metrics groups the collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connectionState   *prometheus.GaugeVec
	transitions       *prometheus.CounterVec
	reconnects        prometheus.Counter
	credentialResets  *prometheus.CounterVec
	inbound           *prometheus.CounterVec
	replies           *prometheus.CounterVec
	activeSessions    prometheus.Gauge
	inactivityActions *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions.",
		}, []string{"from", "to"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts.",
		}),
		credentialResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_resets_total",
			Help:      "Credential resets by cause.",
		}, []string{"cause"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages by policy verdict.",
		}, []string{"verdict"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Outbound replies by result.",
		}, []string{"result"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dialogue_sessions",
			Help:      "Live dialogue sessions.",
		}),
		inactivityActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inactivity_actions_total",
			Help:      "Inactivity warnings and resets fired.",
		}, []string{"action"}),
	}

	reg.MustRegister(
		m.connectionState,
		m.transitions,
		m.reconnects,
		m.credentialResets,
		m.inbound,
		m.replies,
		m.activeSessions,
		m.inactivityActions,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (for tests).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StateChanged records a transition and updates the state gauge.
func (m *Metrics) StateChanged(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
	m.connectionState.WithLabelValues(from).Set(0)
	m.connectionState.WithLabelValues(to).Set(1)
}

// ReconnectScheduled counts a reconnect attempt.
func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// CredentialsReset counts a credential reset.
func (m *Metrics) CredentialsReset(cause string) {
	if m == nil {
		return
	}
	m.credentialResets.WithLabelValues(cause).Inc()
}

// InboundMessage counts an inbound message by verdict.
func (m *Metrics) InboundMessage(verdict string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(verdict).Inc()
}

// Reply counts an outbound reply by result ("sent", "failed", "dropped").
func (m *Metrics) Reply(result string) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(result).Inc()
}

// SessionsChanged adjusts the live session gauge.
func (m *Metrics) SessionsChanged(delta int) {
	if m == nil {
		return
	}
	m.activeSessions.Add(float64(delta))
}

// InactivityFired counts a warning or reset.
func (m *Metrics) InactivityFired(action string) {
	if m == nil {
		return
	}
	m.inactivityActions.WithLabelValues(action).Inc()
}
