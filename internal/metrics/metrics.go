// Package metrics holds the prometheus collectors shared by the relay
// server and the call client. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "yacall"

type Metrics struct {
	registry *prometheus.Registry

	connectedClients prometheus.Gauge
	signalingEvents  *prometheus.CounterVec
	activeCalls      prometheus.Gauge
	chatMessages     prometheus.Counter
	callTransitions  *prometheus.CounterVec
}

// New registers the collectors on a private registry so several instances
// can live in one process (tests, embedded servers).
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Open websocket connections.",
		}),
		signalingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_events_total",
			Help:      "Signaling events handled by the relay, by event name and outcome.",
		}, []string{"event", "outcome"}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Call pairs currently tracked by the relay.",
		}),
		chatMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages accepted by the relay.",
		}),
		callTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_transitions_total",
			Help:      "Call state machine transitions.",
		}, []string{"from", "to"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectedClients,
		m.signalingEvents,
		m.activeCalls,
		m.chatMessages,
		m.callTransitions,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.connectedClients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.connectedClients.Dec()
}

func (m *Metrics) EventHandled(event, outcome string) {
	if m == nil {
		return
	}
	m.signalingEvents.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.activeCalls.Set(float64(n))
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.chatMessages.Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.callTransitions.WithLabelValues(from, to).Inc()
}
