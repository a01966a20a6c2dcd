// Package metrics owns the Prometheus collectors exported on /metrics.
// All methods are safe on a nil *Metrics so components can run without it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatd"

type Metrics struct {
	registry *prometheus.Registry

	connections   prometheus.Gauge
	onlineUsers   prometheus.Gauge
	eventsIssued  *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
	messages      prometheus.Counter
	inbound       *prometheus.CounterVec
	notifications *prometheus.CounterVec
	pushResults   *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

// New registers a fresh set of collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Authenticated realtime connections.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with at least one live connection.",
		}),
		eventsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_issued_total",
			Help:      "Realtime events enqueued to connections, by event type.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Realtime events that could not be enqueued, by event type.",
		}, []string{"type"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_total",
			Help:      "Messages persisted.",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_frames_total",
			Help:      "Inbound realtime frames, by type and outcome.",
		}, []string{"type", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Offline notifications requested, by outcome.",
		}, []string{"outcome"}),
		pushResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_dispatch_total",
			Help:      "Push outbox entries processed, by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests, by route and status code.",
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.onlineUsers,
		m.eventsIssued,
		m.eventsDropped,
		m.messages,
		m.inbound,
		m.notifications,
		m.pushResults,
		m.httpRequests,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetPresence(connections, onlineUsers int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(connections))
	m.onlineUsers.Set(float64(onlineUsers))
}

func (m *Metrics) EventIssued(eventType string) {
	if m == nil {
		return
	}
	m.eventsIssued.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDropped(eventType string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(eventType).Inc()
}

func (m *Metrics) MessageStored() {
	if m == nil {
		return
	}
	m.messages.Inc()
}

func (m *Metrics) Inbound(frameType, outcome string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(frameType, outcome).Inc()
}

func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PushResult(result string) {
	if m == nil {
		return
	}
	m.pushResults.WithLabelValues(result).Inc()
}

func (m *Metrics) HTTPRequest(route, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
}
