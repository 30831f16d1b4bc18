package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Update results.
const (
	resultOK       = "ok"
	resultRejected = "rejected"
	resultError    = "error"
)

// Metrics groups the server's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections   prometheus.Gauge
	Actors              prometheus.Gauge
	Subscriptions       prometheus.Gauge
	Updates             *prometheus.CounterVec
	Publishes           prometheus.Counter
	RejectedConnections *prometheus.CounterVec
	RecorderDropped     prometheus.Counter
	RecorderFailures    prometheus.Counter
}

// NewMetrics registers every collector on a fresh registry. A nil registry
// gets one with the Go and process collectors attached.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := &Metrics{
		registry: registry,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence", Name: "active_connections",
			Help: "Number of open presence sockets.",
		}),
		Actors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence", Name: "actors",
			Help: "Number of running per-key actors.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence", Name: "subscriptions",
			Help: "Number of live count subscriptions.",
		}),
		Updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence", Name: "updates_total",
			Help: "Presence updates by result.",
		}, []string{"result"}),
		Publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence", Name: "publishes_total",
			Help: "Counts published to subscribers.",
		}),
		RejectedConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence", Name: "rejected_connections_total",
			Help: "Socket requests refused before upgrade, by reason.",
		}, []string{"reason"}),
		RecorderDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence", Subsystem: "recorder", Name: "dropped_total",
			Help: "Events dropped because the recorder queue was full or closed.",
		}),
		RecorderFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence", Subsystem: "recorder", Name: "failures_total",
			Help: "Events that could not be written to the store.",
		}),
	}
	registry.MustRegister(
		m.ActiveConnections,
		m.Actors,
		m.Subscriptions,
		m.Updates,
		m.Publishes,
		m.RejectedConnections,
		m.RecorderDropped,
		m.RecorderFailures,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
