// Package metrics defines the Prometheus collectors exported on /metrics.
//
// All methods are safe to call on a nil *Metrics, so components can run in
// tests without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for the chat core.
type Metrics struct {
	connections    prometheus.Gauge
	onlineUsers    prometheus.Gauge
	events         *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	persistLatency prometheus.Histogram
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer in
// production and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections",
			Help: "Number of live websocket connections",
		}),
		onlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat_online_users",
			Help: "Number of users with at least one live connection",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_events_total",
			Help: "Inbound events by type and outcome",
		}, []string{"type", "outcome"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_deliveries_total",
			Help: "Per-connection delivery attempts by result",
		}, []string{"result"}),
		persistLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_message_persist_seconds",
			Help:    "Time spent persisting a message before fan-out",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ConnectionOpened counts a connection that finished authentication and
// was registered with the hub.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed undoes ConnectionOpened once the connection is torn down.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// SetOnlineUsers records the size of the latest presence snapshot.
func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

// EventHandled counts one inbound event. outcome is "ok" or an error code.
func (m *Metrics) EventHandled(kind, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, outcome).Inc()
}

// Delivered counts the per-connection outcomes of one fan-out.
func (m *Metrics) Delivered(ok, failed int) {
	if m == nil {
		return
	}
	if ok > 0 {
		m.deliveries.WithLabelValues("ok").Add(float64(ok))
	}
	if failed > 0 {
		m.deliveries.WithLabelValues("failed").Add(float64(failed))
	}
}

// ObservePersist records how long storing one message took, failed
// attempts included.
func (m *Metrics) ObservePersist(d time.Duration) {
	if m == nil {
		return
	}
	m.persistLatency.Observe(d.Seconds())
}
