package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Connection metrics
	activeConnections   prometheus.Gauge
	connectionsAdmitted prometheus.Counter
	connectionsEvicted  *prometheus.CounterVec // by reason

	// Presence metrics
	announces  prometheus.Counter
	rosterSize prometheus.Gauge

	// Message metrics
	messagesRouted  prometheus.Counter
	messagesDropped *prometheus.CounterVec // by reason
	messagesFailed  prometheus.Counter
	forwardFanout   prometheus.Histogram

	// Performance metrics
	routeDuration prometheus.Histogram
}

// NewMetrics registers the server metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "duochat_active_connections",
				Help: "Current number of admitted connections",
			},
		),
		connectionsAdmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "duochat_connections_admitted_total",
				Help: "Total number of connections admitted",
			},
		),
		connectionsEvicted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duochat_connections_evicted_total",
				Help: "Total number of connections evicted by reason",
			},
			[]string{"reason"},
		),
		announces: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "duochat_presence_announces_total",
				Help: "Total number of presence announcements",
			},
		),
		rosterSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "duochat_roster_size",
				Help: "Number of entries in the last announced roster",
			},
		),
		messagesRouted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "duochat_messages_routed_total",
				Help: "Total number of messages persisted and forwarded",
			},
		),
		messagesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duochat_messages_dropped_total",
				Help: "Total number of inbound messages dropped by reason",
			},
			[]string{"reason"},
		),
		messagesFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "duochat_messages_failed_total",
				Help: "Total number of messages lost to store failures",
			},
		),
		forwardFanout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "duochat_forward_fanout",
				Help:    "Number of recipient connections each message was delivered to",
				Buckets: []float64{0, 1, 2, 3, 5, 10},
			},
		),
		routeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "duochat_route_duration_seconds",
				Help:    "Time taken to persist and forward a message",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordAdmitted updates the connection gauge after an admit
func (m *Metrics) RecordAdmitted(count int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(count))
	m.connectionsAdmitted.Inc()
}

// RecordEvicted updates the connection gauge after an eviction
func (m *Metrics) RecordEvicted(count int, reason string) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(count))
	m.connectionsEvicted.WithLabelValues(reason).Inc()
}

// RecordAnnounce records a presence broadcast
func (m *Metrics) RecordAnnounce(rosterSize int) {
	if m == nil {
		return
	}
	m.announces.Inc()
	m.rosterSize.Set(float64(rosterSize))
}

// RecordRouted increments the routed message counter
func (m *Metrics) RecordRouted() {
	if m == nil {
		return
	}
	m.messagesRouted.Inc()
}

// RecordDropped increments the dropped message counter for a reason
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

// RecordStoreFailure increments the failed message counter
func (m *Metrics) RecordStoreFailure() {
	if m == nil {
		return
	}
	m.messagesFailed.Inc()
}

// RecordForward records how many connections received a message
func (m *Metrics) RecordForward(delivered int) {
	if m == nil {
		return
	}
	m.forwardFanout.Observe(float64(delivered))
}

// RecordRouteDuration records how long routing a message took
func (m *Metrics) RecordRouteDuration(durationSeconds float64) {
	if m == nil {
		return
	}
	m.routeDuration.Observe(durationSeconds)
}
