// Package metrics provides Prometheus instrumentation for the chat service.
// It exposes gauges for connection and room counts, counters for message
// throughput, and histograms for dispatch latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts the total number of messages processed, labeled by
	// outcome: "delivered", "rejected", or "duplicate".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"}) // outcome = "delivered", "rejected", "duplicate"

	// DispatchLatency records the time from receiving a send-message frame to
	// the message being persisted and fanned out.
	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_dispatch_latency_seconds",
		Help:    "Message dispatch latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ActiveRooms tracks the number of conversations with at least one local
	// member connection.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_rooms",
		Help: "Current number of conversations with local members",
	})

	// TypingSessions tracks the number of typing indicators currently live.
	TypingSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_typing_sessions",
		Help: "Current number of live typing indicators",
	})

	// AuthFailuresTotal counts rejected upgrade attempts, labeled by reason:
	// "missing_token" or "invalid_token".
	AuthFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_auth_failures_total",
		Help: "Total number of rejected WebSocket upgrade attempts",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		DispatchLatency,
		ActiveRooms,
		TypingSessions,
		AuthFailuresTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
