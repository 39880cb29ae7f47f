// Package metrics provides Prometheus instrumentation for the chat client
// subsystem. It exposes gauges for connection and pending-message state,
// counters for protocol traffic, and a histogram for acknowledgment latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connected is 1 while the WebSocket connection is established.
	Connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatkit_connected",
		Help: "Whether the client connection is currently established",
	})

	// ReconnectAttemptsTotal counts reconnection attempts.
	ReconnectAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatkit_reconnect_attempts_total",
		Help: "Total number of reconnection attempts",
	})

	// CommandsTotal counts outbound commands, labeled by command type.
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatkit_commands_total",
		Help: "Total number of commands sent to the server",
	}, []string{"type"})

	// EventsTotal counts inbound server events, labeled by event type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatkit_events_total",
		Help: "Total number of events received from the server",
	}, []string{"type"})

	// PendingMessages tracks the current size of the pending (unacked) set.
	PendingMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatkit_pending_messages",
		Help: "Current number of messages awaiting acknowledgment",
	})

	// DeliveriesTotal counts terminal outcomes of outbound messages,
	// labeled by result: "delivered" or "failed".
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatkit_deliveries_total",
		Help: "Total number of outbound messages reaching a terminal state",
	}, []string{"result"})

	// AckLatency records the time from enqueue to acknowledgment.
	AckLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatkit_ack_latency_seconds",
		Help:    "Time from message enqueue to server acknowledgment",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	// TypingActive tracks the number of live remote typing indicators.
	TypingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatkit_typing_active",
		Help: "Current number of active remote typing indicators",
	})
)

func init() {
	prometheus.MustRegister(
		Connected,
		ReconnectAttemptsTotal,
		CommandsTotal,
		EventsTotal,
		PendingMessages,
		DeliveriesTotal,
		AckLatency,
		TypingActive,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
