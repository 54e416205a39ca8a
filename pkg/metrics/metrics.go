// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionTransitions tracks accepted lifecycle transitions.
	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_transitions_total",
			Help: "Accepted conversation lifecycle transitions",
		},
		[]string{"from", "to", "event"},
	)

	// SessionInvalidTransitions tracks lifecycle events ignored for the current state.
	SessionInvalidTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_invalid_transitions_total",
			Help: "Lifecycle events ignored because they are not valid for the current state",
		},
		[]string{"state", "event"},
	)

	// Reconciliations tracks optimistic message outcomes.
	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_messages_total",
			Help: "Optimistic message outcomes",
		},
		[]string{"outcome"},
	)

	// AckLatency tracks the time between an optimistic send and its ack.
	AckLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconcile_ack_latency_seconds",
			Help:    "Time between optimistic send and server ack",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// OutOfOrder tracks buffered receipts and chunks by outcome.
	OutOfOrder = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_out_of_order_total",
			Help: "Receipts and stream chunks that arrived out of order",
		},
		[]string{"kind", "outcome"},
	)

	// StreamDuration tracks streamed AI message duration by outcome.
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stream_duration_seconds",
			Help:    "Streamed message duration from start to finalisation",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"outcome"},
	)

	// TypingSweeps tracks presence sweeps and the entries they expired.
	TypingSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_typing_sweeps_total",
			Help: "Typing expiry sweeps",
		},
		[]string{"result"},
	)

	// TransportEvents tracks connection lifecycle events.
	TransportEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_events_total",
			Help: "Socket lifecycle events",
		},
		[]string{"event"},
	)

	// TransportFrames tracks frames by direction.
	TransportFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_frames_total",
			Help: "Socket frames sent and received",
		},
		[]string{"direction", "event"},
	)

	// ConversationsActive tracks conversations held by the store.
	ConversationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "store_conversations",
			Help: "Conversations held by the store",
		},
	)

	// StoreUpdates tracks applied store deltas.
	StoreUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_updates_total",
			Help: "Deltas applied by the conversation store",
		},
		[]string{"kind"},
	)

	// FetchDuration tracks REST fetch duration.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rest_fetch_duration_seconds",
			Help:    "REST fetch duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"resource", "status"},
	)

	// RequestDuration tracks simulator HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total simulator HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SocketConnectionsActive tracks live simulator websocket connections.
	SocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of active websocket connections",
		},
	)

	// LLMStreamDuration tracks simulator LLM streaming duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// JournalPublished tracks store updates mirrored to NATS.
	JournalPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_updates_published_total",
			Help: "Store updates mirrored to JetStream",
		},
		[]string{"status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordTransition records an accepted lifecycle transition.
func RecordTransition(from, to, event string) {
	SessionTransitions.WithLabelValues(from, to, event).Inc()
}

// RecordInvalidTransition records an ignored lifecycle event.
func RecordInvalidTransition(state, event string) {
	SessionInvalidTransitions.WithLabelValues(state, event).Inc()
}

// RecordReconciliation records an optimistic message outcome.
func RecordReconciliation(outcome string) {
	Reconciliations.WithLabelValues(outcome).Inc()
}

// RecordAckLatency records the time an optimistic message waited for its ack.
func RecordAckLatency(seconds float64) {
	AckLatency.Observe(seconds)
}

// RecordOutOfOrder records a buffered receipt or chunk outcome.
func RecordOutOfOrder(kind, outcome string) {
	OutOfOrder.WithLabelValues(kind, outcome).Inc()
}

// RecordStream records a finalised stream.
func RecordStream(outcome string, duration float64) {
	StreamDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordTransport records a socket lifecycle event.
func RecordTransport(event string) {
	TransportEvents.WithLabelValues(event).Inc()
}

// RecordFrame records a socket frame.
func RecordFrame(direction, event string) {
	TransportFrames.WithLabelValues(direction, event).Inc()
}

// RecordLLMStream records metrics for a simulator LLM stream.
func RecordLLMStream(model, status string, duration float64) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
}

// IncrementSocketConnections increments the active websocket count.
func IncrementSocketConnections() {
	SocketConnectionsActive.Inc()
}

// DecrementSocketConnections decrements the active websocket count.
func DecrementSocketConnections() {
	SocketConnectionsActive.Dec()
}
