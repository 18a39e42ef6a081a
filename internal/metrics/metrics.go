package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accord_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "accord_ws_connections_active",
			Help: "Live websocket connections registered in presence",
		},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accord_ws_auth_failures_total",
			Help: "Connections closed because authentication failed or timed out",
		},
	)

	// Relay metrics
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accord_messages_persisted_total",
			Help: "Messages written to the message store",
		},
		[]string{"room_type"}, // "dm" or "group"
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accord_messages_rejected_total",
			Help: "Send events rejected back to their sender",
		},
		[]string{"reason"},
	)

	Deliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accord_deliveries_total",
			Help: "Events handed to live connection handles",
		},
	)

	OfflineDirectMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accord_direct_messages_offline_total",
			Help: "Direct messages persisted while the recipient had no live connection",
		},
	)

	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accord_delivery_failures_total",
			Help: "Events a connection handle could not accept",
		},
	)

	// AI metrics
	AITurns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accord_ai_turns_total",
			Help: "AI turns by outcome",
		},
		[]string{"outcome"}, // "success" or "fallback"
	)

	Analyses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accord_analyses_total",
			Help: "Conversation analyses by outcome",
		},
		[]string{"outcome"},
	)

	// Latency
	PersistLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accord_persist_latency_seconds",
			Help:    "Message store append latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
		},
	)

	InferenceLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accord_inference_latency_seconds",
			Help:    "Inference collaborator call latency",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30},
		},
	)
)
