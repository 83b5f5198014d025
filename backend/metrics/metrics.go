package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "status"},
	)

	// Connection metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "synapse_sessions_active",
			Help: "Currently connected sessions",
		},
	)

	// Relay metrics
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_messages_persisted_total",
			Help: "Chat events persisted and broadcast",
		},
		[]string{"kind"},
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_messages_rejected_total",
			Help: "Chat events rejected before broadcast",
		},
		[]string{"reason"}, // "empty", "validation", "persistence"
	)

	EventsReplayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "synapse_events_replayed_total",
			Help: "Chat events replayed to reconnecting sessions",
		},
	)

	StoreLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "synapse_store_latency_seconds",
			Help:    "Message store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .5},
		},
	)

	// Signaling metrics
	SignalsForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_signals_forwarded_total",
			Help: "Call signaling announcements delivered",
		},
		[]string{"type"},
	)

	SignalsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_signals_dropped_total",
			Help: "Call signaling announcements addressed to missing sessions",
		},
		[]string{"type"},
	)

	ProviderErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "synapse_provider_errors_total",
			Help: "Call room provider failures",
		},
	)
)
