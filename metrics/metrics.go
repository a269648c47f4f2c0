package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaychat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaychat_connections_active",
			Help: "Open websocket connections",
		},
	)

	UsersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaychat_users_online",
			Help: "Users with an announced connection",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_connections_rejected_total",
			Help: "Websocket upgrades refused before the handshake",
		},
		[]string{"reason"}, // "origin", "auth"
	)

	// Routing metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_frames_received_total",
			Help: "Inbound frames by type",
		},
		[]string{"type"},
	)

	FrameErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_frame_errors_total",
			Help: "Inbound frames answered with an error",
		},
		[]string{"reason"},
	)

	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaychat_messages_persisted_total",
			Help: "Chat messages written to the store",
		},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_deliveries_total",
			Help: "Live pushes to recipients",
		},
		[]string{"kind", "result"}, // result: "delivered", "offline", "dropped"
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaychat_store_latency_seconds",
			Help:    "Message store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op"},
	)
)
