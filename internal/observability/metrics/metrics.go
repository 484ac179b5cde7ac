package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	RoomsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rooms_created_total",
			Help: "Rooms created on first join.",
		},
	)

	RoomsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rooms_closed_total",
			Help: "Rooms that reached a terminal state.",
		},
		[]string{"reason"},
	)

	ParticipantsJoinedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "participants_joined_total",
			Help: "Participants admitted into rooms.",
		},
	)

	MessagesRelayedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_relayed_total",
			Help: "Encrypted messages persisted and fanned out.",
		},
	)

	BroadcastDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_drops_total",
			Help: "Connections dropped because their send queue overflowed.",
		},
	)

	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Currently connected websocket clients.",
		},
	)

	FileAuthorizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "file_authorizations_total",
			Help: "Upload/download authorization outcomes.",
		},
		[]string{"op", "status"},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		RoomsCreatedTotal,
		RoomsClosedTotal,
		ParticipantsJoinedTotal,
		MessagesRelayedTotal,
		BroadcastDropsTotal,
		ConnectionsActive,
		FileAuthorizationsTotal,
	)
}
