package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Backend connection metrics
var (
	BackendConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judgegw_backend_connect_attempts_total",
			Help: "Total number of backend connection attempts",
		},
		[]string{"result"},
	)

	BackendConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "judgegw_backend_connections_current",
			Help: "Current number of open backend connections",
		},
	)

	BackendResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "judgegw_backend_resets_total",
			Help: "Total number of backend connections reset by receive errors",
		},
	)

	MessagesSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "judgegw_messages_sent_total",
			Help: "Total number of protocol messages sent to the backend",
		},
	)

	MessagesReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "judgegw_messages_received_total",
			Help: "Total number of protocol messages received from the backend",
		},
	)
)

// Session metrics
var (
	SessionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "judgegw_sessions_current",
			Help: "Current number of tracked client sessions",
		},
	)

	NotificationsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judgegw_notifications_delivered_total",
			Help: "Total number of notifications delivered to clients",
		},
		[]string{"name"},
	)
)

// Upload staging metrics
var (
	UploadsStagedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "judgegw_uploads_staged_total",
			Help: "Total number of uploads staged",
		},
	)

	UploadsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "judgegw_uploads_expired_total",
			Help: "Total number of staged uploads removed by the sweep",
		},
	)

	UploadsStagedCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "judgegw_uploads_staged_current",
			Help: "Current number of staged uploads held in memory",
		},
	)
)
