package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "bookings_total", Help: "Total bookings committed"})
	BookingRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "booking_rejections_total", Help: "Booking rejections by reason code"},
		[]string{"reason"},
	)
	BookingConflictRetries = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "booking_conflict_retries_total", Help: "Version-conflict retries during booking commits"})
	RidesCreated           = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "rides_created_total", Help: "Total rides published"})
	ChatMessagesTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "chat_messages_total", Help: "Chat messages relayed"})
	ChatClientsConnected   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "chat_clients_connected", Help: "Currently connected chat sockets"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
