package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_created_total", Help: "Total rides created"})

	OffersSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_submitted_total", Help: "Total price offers submitted"})
	OffersAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_accepted_total", Help: "Total price offers accepted"})
	OffersRejected  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_rejected_total", Help: "Total price offers rejected or superseded"})
	OffersExpired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_expired_total", Help: "Total price offers expired"})

	AssignmentConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "assignment_conflicts_total", Help: "Accept attempts that lost the assignment race"})

	LocationReports = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_reports_total", Help: "Total driver location reports ingested"})

	FanoutEvents  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "fanout_events_total", Help: "Total events published to the fan-out hub"})
	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "fanout_dropped_total", Help: "Events dropped because a subscriber buffer was full"})

	NotificationsEnqueued = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_enqueued_total", Help: "Push notifications handed to the delivery channel"})
	NotificationsDropped  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_dropped_total", Help: "Push notifications dropped because the outbound queue was full"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
