package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesRequested = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Ride requests by outcome"},
		[]string{"outcome"},
	)
	CandidatesFound = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_candidates",
		Help:      "Candidate drivers returned per ride request",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 10, 15, 20},
	})
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_latency_seconds",
		Help:      "Time from ride request to offers handed to the channel",
	})

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Channel deliveries by role, event and outcome"},
		[]string{"role", "event", "outcome"},
	)
	WSSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Connected realtime sessions"},
		[]string{"role"},
	)

	Claims = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "claims_total", Help: "Driver claims by outcome"},
		[]string{"outcome"},
	)
	Rejections = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rejections_total", Help: "Offers explicitly declined by drivers"})

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Booking state transitions by target status"},
		[]string{"status"},
	)
	ExpiryFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "expiry_failures_total", Help: "Dispatch timeouts abandoned after retries"})

	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location updates by source"},
		[]string{"source"},
	)
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Lifecycle events handed to the broker by outcome"},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
