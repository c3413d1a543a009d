package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "troupe_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "troupe_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Election and orchestration metrics
	ElectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "troupe_elections_total",
			Help: "Initiator election outcomes per inbound event",
		},
		[]string{"decision"}, // "ignore", "human_direct", "inter_agent_relay"
	)

	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "troupe_submissions_total",
			Help: "Orchestration submissions by origin and outcome",
		},
		[]string{"origin", "outcome"}, // outcome: "accepted", "rejected", "exhausted"
	)

	SubmissionRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "troupe_submission_retries_total",
			Help: "Orchestration submission retry attempts",
		},
	)

	FallbackRepliesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "troupe_fallback_replies_total",
			Help: "Persona-voiced fallback apologies delivered",
		},
	)

	// Delivery metrics
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "troupe_deliveries_total",
			Help: "Platform message deliveries by outcome",
		},
		[]string{"outcome"}, // "delivered", "permission_denied", "not_found", "transient"
	)

	// Coordinator metrics
	DuplicateEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "troupe_duplicate_events_total",
			Help: "Submissions deduplicated by event identity",
		},
	)

	SuppressedRepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "troupe_suppressed_replies_total",
			Help: "Replies suppressed before delivery",
		},
		[]string{"reason"}, // "fingerprint", "turn_budget"
	)

	ScheduledStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "troupe_scheduled_starts_total",
			Help: "Organic conversation starts by outcome",
		},
		[]string{"outcome"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "troupe_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)
)
