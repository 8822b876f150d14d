package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Delivery pipeline metrics
	MessagesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classchat_messages_submitted_total",
			Help: "Total messages submitted, by outcome",
		},
		[]string{"outcome"}, // "queued", "accepted", "rate_limited", "failed"
	)

	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_messages_persisted_total",
			Help: "Total messages written to the durable store",
		},
	)

	FallbackSends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_fallback_sends_total",
			Help: "Total messages persisted directly because the queue was unavailable",
		},
	)

	JobRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_job_retries_total",
			Help: "Total send jobs rescheduled after a failed attempt",
		},
	)

	DeadLetteredJobs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_dead_lettered_jobs_total",
			Help: "Total send jobs moved to dead-letter storage",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "classchat_queue_depth",
			Help: "Pending jobs per queue",
		},
		[]string{"queue"}, // "send" or "status"
	)

	// Rate limit metrics
	RateLimitDenials = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_rate_limit_denials_total",
			Help: "Total sends denied by the rate limiter",
		},
	)

	RateLimitFailOpen = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_rate_limit_fail_open_total",
			Help: "Total sends allowed because the counter store was unavailable",
		},
	)

	// Fanout metrics
	BroadcastsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_broadcasts_published_total",
			Help: "Total messages published to room channels",
		},
	)

	BroadcastFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_broadcast_failures_total",
			Help: "Total failed or skipped broadcast attempts",
		},
	)

	// Cache metrics
	HistoryCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classchat_history_cache_total",
			Help: "History cache lookups, by result",
		},
		[]string{"result"}, // "hit" or "miss"
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "classchat_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	StoreLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "classchat_store_latency_seconds",
			Help:    "Durable store query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)
