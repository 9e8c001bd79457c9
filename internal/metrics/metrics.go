// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Job lifecycle metrics
	JobEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_events_total",
			Help: "Total number of job lifecycle events",
		},
		[]string{"queue", "kind"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue", "status"},
	)

	QueueJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_jobs",
			Help: "Number of jobs per queue and state",
		},
		[]string{"queue", "state"},
	)

	// Cache metrics
	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Total number of cache lookups",
		},
		[]string{"cache", "result"},
	)

	// Rate limiting
	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Total number of rate limit decisions",
		},
		[]string{"subject", "decision"},
	)

	// Feed fetching
	FeedFetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_fetch_attempts_total",
			Help: "Total number of feed fetch attempts",
		},
		[]string{"status"},
	)

	// Summaries
	SummariesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summaries_total",
			Help: "Total number of summaries produced",
		},
		[]string{"source"},
	)

	SummaryCostUSD = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "summary_cost_usd_total",
			Help: "Estimated spend on the summarization backend in USD",
		},
	)

	// NATS
	NatsMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_messages_published_total",
			Help: "Total number of NATS messages published",
		},
		[]string{"subject", "status"},
	)

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	ApplicationInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "application_info",
			Help: "Application information",
		},
		[]string{"service", "version"},
	)
)

// Init records static application information
func Init(serviceName, version string) {
	ApplicationInfo.WithLabelValues(serviceName, version).Set(1)
}

// CacheResult records a cache lookup as hit, miss or error
func CacheResult(cache string, hit bool, err error) {
	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case hit:
		result = "hit"
	}
	CacheRequestsTotal.WithLabelValues(cache, result).Inc()
}

// RateLimitDecision records a limiter decision
func RateLimitDecision(subject string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "rejected"
	}
	RateLimitDecisionsTotal.WithLabelValues(subject, decision).Inc()
}
