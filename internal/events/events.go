// Package events fans job lifecycle events out to metrics and NATS.
package events

import (
	"context"

	"github.com/lepinkainen/feed-digest/internal/jobs"
	"github.com/lepinkainen/feed-digest/internal/metrics"
)

// Multi sends every event to each sink in order
type Multi []jobs.EventSink

// HandleEvent implements jobs.EventSink
func (m Multi) HandleEvent(ctx context.Context, event jobs.Event) {
	for _, sink := range m {
		if sink != nil {
			sink.HandleEvent(ctx, event)
		}
	}
}

// StatsSource reports per-queue job counts
type StatsSource interface {
	QueueStats(queue jobs.QueueName) (jobs.Stats, error)
}

// MetricsSink records job events as Prometheus metrics
type MetricsSink struct {
	stats StatsSource
}

// NewMetricsSink creates a sink; stats may be nil to skip queue gauges
func NewMetricsSink(stats StatsSource) *MetricsSink {
	return &MetricsSink{stats: stats}
}

// HandleEvent implements jobs.EventSink
func (m *MetricsSink) HandleEvent(_ context.Context, event jobs.Event) {
	queue := string(event.Queue)
	metrics.JobEventsTotal.WithLabelValues(queue, string(event.Kind)).Inc()

	switch event.Kind {
	case jobs.EventCompleted:
		metrics.JobDuration.WithLabelValues(queue, "completed").Observe(event.Duration.Seconds())
	case jobs.EventFailed, jobs.EventRetrying:
		metrics.JobDuration.WithLabelValues(queue, "failed").Observe(event.Duration.Seconds())
	}

	if m.stats == nil {
		return
	}
	stats, err := m.stats.QueueStats(event.Queue)
	if err != nil {
		return
	}
	RecordQueueStats(event.Queue, stats)
}

// RecordQueueStats sets the queue_jobs gauges of queue
func RecordQueueStats(queue jobs.QueueName, stats jobs.Stats) {
	name := string(queue)
	metrics.QueueJobs.WithLabelValues(name, string(jobs.StateWaiting)).Set(float64(stats.Waiting))
	metrics.QueueJobs.WithLabelValues(name, string(jobs.StateActive)).Set(float64(stats.Active))
	metrics.QueueJobs.WithLabelValues(name, string(jobs.StateCompleted)).Set(float64(stats.Completed))
	metrics.QueueJobs.WithLabelValues(name, string(jobs.StateFailed)).Set(float64(stats.Failed))
	metrics.QueueJobs.WithLabelValues(name, string(jobs.StateDelayed)).Set(float64(stats.Delayed))
}
