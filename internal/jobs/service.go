package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const cleanLimit = 100

// Service owns one queue per job type and the workers consuming them
type Service struct {
	queues map[QueueName]*queue
	sink   EventSink
	now    func() time.Time

	completedRetention Retention
	failedRetention    Retention

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	closed  bool
	workers []*Worker
}

// Option configures a Service
type Option func(*Service)

// WithEventSink sends lifecycle events to sink
func WithEventSink(sink EventSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithClock replaces time.Now for job timestamps and retention
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRetention overrides the retention of completed and failed jobs
func WithRetention(completed, failed Retention) Option {
	return func(s *Service) {
		s.completedRetention = completed
		s.failedRetention = failed
	}
}

// NewService creates the queues for every job type
func NewService(opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		queues:             make(map[QueueName]*queue, numTypes),
		now:                time.Now,
		completedRetention: DefaultCompletedRetention,
		failedRetention:    DefaultFailedRetention,
		baseCtx:            ctx,
		cancel:             cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, name := range queueNames {
		s.queues[name] = newQueue(name)
		slog.Debug("Queue initialized", "queue", name)
	}
	return s
}

func (s *Service) queue(name QueueName) (*queue, error) {
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AddJob places a job of type t on its queue and returns immediately.
// payload is stored as JSON; nil opts use DefaultOptions.
func (s *Service) AddJob(ctx context.Context, t Type, payload any, opts *Options) (*Job, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if !t.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, int(t))
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}

	q := s.queues[t.Queue()]
	options := opts.withDefaults()
	job := &Job{
		ID:        uuid.NewString(),
		Type:      t,
		Queue:     q.name,
		Payload:   raw,
		Options:   options,
		CreatedAt: s.now(),
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	if options.Delay > 0 {
		q.delayLocked(job, options.Delay)
	} else {
		q.enqueueLocked(job)
	}
	snapshot := job.clone()
	q.mu.Unlock()

	slog.Info("Job added to queue", "jobId", job.ID, "type", t, "queue", q.name, "delay", options.Delay)
	s.emit(ctx, Event{Kind: EventAdded, JobID: job.ID, Queue: q.name, Type: t})
	return snapshot, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		return json.Marshal(payload)
	}
}

// GetJob returns a copy of a job that is still retained
func (s *Service) GetJob(queue QueueName, id string) (*Job, error) {
	q, err := s.queue(queue)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrJobNotFound, queue, id)
	}
	return job.clone(), nil
}

// PauseQueue stops workers from claiming new jobs on queue. Active jobs finish.
func (s *Service) PauseQueue(queue QueueName) error {
	q, err := s.queue(queue)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()

	slog.Info("Queue paused", "queue", queue)
	return nil
}

// ResumeQueue lets workers claim jobs on queue again
func (s *Service) ResumeQueue(queue QueueName) error {
	q, err := s.queue(queue)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.paused = false
	if len(q.waiting) > 0 {
		q.signal()
	}
	q.mu.Unlock()

	slog.Info("Queue resumed", "queue", queue)
	return nil
}

// CleanQueue removes up to 100 completed jobs older than grace and up to
// 100 failed jobs older than 7*grace. It returns the number removed.
func (s *Service) CleanQueue(queue QueueName, grace time.Duration) (int, error) {
	q, err := s.queue(queue)
	if err != nil {
		return 0, err
	}

	now := s.now()
	q.mu.Lock()
	var completed, failed int
	q.completed, completed = q.cleanLocked(q.completed, now.Add(-grace), cleanLimit)
	q.failed, failed = q.cleanLocked(q.failed, now.Add(-7*grace), cleanLimit)
	q.mu.Unlock()

	slog.Info("Queue cleaned", "queue", queue, "grace", grace, "completed", completed, "failed", failed)
	return completed + failed, nil
}

// QueueStats returns job counts for queue
func (s *Service) QueueStats(queue QueueName) (Stats, error) {
	q, err := s.queue(queue)
	if err != nil {
		return Stats{}, err
	}
	return q.stats(), nil
}

// AllQueueStats returns job counts for every queue
func (s *Service) AllQueueStats() map[QueueName]Stats {
	stats := make(map[QueueName]Stats, len(s.queues))
	for name, q := range s.queues {
		stats[name] = q.stats()
	}
	return stats
}

// StartWorker starts concurrency goroutines processing jobs from queue
func (s *Service) StartWorker(queue QueueName, processor Processor, concurrency int) (*Worker, error) {
	q, err := s.queue(queue)
	if err != nil {
		return nil, err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	w := newWorker(s, q, processor, concurrency)
	s.workers = append(s.workers, w)
	w.start()

	slog.Info("Worker started", "queue", queue, "concurrency", concurrency)
	return w, nil
}

// Close stops accepting jobs, lets workers finish their in-flight jobs and
// then releases all queue state. If ctx ends first, in-flight processors
// are cancelled and ctx.Err() is returned.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	workers := append([]*Worker(nil), s.workers...)
	s.mu.Unlock()

	slog.Info("Closing job service", "workers", len(workers))

	for _, w := range workers {
		w.signalStop()
	}

	drained := make(chan struct{})
	go func() {
		for _, w := range workers {
			w.wait()
		}
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		slog.Warn("Job service drain interrupted, cancelling in-flight jobs", "error", err)
	}
	s.cancel()

	for name, q := range s.queues {
		q.release()
		slog.Debug("Queue closed", "queue", name)
	}

	slog.Info("Job service closed")
	return err
}

func (s *Service) emit(ctx context.Context, event Event) {
	if event.Error != nil {
		event.Message = event.Error.Error()
	}
	if s.sink != nil {
		s.sink.HandleEvent(ctx, event)
	}
}

// finish records the outcome of one processor run
func (s *Service) finish(ctx context.Context, q *queue, snapshot *Job, runErr error) {
	now := s.now()
	started := *snapshot.ProcessedAt
	event := Event{
		JobID:      snapshot.ID,
		Queue:      q.name,
		Type:       snapshot.Type,
		StartedAt:  started,
		FinishedAt: now,
		Duration:   now.Sub(started),
	}

	q.mu.Lock()
	q.active--
	job, ok := q.jobs[snapshot.ID]
	if !ok {
		// released by Close while running
		q.mu.Unlock()
		return
	}
	job.Attempts++
	event.Attempts = job.Attempts

	switch {
	case runErr == nil:
		job.State = StateCompleted
		job.FinishedAt = &now
		job.FailedReason = ""
		q.completed = append(q.completed, job.ID)
		q.completed = q.pruneLocked(q.completed, s.completedRetention, now)
		event.Kind = EventCompleted

	case IsUnrecoverable(runErr) || job.Attempts >= job.Options.Attempts:
		job.State = StateFailed
		job.FinishedAt = &now
		job.FailedReason = runErr.Error()
		q.failed = append(q.failed, job.ID)
		q.failed = q.pruneLocked(q.failed, s.failedRetention, now)
		event.Kind = EventFailed
		event.Error = fmt.Errorf("%w after %d attempts: %w", ErrJobExhausted, job.Attempts, runErr)

	default:
		job.FailedReason = runErr.Error()
		delay := job.Options.Backoff.policy().Backoff(job.Attempts)
		if delay > 0 {
			q.delayLocked(job, delay)
		} else {
			q.enqueueLocked(job)
		}
		event.Kind = EventRetrying
		event.RetryIn = delay
		event.Error = runErr
	}
	q.mu.Unlock()

	switch event.Kind {
	case EventCompleted:
		slog.Info("Job completed", "jobId", event.JobID, "queue", q.name, "duration", event.Duration, "attempts", event.Attempts)
	case EventFailed:
		slog.Error("Job failed", "jobId", event.JobID, "queue", q.name, "attempts", event.Attempts, "error", runErr)
	default:
		slog.Warn("Job failed, retrying", "jobId", event.JobID, "queue", q.name, "attempts", event.Attempts, "retryIn", event.RetryIn, "error", runErr)
	}
	s.emit(ctx, event)
}
