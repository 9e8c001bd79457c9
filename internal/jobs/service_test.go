package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lepinkainen/feed-digest/pkg/retry"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) HandleEvent(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recordingSink) last(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestService(t *testing.T, opts ...Option) (*Service, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	s := NewService(append([]Option{WithEventSink(sink)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s, sink
}

var fastRetry = &Options{Backoff: Backoff{Kind: retry.Fixed, Delay: time.Millisecond}}

func TestQueueMapping(t *testing.T) {
	tests := []struct {
		typ   Type
		name  string
		queue QueueName
	}{
		{TypeIngest, "INGEST", "feed-ingest"},
		{TypeSummarize, "SUMMARIZE", "article-summarize"},
		{TypeCleanup, "CLEANUP", "cache-cleanup"},
		{TypeRefresh, "REFRESH", "feed-refresh"},
		{TypeEmail, "EMAIL", "email-send"},
	}

	if len(Types()) != len(tests) {
		t.Fatalf("Types() has %d entries, want %d", len(Types()), len(tests))
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.typ.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.typ.Queue(); got != tt.queue {
				t.Errorf("Queue() = %q, want %q", got, tt.queue)
			}
			parsed, err := ParseType(tt.name)
			if err != nil || parsed != tt.typ {
				t.Errorf("ParseType(%q) = %v, %v", tt.name, parsed, err)
			}
			back, err := TypeForQueue(tt.queue)
			if err != nil || back != tt.typ {
				t.Errorf("TypeForQueue(%q) = %v, %v", tt.queue, back, err)
			}
		})
	}

	if _, err := TypeForQueue("nope"); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("TypeForQueue(nope) error = %v, want ErrUnknownQueue", err)
	}
	if _, err := ParseType("nope"); !errors.Is(err, ErrUnknownType) {
		t.Errorf("ParseType(nope) error = %v, want ErrUnknownType", err)
	}
}

func TestAddJobDefaults(t *testing.T) {
	s, sink := newTestService(t)

	job, err := s.AddJob(context.Background(), TypeIngest, map[string]string{"url": "https://example.com/feed"}, nil)
	if err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}

	if job.Queue != QueueIngest {
		t.Errorf("Queue = %q, want %q", job.Queue, QueueIngest)
	}
	if job.State != StateWaiting {
		t.Errorf("State = %q, want waiting", job.State)
	}
	if job.Options.Attempts != 3 || job.Options.Backoff.Kind != retry.Exponential || job.Options.Backoff.Delay != 2*time.Second {
		t.Errorf("Options = %+v, want 3 attempts exponential from 2s", job.Options)
	}

	var payload struct {
		URL string `json:"url"`
	}
	if err := job.Decode(&payload); err != nil || payload.URL != "https://example.com/feed" {
		t.Errorf("Decode() = %+v, %v", payload, err)
	}

	stats, _ := s.QueueStats(QueueIngest)
	if stats.Waiting != 1 || stats.Total != 1 {
		t.Errorf("QueueStats() = %+v, want 1 waiting", stats)
	}
	if sink.count(EventAdded) != 1 {
		t.Errorf("added events = %d, want 1", sink.count(EventAdded))
	}
}

func TestAddJobInvalid(t *testing.T) {
	s, _ := newTestService(t)

	if _, err := s.AddJob(context.Background(), Type(99), nil, nil); !errors.Is(err, ErrUnknownType) {
		t.Errorf("AddJob(99) error = %v, want ErrUnknownType", err)
	}
	if _, err := s.AddJob(context.Background(), TypeEmail, make(chan int), nil); err == nil {
		t.Error("AddJob() with unencodable payload should fail")
	}
	if _, err := s.QueueStats("nope"); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("QueueStats(nope) error = %v, want ErrUnknownQueue", err)
	}
	if _, err := s.StartWorker("nope", ProcessorFunc(func(context.Context, *Job) error { return nil }), 1); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("StartWorker(nope) error = %v, want ErrUnknownQueue", err)
	}
}

func TestWorkerCompletesJob(t *testing.T) {
	s, sink := newTestService(t)

	job, err := s.AddJob(context.Background(), TypeSummarize, map[string]string{"articleId": "a1"}, nil)
	if err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}

	var seen atomic.Value
	_, err = s.StartWorker(QueueSummarize, ProcessorFunc(func(_ context.Context, j *Job) error {
		var p struct {
			ArticleID string `json:"articleId"`
		}
		if err := j.Decode(&p); err != nil {
			return err
		}
		seen.Store(p.ArticleID)
		return nil
	}), 2)
	if err != nil {
		t.Fatalf("StartWorker() error = %v", err)
	}

	waitFor(t, "completion", func() bool { return sink.count(EventCompleted) == 1 })

	if seen.Load() != "a1" {
		t.Errorf("processor saw %v, want a1", seen.Load())
	}

	got, err := s.GetJob(QueueSummarize, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.State != StateCompleted || got.Attempts != 1 || got.FinishedAt == nil {
		t.Errorf("job = %+v, want completed after 1 attempt", got)
	}

	event, _ := sink.last(EventCompleted)
	if event.Duration != event.FinishedAt.Sub(event.StartedAt) {
		t.Errorf("event duration = %v, want FinishedAt-StartedAt", event.Duration)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	s, sink := newTestService(t)

	var calls atomic.Int32
	_, err := s.StartWorker(QueueRefresh, ProcessorFunc(func(context.Context, *Job) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}), 1)
	if err != nil {
		t.Fatalf("StartWorker() error = %v", err)
	}

	job, _ := s.AddJob(context.Background(), TypeRefresh, nil, fastRetry)
	waitFor(t, "completion", func() bool { return sink.count(EventCompleted) == 1 })

	if sink.count(EventRetrying) != 2 {
		t.Errorf("retrying events = %d, want 2", sink.count(EventRetrying))
	}
	got, _ := s.GetJob(QueueRefresh, job.ID)
	if got.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", got.Attempts)
	}
}

func TestJobExhausted(t *testing.T) {
	s, sink := newTestService(t)
	cause := errors.New("always broken")

	var calls atomic.Int32
	_, _ = s.StartWorker(QueueIngest, ProcessorFunc(func(context.Context, *Job) error {
		calls.Add(1)
		return cause
	}), 1)

	job, _ := s.AddJob(context.Background(), TypeIngest, nil, fastRetry)
	waitFor(t, "failure", func() bool { return sink.count(EventFailed) == 1 })

	if calls.Load() != 3 {
		t.Errorf("processor calls = %d, want 3", calls.Load())
	}

	event, _ := sink.last(EventFailed)
	if !errors.Is(event.Error, ErrJobExhausted) || !errors.Is(event.Error, cause) {
		t.Errorf("failed event error = %v, want ErrJobExhausted wrapping cause", event.Error)
	}
	if event.Attempts != 3 || event.Message == "" {
		t.Errorf("failed event = %+v", event)
	}

	got, _ := s.GetJob(QueueIngest, job.ID)
	if got.State != StateFailed || got.FailedReason != cause.Error() {
		t.Errorf("job = %+v, want failed with reason", got)
	}
	stats, _ := s.QueueStats(QueueIngest)
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
}

func TestUnrecoverableAndPanic(t *testing.T) {
	tests := []struct {
		name string
		fn   ProcessorFunc
	}{
		{
			name: "unrecoverable",
			fn: func(context.Context, *Job) error {
				return Unrecoverable(errors.New("malformed"))
			},
		},
		{
			name: "panic",
			fn: func(context.Context, *Job) error {
				panic("boom")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, sink := newTestService(t)
			var calls atomic.Int32
			_, _ = s.StartWorker(QueueEmail, ProcessorFunc(func(ctx context.Context, j *Job) error {
				calls.Add(1)
				return tt.fn(ctx, j)
			}), 1)

			opts := &Options{Attempts: 1, Backoff: Backoff{Kind: retry.Fixed, Delay: time.Millisecond}}
			if tt.name == "unrecoverable" {
				opts.Attempts = 5
			}
			_, _ = s.AddJob(context.Background(), TypeEmail, nil, opts)

			waitFor(t, "failure", func() bool { return sink.count(EventFailed) == 1 })
			if calls.Load() != 1 {
				t.Errorf("processor calls = %d, want 1", calls.Load())
			}
		})
	}
}

func TestCompletedRetentionCount(t *testing.T) {
	s, sink := newTestService(t, WithRetention(Retention{Count: 3, Age: time.Hour}, DefaultFailedRetention))
	_, _ = s.StartWorker(QueueCleanup, ProcessorFunc(func(context.Context, *Job) error { return nil }), 1)

	var ids []string
	for range 5 {
		job, err := s.AddJob(context.Background(), TypeCleanup, nil, nil)
		if err != nil {
			t.Fatalf("AddJob() error = %v", err)
		}
		ids = append(ids, job.ID)
		n := len(ids)
		waitFor(t, "completion", func() bool { return sink.count(EventCompleted) == n })
	}

	stats, _ := s.QueueStats(QueueCleanup)
	if stats.Completed != 3 {
		t.Errorf("Completed = %d, want 3", stats.Completed)
	}

	for i, id := range ids {
		_, err := s.GetJob(QueueCleanup, id)
		if i < 2 && !errors.Is(err, ErrJobNotFound) {
			t.Errorf("job %d should have been pruned, err = %v", i, err)
		}
		if i >= 2 && err != nil {
			t.Errorf("job %d should be retained, err = %v", i, err)
		}
	}
}

func TestCompletedRetentionAge(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, sink := newTestService(t, WithClock(clock.Now))
	_, _ = s.StartWorker(QueueCleanup, ProcessorFunc(func(context.Context, *Job) error { return nil }), 1)

	first, _ := s.AddJob(context.Background(), TypeCleanup, nil, nil)
	waitFor(t, "first completion", func() bool { return sink.count(EventCompleted) == 1 })

	clock.Advance(25 * time.Hour)
	_, _ = s.AddJob(context.Background(), TypeCleanup, nil, nil)
	waitFor(t, "second completion", func() bool { return sink.count(EventCompleted) == 2 })

	if _, err := s.GetJob(QueueCleanup, first.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("job older than 24h should be pruned, err = %v", err)
	}
	stats, _ := s.QueueStats(QueueCleanup)
	if stats.Completed != 1 {
		t.Errorf("Completed = %d, want 1", stats.Completed)
	}
}

func TestCleanQueue(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, sink := newTestService(t, WithClock(clock.Now))
	_, _ = s.StartWorker(QueueRefresh, ProcessorFunc(func(_ context.Context, j *Job) error {
		var p struct{ Fail bool }
		_ = j.Decode(&p)
		if p.Fail {
			return Unrecoverable(errors.New("nope"))
		}
		return nil
	}), 1)

	_, _ = s.AddJob(context.Background(), TypeRefresh, map[string]bool{"Fail": false}, nil)
	_, _ = s.AddJob(context.Background(), TypeRefresh, map[string]bool{"Fail": false}, nil)
	_, _ = s.AddJob(context.Background(), TypeRefresh, map[string]bool{"Fail": true}, nil)
	waitFor(t, "jobs to finish", func() bool {
		return sink.count(EventCompleted) == 2 && sink.count(EventFailed) == 1
	})

	clock.Advance(2 * time.Hour)

	removed, err := s.CleanQueue(QueueRefresh, time.Hour)
	if err != nil {
		t.Fatalf("CleanQueue() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("CleanQueue() removed %d, want 2 completed", removed)
	}

	clock.Advance(6 * time.Hour)
	removed, _ = s.CleanQueue(QueueRefresh, time.Hour)
	if removed != 1 {
		t.Errorf("CleanQueue() removed %d, want 1 failed", removed)
	}

	stats, _ := s.QueueStats(QueueRefresh)
	if stats.Total != 0 {
		t.Errorf("stats after clean = %+v, want empty", stats)
	}
}

func TestPauseResume(t *testing.T) {
	s, sink := newTestService(t)

	if err := s.PauseQueue(QueueEmail); err != nil {
		t.Fatalf("PauseQueue() error = %v", err)
	}
	_, _ = s.StartWorker(QueueEmail, ProcessorFunc(func(context.Context, *Job) error { return nil }), 2)
	_, _ = s.AddJob(context.Background(), TypeEmail, nil, nil)
	_, _ = s.AddJob(context.Background(), TypeEmail, nil, nil)

	time.Sleep(50 * time.Millisecond)
	stats, _ := s.QueueStats(QueueEmail)
	if !stats.Paused || stats.Waiting != 2 {
		t.Errorf("paused stats = %+v, want 2 waiting", stats)
	}

	if err := s.ResumeQueue(QueueEmail); err != nil {
		t.Fatalf("ResumeQueue() error = %v", err)
	}
	waitFor(t, "jobs after resume", func() bool { return sink.count(EventCompleted) == 2 })
}

func TestDelayedJob(t *testing.T) {
	s, sink := newTestService(t)
	_, _ = s.StartWorker(QueueIngest, ProcessorFunc(func(context.Context, *Job) error { return nil }), 1)

	_, _ = s.AddJob(context.Background(), TypeIngest, nil, &Options{Delay: 100 * time.Millisecond})

	stats, _ := s.QueueStats(QueueIngest)
	if stats.Delayed != 1 {
		t.Errorf("Delayed = %d, want 1", stats.Delayed)
	}
	waitFor(t, "delayed job", func() bool { return sink.count(EventCompleted) == 1 })
}

func TestConcurrencyLimit(t *testing.T) {
	s, sink := newTestService(t)

	var running, peak atomic.Int32
	release := make(chan struct{})
	_, _ = s.StartWorker(QueueSummarize, ProcessorFunc(func(context.Context, *Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}), 3)

	for range 6 {
		_, _ = s.AddJob(context.Background(), TypeSummarize, nil, nil)
	}

	waitFor(t, "three active jobs", func() bool {
		stats, _ := s.QueueStats(QueueSummarize)
		return stats.Active == 3
	})
	close(release)
	waitFor(t, "all jobs", func() bool { return sink.count(EventCompleted) == 6 })

	if peak.Load() != 3 {
		t.Errorf("peak concurrency = %d, want 3", peak.Load())
	}
}

func TestCloseDrainsInFlight(t *testing.T) {
	s := NewService()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	_, _ = s.StartWorker(QueueIngest, ProcessorFunc(func(context.Context, *Job) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	}), 1)
	_, _ = s.AddJob(context.Background(), TypeIngest, nil, nil)
	<-started

	closed := make(chan error, 1)
	go func() { closed <- s.Close(context.Background()) }()

	waitFor(t, "service to refuse jobs", func() bool {
		_, err := s.AddJob(context.Background(), TypeIngest, nil, nil)
		return errors.Is(err, ErrClosed)
	})

	select {
	case <-closed:
		t.Fatal("Close() returned before the in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-closed; err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if !finished.Load() {
		t.Error("in-flight job did not finish")
	}
	if _, err := s.StartWorker(QueueIngest, ProcessorFunc(func(context.Context, *Job) error { return nil }), 1); !errors.Is(err, ErrClosed) {
		t.Errorf("StartWorker() after Close error = %v, want ErrClosed", err)
	}
}

func TestCloseTimeoutCancelsJobs(t *testing.T) {
	s := NewService()

	started := make(chan struct{})
	cancelled := make(chan struct{})
	_, _ = s.StartWorker(QueueIngest, ProcessorFunc(func(ctx context.Context, _ *Job) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}), 1)
	_, _ = s.AddJob(context.Background(), TypeIngest, nil, nil)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := s.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close() error = %v, want DeadlineExceeded", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("in-flight job was not cancelled")
	}
}

func TestAllQueueStats(t *testing.T) {
	s, _ := newTestService(t)
	_, _ = s.AddJob(context.Background(), TypeEmail, nil, nil)

	all := s.AllQueueStats()
	if len(all) != len(Queues()) {
		t.Fatalf("AllQueueStats() has %d queues, want %d", len(all), len(Queues()))
	}
	if all[QueueEmail].Waiting != 1 {
		t.Errorf("email-send waiting = %d, want 1", all[QueueEmail].Waiting)
	}
}
