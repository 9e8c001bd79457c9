// Package scheduler enqueues jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lepinkainen/feed-digest/internal/jobs"
)

const (
	// DefaultRefreshSpec refreshes every feed every 30 minutes
	DefaultRefreshSpec = "*/30 * * * *"
	// DefaultCleanupSpec cleans caches and queues daily at 02:00
	DefaultCleanupSpec = "0 2 * * *"
	// DefaultTimezone is the zone schedules are evaluated in
	DefaultTimezone = "UTC"
)

// Enqueuer adds jobs to a queue
type Enqueuer interface {
	AddJob(ctx context.Context, t jobs.Type, payload any, opts *jobs.Options) (*jobs.Job, error)
}

// Config holds the schedules of the built-in triggers
type Config struct {
	RefreshSpec string
	CleanupSpec string
	Timezone    string
}

// DefaultConfig returns the default schedules
func DefaultConfig() Config {
	return Config{
		RefreshSpec: DefaultRefreshSpec,
		CleanupSpec: DefaultCleanupSpec,
		Timezone:    DefaultTimezone,
	}
}

// Scheduler runs named triggers that each enqueue one job type
type Scheduler struct {
	cron     *cron.Cron
	enqueuer Enqueuer

	mu       sync.Mutex
	triggers map[string]*Trigger
}

// Trigger is one registered schedule
type Trigger struct {
	name      string
	spec      string
	jobType   jobs.Type
	payload   any
	id        cron.EntryID
	scheduler *Scheduler
}

// New creates a scheduler evaluating schedules in timezone
func New(enqueuer Enqueuer, timezone string) (*Scheduler, error) {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler timezone %q: %w", timezone, err)
	}

	logger := slogLogger{logger: slog.Default().With("component", "scheduler")}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(location),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		enqueuer: enqueuer,
		triggers: make(map[string]*Trigger),
	}, nil
}

// Register adds a trigger that enqueues a jobType job with payload on every
// fire of spec. Registering an existing name replaces the old trigger.
func (s *Scheduler) Register(name, spec string, jobType jobs.Type, payload any) (*Trigger, error) {
	t := &Trigger{
		name:      name,
		spec:      spec,
		jobType:   jobType,
		payload:   payload,
		scheduler: s,
	}

	id, err := s.cron.AddFunc(spec, t.fire)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	t.id = id

	s.mu.Lock()
	old := s.triggers[name]
	s.triggers[name] = t
	s.mu.Unlock()

	if old != nil {
		s.cron.Remove(old.id)
	}

	slog.Info("Registered scheduled job", "name", name, "schedule", spec, "type", jobType)
	return t, nil
}

// RegisterDefaults registers the feed refresh and cleanup triggers
func (s *Scheduler) RegisterDefaults(cfg Config) (refresh, cleanup *Trigger, err error) {
	if cfg.RefreshSpec == "" {
		cfg.RefreshSpec = DefaultRefreshSpec
	}
	if cfg.CleanupSpec == "" {
		cfg.CleanupSpec = DefaultCleanupSpec
	}

	refresh, err = s.Register("feed-refresh", cfg.RefreshSpec, jobs.TypeRefresh, nil)
	if err != nil {
		return nil, nil, err
	}
	cleanup, err = s.Register("cache-cleanup", cfg.CleanupSpec, jobs.TypeCleanup, nil)
	if err != nil {
		refresh.Stop()
		return nil, nil, err
	}
	return refresh, cleanup, nil
}

// Trigger returns a registered trigger by name
func (s *Scheduler) Trigger(name string) (*Trigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[name]
	return t, ok
}

// Start begins evaluating schedules in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("Scheduler started", "triggers", len(s.cron.Entries()))
}

// Stop stops all triggers and waits for running fires to return or ctx to end
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("Scheduler stop interrupted", "error", ctx.Err())
	}
	slog.Info("Scheduler stopped")
}

// Name returns the trigger name
func (t *Trigger) Name() string { return t.name }

// Spec returns the cron expression
func (t *Trigger) Spec() string { return t.spec }

// Next returns the next fire time, zero if stopped or not started
func (t *Trigger) Next() time.Time {
	return t.scheduler.cron.Entry(t.id).Next
}

// Stop removes the trigger. Other triggers keep firing.
func (t *Trigger) Stop() {
	s := t.scheduler
	s.mu.Lock()
	if s.triggers[t.name] == t {
		delete(s.triggers, t.name)
	}
	s.mu.Unlock()

	s.cron.Remove(t.id)
	slog.Info("Stopped scheduled job", "name", t.name)
}

// fire enqueues one job. Errors and panics are logged and never stop the schedule.
func (t *Trigger) fire() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Scheduled job panicked", "name", t.name, "panic", r)
		}
	}()

	slog.Info("Running scheduled job", "name", t.name, "type", t.jobType)
	job, err := t.scheduler.enqueuer.AddJob(context.Background(), t.jobType, t.payload, nil)
	if err != nil {
		slog.Error("Scheduled job failed to enqueue", "name", t.name, "type", t.jobType, "error", err)
		return
	}
	slog.Debug("Scheduled job enqueued", "name", t.name, "jobId", job.ID)
}

// slogLogger adapts slog to cron.Logger
type slogLogger struct {
	logger *slog.Logger
}

func (l slogLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l slogLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
