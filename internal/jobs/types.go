// Package jobs is an in-process job queue with named queues, retries with
// backoff and bounded retention of finished jobs.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lepinkainen/feed-digest/pkg/retry"
)

var (
	// ErrClosed is returned once the service has started closing
	ErrClosed = errors.New("job service closed")
	// ErrUnknownQueue is returned for queue names without a job type
	ErrUnknownQueue = errors.New("queue not found")
	// ErrUnknownType is returned for job types outside the enum
	ErrUnknownType = errors.New("unknown job type")
	// ErrJobNotFound is returned by GetJob for missing or pruned jobs
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExhausted marks a job that failed for the last time
	ErrJobExhausted = errors.New("job attempts exhausted")
)

// Type is the kind of work a job carries
type Type int

const (
	TypeIngest Type = iota
	TypeSummarize
	TypeCleanup
	TypeRefresh
	TypeEmail

	numTypes
)

// QueueName names one queue. Every Type has exactly one queue.
type QueueName string

const (
	QueueIngest    QueueName = "feed-ingest"
	QueueSummarize QueueName = "article-summarize"
	QueueCleanup   QueueName = "cache-cleanup"
	QueueRefresh   QueueName = "feed-refresh"
	QueueEmail     QueueName = "email-send"
)

var typeNames = [...]string{
	TypeIngest:    "INGEST",
	TypeSummarize: "SUMMARIZE",
	TypeCleanup:   "CLEANUP",
	TypeRefresh:   "REFRESH",
	TypeEmail:     "EMAIL",
}

var queueNames = [...]QueueName{
	TypeIngest:    QueueIngest,
	TypeSummarize: QueueSummarize,
	TypeCleanup:   QueueCleanup,
	TypeRefresh:   QueueRefresh,
	TypeEmail:     QueueEmail,
}

// Adding a Type without a name and a queue does not compile
var (
	_ [numTypes]string    = typeNames
	_ [numTypes]QueueName = queueNames
)

// Types returns every job type in declaration order
func Types() []Type {
	types := make([]Type, 0, numTypes)
	for t := range numTypes {
		types = append(types, t)
	}
	return types
}

// Queues returns every queue name in job type order
func Queues() []QueueName {
	return append([]QueueName(nil), queueNames[:]...)
}

func (t Type) valid() bool {
	return t >= 0 && t < numTypes
}

func (t Type) String() string {
	if !t.valid() {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// Queue returns the queue jobs of type t are placed on
func (t Type) Queue() QueueName {
	if !t.valid() {
		return ""
	}
	return queueNames[t]
}

// ParseType parses the name of a job type
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s {
			return Type(t), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// MarshalText encodes the type by name
func (t Type) MarshalText() ([]byte, error) {
	if !t.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a type name
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TypeForQueue returns the job type served by queue
func TypeForQueue(queue QueueName) (Type, error) {
	for t, name := range queueNames {
		if name == queue {
			return Type(t), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
}

// State is the lifecycle state of a job
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Backoff configures the wait before a retry
type Backoff struct {
	Kind  retry.Kind    `json:"kind"`
	Delay time.Duration `json:"delay"`
}

func (b Backoff) policy() retry.Policy {
	return retry.Policy{Kind: b.Kind, Delay: b.Delay}
}

// Options are per-job settings. Zero fields take the defaults.
type Options struct {
	Delay    time.Duration `json:"delay,omitempty"`
	Attempts int           `json:"attempts"`
	Backoff  Backoff       `json:"backoff"`
}

// DefaultOptions returns 3 attempts with exponential backoff from 2s
func DefaultOptions() Options {
	policy := retry.DefaultPolicy()
	return Options{
		Attempts: 3,
		Backoff:  Backoff{Kind: policy.Kind, Delay: policy.Delay},
	}
}

func (o *Options) withDefaults() Options {
	opts := DefaultOptions()
	if o == nil {
		return opts
	}
	if o.Delay > 0 {
		opts.Delay = o.Delay
	}
	if o.Attempts > 0 {
		opts.Attempts = o.Attempts
	}
	if o.Backoff.Kind != "" {
		opts.Backoff.Kind = o.Backoff.Kind
	}
	if o.Backoff.Delay > 0 {
		opts.Backoff.Delay = o.Backoff.Delay
	}
	return opts
}

// Job is a unit of work. Values handed out by the service are copies.
type Job struct {
	ID           string          `json:"id"`
	Type         Type            `json:"type"`
	Queue        QueueName       `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	Options      Options         `json:"options"`
	State        State           `json:"state"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload for job %s: %w", j.Type, j.ID, err)
	}
	return nil
}

func (j *Job) clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.ProcessedAt != nil {
		t := *j.ProcessedAt
		c.ProcessedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Processor handles jobs of one queue
type Processor interface {
	Process(ctx context.Context, job *Job) error
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, job *Job) error

// Process calls f(ctx, job)
func (f ProcessorFunc) Process(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err so the job fails without using its remaining attempts
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was marked with Unrecoverable
func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}

// Stats counts jobs per state for one queue
type Stats struct {
	Waiting   int  `json:"waiting" yaml:"waiting"`
	Active    int  `json:"active" yaml:"active"`
	Completed int  `json:"completed" yaml:"completed"`
	Failed    int  `json:"failed" yaml:"failed"`
	Delayed   int  `json:"delayed" yaml:"delayed"`
	Paused    bool `json:"paused" yaml:"paused"`
	Total     int  `json:"total" yaml:"total"`
}

// Retention bounds how many finished jobs are kept and for how long
type Retention struct {
	Count int
	Age   time.Duration
}

// Default retention of finished jobs
var (
	DefaultCompletedRetention = Retention{Count: 100, Age: 24 * time.Hour}
	DefaultFailedRetention    = Retention{Count: 500, Age: 7 * 24 * time.Hour}
)

// EventKind is a job lifecycle transition
type EventKind string

const (
	EventAdded     EventKind = "added"
	EventActive    EventKind = "active"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventRetrying  EventKind = "retrying"
)

// Event describes one lifecycle transition
type Event struct {
	Kind       EventKind     `json:"kind"`
	JobID      string        `json:"jobId"`
	Queue      QueueName     `json:"queue"`
	Type       Type          `json:"type"`
	Attempts   int           `json:"attempts"`
	StartedAt  time.Time     `json:"startedAt,omitzero"`
	FinishedAt time.Time     `json:"finishedAt,omitzero"`
	Duration   time.Duration `json:"duration"`
	RetryIn    time.Duration `json:"retryIn,omitempty"`
	Error      error         `json:"-"`
	Message    string        `json:"error,omitempty"`
}

// EventSink receives lifecycle events. Calls are synchronous and must not block.
type EventSink interface {
	HandleEvent(ctx context.Context, event Event)
}
