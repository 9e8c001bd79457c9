package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lepinkainen/feed-digest/internal/jobs"
	"github.com/lepinkainen/feed-digest/internal/summarizer"
)

func testJob(t *testing.T, typ jobs.Type, payload any) *jobs.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return &jobs.Job{ID: "job-1", Type: typ, Queue: typ.Queue(), Payload: data}
}

func TestProcessorsCoverEveryType(t *testing.T) {
	env := newTestEnv(t)
	processors := env.pipeline.Processors()
	for _, typ := range jobs.Types() {
		if processors[typ] == nil {
			t.Errorf("Processors() missing %s", typ)
		}
	}
}

func TestProcessIngest(t *testing.T) {
	env := newTestEnv(t)
	process := env.pipeline.Processors()[jobs.TypeIngest]

	tests := []struct {
		name          string
		payload       any
		wantErr       bool
		unrecoverable bool
	}{
		{name: "new feed", payload: IngestPayload{URL: env.url("/feed.xml")}},
		{name: "known feed", payload: IngestPayload{URL: env.url("/feed.xml")}},
		{name: "invalid url", payload: IngestPayload{URL: "not a url"}, wantErr: true, unrecoverable: true},
		{name: "malformed feed", payload: IngestPayload{URL: env.url("/broken.xml")}, wantErr: true, unrecoverable: true},
		{name: "fetch failure", payload: IngestPayload{URL: env.url("/missing.xml")}, wantErr: true},
		{name: "bad payload", payload: []int{1}, wantErr: true, unrecoverable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := process.Process(context.Background(), testJob(t, jobs.TypeIngest, tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Process() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := jobs.IsUnrecoverable(err); got != tt.unrecoverable {
				t.Errorf("IsUnrecoverable() = %v, want %v", got, tt.unrecoverable)
			}
		})
	}
}

func TestProcessSummarizeMissingArticle(t *testing.T) {
	env := newTestEnv(t)
	process := env.pipeline.Processors()[jobs.TypeSummarize]

	err := process.Process(context.Background(), testJob(t, jobs.TypeSummarize, SummarizePayload{ArticleID: "missing"}))
	if !jobs.IsUnrecoverable(err) {
		t.Errorf("Process() error = %v, want unrecoverable", err)
	}
}

func TestProcessSummarizeRateLimitedRetries(t *testing.T) {
	env := newTestEnv(t)
	articleID := ingestFirstArticle(t, env)
	env.summary.err = &summarizer.RateLimitedError{RetryAfter: time.Minute}

	process := env.pipeline.Processors()[jobs.TypeSummarize]
	err := process.Process(context.Background(), testJob(t, jobs.TypeSummarize, SummarizePayload{ArticleID: articleID}))
	if !errors.Is(err, summarizer.ErrRateLimited) {
		t.Fatalf("Process() error = %v, want %v", err, summarizer.ErrRateLimited)
	}
	if jobs.IsUnrecoverable(err) {
		t.Error("rate limited summary should be retried")
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []EmailPayload
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg EmailPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func TestProcessEmail(t *testing.T) {
	env := newTestEnv(t)
	notifier := &recordingNotifier{}
	env.pipeline.notifier = notifier
	process := env.pipeline.Processors()[jobs.TypeEmail]

	msg := EmailPayload{To: "reader@example.com", Subject: "Digest", Body: "Hello"}
	if err := process.Process(context.Background(), testJob(t, jobs.TypeEmail, msg)); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(notifier.sent) != 1 || notifier.sent[0] != msg {
		t.Errorf("sent = %+v, want %+v", notifier.sent, msg)
	}

	err := process.Process(context.Background(), testJob(t, jobs.TypeEmail, EmailPayload{Subject: "x"}))
	if !jobs.IsUnrecoverable(err) {
		t.Errorf("Process(no recipient) error = %v, want unrecoverable", err)
	}

	notifier.err = errors.New("smtp down")
	err = process.Process(context.Background(), testJob(t, jobs.TypeEmail, msg))
	if err == nil || jobs.IsUnrecoverable(err) {
		t.Errorf("Process(delivery failure) error = %v, want retryable error", err)
	}
}

type fakeJSONPublisher struct {
	subject string
	value   any
}

func (p *fakeJSONPublisher) PublishJSON(subject string, v any) error {
	p.subject = subject
	p.value = v
	return nil
}

func TestNATSNotifier(t *testing.T) {
	pub := &fakeJSONPublisher{}
	n := NewNATSNotifier(pub, "")

	msg := EmailPayload{To: "reader@example.com", Subject: "Digest"}
	if err := n.Notify(context.Background(), msg); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if pub.subject != DefaultEmailSubject {
		t.Errorf("subject = %q, want %q", pub.subject, DefaultEmailSubject)
	}
	if pub.value != msg {
		t.Errorf("value = %+v, want %+v", pub.value, msg)
	}
}

func TestRegisterRunsJobsThroughService(t *testing.T) {
	env := newTestEnv(t)
	service := jobs.NewService()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = service.Close(ctx)
	})
	env.pipeline.queue = service

	workers, err := env.pipeline.Register(service, map[jobs.Type]int{jobs.TypeSummarize: 2})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if len(workers) != len(jobs.Types()) {
		t.Fatalf("Register() workers = %d, want %d", len(workers), len(jobs.Types()))
	}

	ctx := context.Background()
	job, err := service.AddJob(ctx, jobs.TypeIngest, IngestPayload{URL: env.url("/feed.xml")}, nil)
	if err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		stats, err := env.repo.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats() error = %v", err)
		}
		got, err := service.GetJob(jobs.TypeIngest.Queue(), job.ID)
		if err != nil {
			t.Fatalf("GetJob() error = %v", err)
		}
		if stats.Summaries == 2 && got.State == jobs.StateCompleted {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for pipeline, stats = %+v, ingest state = %s", stats, got.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
