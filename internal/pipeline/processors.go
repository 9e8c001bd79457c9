package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lepinkainen/feed-digest/internal/fetcher"
	"github.com/lepinkainen/feed-digest/internal/jobs"
	"github.com/lepinkainen/feed-digest/internal/store"
)

// IngestPayload is the payload of an INGEST job
type IngestPayload struct {
	URL    string `json:"url"`
	UserID string `json:"userId,omitempty"`
}

// RefreshPayload is the payload of a REFRESH job. An empty FeedID
// refreshes every feed.
type RefreshPayload struct {
	FeedID string `json:"feedId,omitempty"`
}

// SummarizePayload is the payload of a SUMMARIZE job
type SummarizePayload struct {
	ArticleID string `json:"articleId"`
	Force     bool   `json:"force,omitempty"`
}

// EmailPayload is the payload of an EMAIL job
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// WorkerStarter starts workers on a named queue
type WorkerStarter interface {
	StartWorker(queue jobs.QueueName, processor jobs.Processor, concurrency int) (*jobs.Worker, error)
}

// Processors returns the processor for every job type
func (p *Pipeline) Processors() map[jobs.Type]jobs.Processor {
	return map[jobs.Type]jobs.Processor{
		jobs.TypeIngest:    jobs.ProcessorFunc(p.processIngest),
		jobs.TypeRefresh:   jobs.ProcessorFunc(p.processRefresh),
		jobs.TypeSummarize: jobs.ProcessorFunc(p.processSummarize),
		jobs.TypeCleanup:   jobs.ProcessorFunc(p.processCleanup),
		jobs.TypeEmail:     jobs.ProcessorFunc(p.processEmail),
	}
}

// Register starts one worker per job type. concurrency overrides the
// default of 1 per type.
func (p *Pipeline) Register(starter WorkerStarter, concurrency map[jobs.Type]int) ([]*jobs.Worker, error) {
	var workers []*jobs.Worker
	for _, t := range jobs.Types() {
		n := concurrency[t]
		if n <= 0 {
			n = 1
		}
		w, err := starter.StartWorker(t.Queue(), p.Processors()[t], n)
		if err != nil {
			for _, started := range workers {
				started.Stop()
			}
			return nil, fmt.Errorf("failed to start %s worker: %w", t, err)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func decode(job *jobs.Job, v any) error {
	if err := job.Decode(v); err != nil {
		return jobs.Unrecoverable(fmt.Errorf("invalid %s payload: %w", job.Type, err))
	}
	return nil
}

func (p *Pipeline) processIngest(ctx context.Context, job *jobs.Job) error {
	var payload IngestPayload
	if err := decode(job, &payload); err != nil {
		return err
	}

	_, err := p.IngestFeed(ctx, payload.URL, payload.UserID)
	switch {
	case err == nil, errors.Is(err, ErrFeedExists):
		return nil
	case errors.Is(err, fetcher.ErrInvalidURL), errors.Is(err, fetcher.ErrMalformedFeed):
		return jobs.Unrecoverable(err)
	default:
		return err
	}
}

func (p *Pipeline) processRefresh(ctx context.Context, job *jobs.Job) error {
	var payload RefreshPayload
	if err := decode(job, &payload); err != nil {
		return err
	}

	_, err := p.RefreshFeeds(ctx, payload.FeedID)
	if errors.Is(err, store.ErrNotFound) {
		return jobs.Unrecoverable(err)
	}
	return err
}

func (p *Pipeline) processSummarize(ctx context.Context, job *jobs.Job) error {
	var payload SummarizePayload
	if err := decode(job, &payload); err != nil {
		return err
	}

	_, _, err := p.SummarizeArticle(ctx, payload.ArticleID, payload.Force)
	if errors.Is(err, store.ErrNotFound) {
		return jobs.Unrecoverable(err)
	}
	return err
}

func (p *Pipeline) processCleanup(ctx context.Context, _ *jobs.Job) error {
	_, err := p.Cleanup(ctx)
	return err
}

func (p *Pipeline) processEmail(ctx context.Context, job *jobs.Job) error {
	var payload EmailPayload
	if err := decode(job, &payload); err != nil {
		return err
	}
	if payload.To == "" {
		return jobs.Unrecoverable(errors.New("email job without recipient"))
	}

	if err := p.notifier.Notify(ctx, payload); err != nil {
		slog.Warn("Email delivery failed", "to", payload.To, "error", err)
		return err
	}
	return nil
}
