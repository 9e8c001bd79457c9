package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lepinkainen/feed-digest/internal/config"
	"github.com/lepinkainen/feed-digest/internal/events"
	"github.com/lepinkainen/feed-digest/internal/fetcher"
	"github.com/lepinkainen/feed-digest/internal/jobs"
	"github.com/lepinkainen/feed-digest/internal/llm"
	"github.com/lepinkainen/feed-digest/internal/pipeline"
	"github.com/lepinkainen/feed-digest/internal/store"
	"github.com/lepinkainen/feed-digest/internal/summarizer"
	"github.com/lepinkainen/feed-digest/pkg/cache"
	"github.com/lepinkainen/feed-digest/pkg/database"
	"github.com/lepinkainen/feed-digest/pkg/opengraph"
)

// App holds the wired components shared by every command
type App struct {
	Config   *config.Config
	DB       *database.Database
	Cache    cache.Store
	Repo     *store.SQLRepository
	Engine   *summarizer.Engine
	Fetcher  *fetcher.CachedFetcher
	Jobs     *jobs.Service
	Pipeline *pipeline.Pipeline

	nats *nats.Conn
}

// queueStats defers to the job service once it exists, since the service
// takes its event sinks at construction
type queueStats struct {
	service *jobs.Service
}

func (q *queueStats) QueueStats(queue jobs.QueueName) (jobs.Stats, error) {
	if q.service == nil {
		return jobs.Stats{}, jobs.ErrClosed
	}
	return q.service.QueueStats(queue)
}

func fetcherConfig(cfg *config.Config) fetcher.Config {
	return fetcher.Config{
		UserAgent:  cfg.Fetcher.UserAgent,
		Timeout:    cfg.Fetcher.Timeout,
		MaxRetries: cfg.Fetcher.MaxRetries,
		RetryDelay: cfg.Fetcher.RetryDelay,
	}
}

func summarizerConfig(cfg *config.Config) summarizer.Config {
	return summarizer.Config{
		MaxRequests:     cfg.Summarizer.MaxRequests,
		Window:          cfg.Summarizer.Window,
		CacheTTL:        cfg.Summarizer.CacheTTL,
		MaxContentChars: cfg.Summarizer.MaxContentChars,
		MaxTokens:       cfg.LLM.MaxTokens,
		Temperature:     cfg.LLM.Temperature,
		BatchSize:       cfg.Summarizer.BatchSize,
		BatchDelay:      cfg.Summarizer.BatchDelay,
	}
}

// NewApp connects the database, cache and optional NATS server and wires
// the pipeline. Close releases everything NewApp opened.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}
	if err := app.open(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (app *App) open(ctx context.Context) error {
	cfg := app.Config
	var err error

	app.DB, err = database.NewDatabase(database.Config{
		Driver:  cfg.Database.Driver,
		DSN:     cfg.Database.DSN,
		Timeout: cfg.Database.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	app.Repo, err = store.NewSQLRepository(ctx, app.DB)
	if err != nil {
		return err
	}

	cacheStore, err := cache.New(ctx, cache.Config{
		Backend:         cfg.Cache.Backend,
		SweepInterval:   cfg.Cache.SweepInterval,
		MongoURI:        cfg.Cache.MongoURI,
		MongoDatabase:   cfg.Cache.MongoDatabase,
		MongoCollection: cfg.Cache.MongoCollection,
		SQLitePath:      cfg.Cache.SQLitePath,
		DB:              app.DB,
	})
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	app.Cache = cacheStore

	capability, err := llm.New(llm.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		Timeout:  cfg.LLM.Timeout,
	})
	if err != nil {
		return err
	}
	app.Engine = summarizer.New(capability, app.Cache, summarizerConfig(cfg))
	app.Fetcher = fetcher.NewCachedFetcher(fetcher.New(fetcherConfig(cfg)), app.Cache, cfg.Cache.FeedTTL)

	stats := &queueStats{}
	sinks := events.Multi{events.NewMetricsSink(stats)}
	var notifier pipeline.Notifier = pipeline.LogNotifier{}

	if cfg.NATS.URL != "" {
		app.nats, err = events.ConnectNATS(cfg.NATS.URL, "feed-digest")
		if err != nil {
			return err
		}
		publisher := events.NewNATSPublisher(app.nats, cfg.NATS.SubjectPrefix)
		sinks = append(sinks, publisher)
		notifier = pipeline.NewNATSNotifier(publisher, cfg.NATS.EmailSubject)
		slog.Info("Publishing job events to NATS", "url", cfg.NATS.URL)
	}

	var previews pipeline.LinkPreviewer
	if cfg.LinkPreview.Enabled {
		previews = opengraph.NewFetcher(nil, app.Cache, opengraph.Config{
			TTL:         cfg.LinkPreview.TTL,
			FailureTTL:  opengraph.FailureTTL,
			Concurrency: cfg.LinkPreview.Concurrency,
			DomainDelay: time.Second,
		})
	}

	app.Jobs = jobs.NewService(jobs.WithEventSink(sinks))
	stats.service = app.Jobs

	app.Pipeline = pipeline.New(pipeline.Deps{
		Repository: app.Repo,
		Feeds:      app.Fetcher,
		Summarizer: app.Engine,
		Queue:      app.Jobs,
		Cache:      app.Cache,
		Notifier:   notifier,
		Previews:   previews,
	}, pipeline.Config{
		AutoSummarize:    cfg.Summarizer.AutoSummarize,
		ArticleRetention: cfg.Jobs.ArticleRetention,
		CleanGrace:       cfg.Jobs.CleanGrace,
	})

	return nil
}

// Close shuts down the job service, then the cache, NATS and the database
func (app *App) Close(ctx context.Context) error {
	var errs []error
	if app.Jobs != nil {
		errs = append(errs, app.Jobs.Close(ctx))
	}
	if app.Cache != nil {
		errs = append(errs, app.Cache.Close())
	}
	if app.nats != nil {
		errs = append(errs, app.nats.Drain())
	}
	if app.DB != nil {
		errs = append(errs, app.DB.Close())
	}
	return errors.Join(errs...)
}
