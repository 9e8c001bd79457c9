package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lepinkainen/feed-digest/internal/config"
	"github.com/lepinkainen/feed-digest/internal/fetcher"
	"github.com/lepinkainen/feed-digest/internal/jobs"
	"github.com/lepinkainen/feed-digest/internal/pipeline"
	"github.com/lepinkainen/feed-digest/internal/scheduler"
	"github.com/lepinkainen/feed-digest/internal/server"
	"github.com/lepinkainen/feed-digest/internal/store"
	"github.com/lepinkainen/feed-digest/pkg/feed"
	"github.com/lepinkainen/feed-digest/pkg/preview"
	"github.com/lepinkainen/feed-digest/pkg/sanitize"
)

const shutdownTimeout = 30 * time.Second

// runOnce opens the app without queue-driven summarization, runs fn and
// closes the app again
func runOnce(fn func(ctx context.Context, app *App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// one-shot commands have no workers to drain the summarize queue
	cfg.Summarizer.AutoSummarize = false

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}

	runErr := fn(ctx, app)

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, app.Close(closeCtx))
}

// ServeCmd runs the long-lived pipeline
type ServeCmd struct {
	Addr         string   `help:"HTTP listen address, overrides server.addr"`
	NoScheduler  bool     `help:"Do not register the cron triggers"`
	InitialFeeds []string `arg:"" optional:"" help:"Feed URLs to queue for ingestion at startup"`
}

// Run implements the serve command
func (c *ServeCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}

	if _, err := app.Pipeline.Register(app.Jobs, cfg.Concurrency()); err != nil {
		_ = app.Close(context.Background())
		return err
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled && !c.NoScheduler {
		sched, err = scheduler.New(app.Jobs, cfg.Scheduler.Timezone)
		if err != nil {
			_ = app.Close(context.Background())
			return err
		}
		if _, _, err := sched.RegisterDefaults(scheduler.Config{
			RefreshSpec: cfg.Scheduler.RefreshSpec,
			CleanupSpec: cfg.Scheduler.CleanupSpec,
			Timezone:    cfg.Scheduler.Timezone,
		}); err != nil {
			_ = app.Close(context.Background())
			return err
		}
		sched.Start()
	}

	for _, url := range c.InitialFeeds {
		if _, err := app.Jobs.AddJob(ctx, jobs.TypeIngest, pipeline.IngestPayload{URL: url}, nil); err != nil {
			slog.Warn("Failed to queue initial feed", "url", url, "error", err)
		}
	}

	addr := cfg.Server.Addr
	if c.Addr != "" {
		addr = c.Addr
	}
	srv := server.New(app.Jobs, app.Repo, server.WithCORS(cfg.Server.CORSOrigins))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe(addr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case err = <-serveErr:
		if err != nil {
			slog.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// stop producers before draining the queues
	var errs []error
	errs = append(errs, err, srv.Shutdown(shutdownCtx))
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	errs = append(errs, app.Close(shutdownCtx))
	return errors.Join(errs...)
}

// IngestCmd subscribes to feeds
type IngestCmd struct {
	URLs      []string `arg:"" name:"url" help:"Feed URLs to ingest"`
	User      string   `help:"Owner of the subscription"`
	Summarize bool     `help:"Summarize new articles after ingesting"`
	Limit     int      `help:"Maximum articles per feed to summarize" default:"20"`
}

// Run implements the ingest command
func (c *IngestCmd) Run() error {
	return runOnce(func(ctx context.Context, app *App) error {
		failed := 0
		for _, url := range c.URLs {
			result, err := app.Pipeline.IngestFeed(ctx, url, c.User)
			status := pipeline.IngestStatus(err)
			switch {
			case err == nil:
				fmt.Printf("%-14s %s: %d items, %d new\n", status, url, result.ItemsIngested, result.NewItems)
			case errors.Is(err, pipeline.ErrFeedExists):
				fmt.Printf("%-14s %s\n", status, url)
			default:
				failed++
				fmt.Printf("%-14s %s: %v\n", status, url, err)
				continue
			}

			if c.Summarize {
				n, err := app.Pipeline.SummarizePending(ctx, result.FeedID, c.Limit)
				if err != nil {
					return err
				}
				fmt.Printf("%-14s %s: %d summaries\n", "summarized", url, n)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d feeds failed", failed, len(c.URLs))
		}
		return nil
	})
}

// RefreshCmd re-fetches feeds
type RefreshCmd struct {
	FeedID string `help:"Refresh only this feed"`
}

// Run implements the refresh command
func (c *RefreshCmd) Run() error {
	return runOnce(func(ctx context.Context, app *App) error {
		result, err := app.Pipeline.RefreshFeeds(ctx, c.FeedID)
		if result != nil {
			fmt.Printf("feeds: %d, failed: %d, new items: %d\n", result.Feeds, result.Failed, result.NewItems)
		}
		return err
	})
}

// SummarizeCmd summarizes one article
type SummarizeCmd struct {
	ArticleID string `arg:"" help:"Article ID"`
	Force     bool   `help:"Replace an existing summary"`
}

// Run implements the summarize command
func (c *SummarizeCmd) Run() error {
	return runOnce(func(ctx context.Context, app *App) error {
		summary, created, err := app.Pipeline.SummarizeArticle(ctx, c.ArticleID, c.Force)
		if err != nil {
			return err
		}
		if !created {
			fmt.Println("(existing summary)")
		}
		fmt.Printf("%s\n\nSentiment: %s | Model: %s | Cost: $%.6f\n", summary.Content, summary.Sentiment, summary.Model, summary.Cost)
		for _, point := range summary.KeyPoints {
			fmt.Printf("  • %s\n", point)
		}
		return nil
	})
}

// CleanupCmd runs the cleanup job inline
type CleanupCmd struct{}

// Run implements the cleanup command
func (c *CleanupCmd) Run() error {
	return runOnce(func(ctx context.Context, app *App) error {
		result, err := app.Pipeline.Cleanup(ctx)
		if result != nil {
			fmt.Printf("cache entries: %d, jobs: %d, articles: %d\n", result.CacheEntries, result.Jobs, result.Articles)
		}
		return err
	})
}

// StatsCmd prints store statistics
type StatsCmd struct {
	Format string `help:"Output format" enum:"text,json,yaml" default:"text"`
}

// Run implements the stats command
func (c *StatsCmd) Run() error {
	return runOnce(func(ctx context.Context, app *App) error {
		stats, err := app.Repo.Stats(ctx)
		if err != nil {
			return err
		}
		return writeStats(os.Stdout, stats, c.Format)
	})
}

func writeStats(w io.Writer, stats store.Stats, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	case "yaml":
		return yaml.NewEncoder(w).Encode(stats)
	default:
		_, err := fmt.Fprintf(w, "feeds: %d\narticles: %d\nsummaries: %d\n", stats.Feeds, stats.Articles, stats.Summaries)
		return err
	}
}

// ExportCmd writes a digest feed
type ExportCmd struct {
	Outfile string `help:"Output file path, stdout when empty" short:"o"`
	Format  string `help:"Feed format" enum:"rss,atom,json" default:"atom"`
	Limit   int    `help:"Maximum number of summaries" default:"50"`
	Title   string `help:"Digest title" default:"Feed Digest"`
	Link    string `help:"Digest link" default:"http://localhost:8080"`
}

// Run implements the export command
func (c *ExportCmd) Run() error {
	return runOnce(func(ctx context.Context, app *App) error {
		summaries, err := app.Repo.ListRecentSummaries(ctx, c.Limit)
		if err != nil {
			return err
		}

		feedType, _ := feed.ParseFeedType(c.Format)
		g := feed.NewGenerator(c.Title, "Summaries of recently ingested articles", c.Link, serviceName)
		items := digestItems(summaries)

		if c.Outfile == "" {
			return g.Write(os.Stdout, items, feedType)
		}
		return g.SaveToFile(items, feedType, c.Outfile)
	})
}

func digestItems(summaries []store.ArticleSummary) []feed.Item {
	items := make([]feed.Item, 0, len(summaries))
	for _, s := range summaries {
		created := s.Summary.CreatedAt
		if s.Article.PubDate != nil {
			created = *s.Article.PubDate
		}
		items = append(items, feed.Item{
			ID:         s.Article.GUID,
			Title:      s.Article.Title,
			Link:       s.Article.Link,
			Source:     s.Feed.Title,
			Author:     s.Article.Author,
			Summary:    s.Summary.Content,
			KeyPoints:  s.Summary.KeyPoints,
			Sentiment:  s.Summary.Sentiment,
			Categories: s.Summary.Categories,
			Model:      s.Summary.Model,
			Created:    created,
		})
	}
	return items
}

func fetchedItems(parsed *fetcher.ParsedFeed) []feed.Item {
	items := make([]feed.Item, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		var created time.Time
		if item.PubDate != nil {
			created = *item.PubDate
		}
		items = append(items, feed.Item{
			ID:         item.GUID,
			Title:      item.Title,
			Link:       item.Link,
			Source:     parsed.Meta.Title,
			Author:     item.Author,
			Summary:    fetcher.Excerpt(item.Body(), 500),
			Categories: item.Categories,
			Created:    created,
		})
	}
	return items
}

// PreviewCmd browses summaries or a live feed
type PreviewCmd struct {
	URL   string `arg:"" optional:"" help:"Preview this feed instead of stored summaries"`
	Limit int    `help:"Maximum number of items" default:"30"`
	Index int    `help:"Output XML for specific item index (0-based) to stdout" default:"-1"`
}

// Run implements the preview command
func (c *PreviewCmd) Run() error {
	return runOnce(func(ctx context.Context, app *App) error {
		var items []feed.Item
		title := "Recent summaries"

		if c.URL != "" {
			parsed, err := app.Fetcher.Ingest(ctx, c.URL)
			if err != nil {
				return err
			}
			items = fetchedItems(parsed)
			title = sanitize.PlainText(parsed.Meta.Title)
		} else {
			summaries, err := app.Repo.ListRecentSummaries(ctx, c.Limit)
			if err != nil {
				return err
			}
			items = digestItems(summaries)
		}
		if len(items) > c.Limit {
			items = items[:c.Limit]
		}

		g := feed.NewGenerator(title, "", "http://localhost", serviceName)
		if c.Index >= 0 {
			if c.Index >= len(items) {
				return fmt.Errorf("index %d out of range, %d items", c.Index, len(items))
			}
			fmt.Print(preview.FormatXMLItem(items[c.Index], g))
			return nil
		}
		return preview.Run(items, title, g)
	})
}

// InitCmd writes the default configuration
type InitCmd struct {
	Outfile string `help:"Where to write the configuration" short:"o" default:"config.yaml"`
	Force   bool   `help:"Overwrite an existing file"`
}

// Run implements the init-config command
func (c *InitCmd) Run() error {
	if _, err := os.Stat(c.Outfile); err == nil && !c.Force {
		return fmt.Errorf("%s already exists, use --force to overwrite", c.Outfile)
	}
	if err := config.Save(config.Default(), c.Outfile); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", c.Outfile)
	return nil
}
