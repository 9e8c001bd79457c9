package summarizer

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lepinkainen/feed-digest/pkg/retry"
)

// Article is one entry of a batch
type Article struct {
	ID      string
	Title   string
	Content string
}

// SummarizeBatch summarizes articles in chunks of BatchSize, running each
// chunk concurrently and pausing BatchDelay between chunks. Articles that
// fail hard (rate limited, cancelled) are logged and left out of the map.
func (e *Engine) SummarizeBatch(ctx context.Context, articles []Article) map[string]*Result {
	results := make(map[string]*Result, len(articles))
	var mu sync.Mutex

	for start := 0; start < len(articles); start += e.config.BatchSize {
		end := min(start+e.config.BatchSize, len(articles))

		var g errgroup.Group
		for _, article := range articles[start:end] {
			g.Go(func() error {
				result, err := e.Summarize(ctx, Request{Title: article.Title, Content: article.Content})
				if err != nil {
					slog.Error("Failed to summarize article", "article", article.ID, "error", err)
					return nil
				}
				mu.Lock()
				results[article.ID] = result
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		if end < len(articles) {
			if err := retry.Sleep(ctx, e.config.BatchDelay); err != nil {
				slog.Warn("Batch summarization cancelled", "done", end, "total", len(articles))
				break
			}
		}
	}

	return results
}
