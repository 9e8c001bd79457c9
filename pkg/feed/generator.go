package feed

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gorilla/feeds"

	"github.com/lepinkainen/feed-digest/pkg/filesystem"
)

// ErrEmptyFeed is returned by ValidateFeed for a feed without items
var ErrEmptyFeed = errors.New("feed has no items")

// describe renders the summary and key points as the HTML item body
func describe(item Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<p>%s</p>", EscapeXML(item.Summary))
	if len(item.KeyPoints) > 0 {
		b.WriteString("<ul>")
		for _, point := range item.KeyPoints {
			fmt.Fprintf(&b, "<li>%s</li>", EscapeXML(point))
		}
		b.WriteString("</ul>")
	}
	if item.Source != "" {
		fmt.Fprintf(&b, "<p><small>via %s</small></p>", EscapeXML(item.Source))
	}
	return b.String()
}

// Generate creates a feed from the provided items
func (g *Generator) Generate(items []Item) *feeds.Feed {
	now := g.now()
	feed := &feeds.Feed{
		Title:       g.Title,
		Link:        &feeds.Link{Href: g.Link},
		Description: g.Description,
		Author:      &feeds.Author{Name: g.Author},
		Created:     now,
		Updated:     now,
	}

	for _, item := range items {
		feedItem := &feeds.Item{
			Title:       item.Title,
			Link:        &feeds.Link{Href: item.Link},
			Description: describe(item),
			Created:     item.Created,
			Id:          item.ID,
		}
		if item.Author != "" {
			feedItem.Author = &feeds.Author{Name: item.Author}
		}
		feed.Items = append(feed.Items, feedItem)
	}

	slog.Debug("Generated digest feed", "items", len(feed.Items))
	return feed
}

// Write renders items as feedType to w. Atom output carries item categories.
func (g *Generator) Write(w io.Writer, items []Item, feedType FeedType) error {
	var err error
	switch feedType {
	case RSS:
		err = g.Generate(items).WriteRss(w)
	case JSON:
		err = g.Generate(items).WriteJSON(w)
	case Atom:
		var out string
		if out, err = g.GenerateAtom(items); err == nil {
			_, err = io.WriteString(w, out)
		}
	default:
		return fmt.Errorf("unsupported feed type: %s", feedType)
	}

	if err != nil {
		return fmt.Errorf("failed to write %s feed: %w", feedType, err)
	}
	return nil
}

// SaveToFile writes items as feedType to outputPath
func (g *Generator) SaveToFile(items []Item, feedType FeedType, outputPath string) error {
	if err := filesystem.EnsureDirectoryExists(outputPath); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	if err := g.Write(file, items, feedType); err != nil {
		return err
	}

	slog.Info("Feed saved successfully", "type", feedType, "path", outputPath, "items", len(items))
	return nil
}

// ValidateFeed validates the generated feed structure
func (g *Generator) ValidateFeed(feed *feeds.Feed) error {
	if feed == nil {
		return fmt.Errorf("feed is nil")
	}

	if feed.Title == "" {
		return fmt.Errorf("feed title is empty")
	}

	if feed.Link == nil || feed.Link.Href == "" {
		return fmt.Errorf("feed link is empty")
	}

	if len(feed.Items) == 0 {
		return ErrEmptyFeed
	}

	for i, item := range feed.Items {
		if err := validateFeedItem(item); err != nil {
			return fmt.Errorf("item %d validation failed: %w", i, err)
		}
	}

	return nil
}

func validateFeedItem(item *feeds.Item) error {
	if item.Title == "" {
		return fmt.Errorf("item title is empty")
	}

	if item.Link == nil || item.Link.Href == "" {
		return fmt.Errorf("item link is empty")
	}

	if item.Id == "" {
		return fmt.Errorf("item ID is empty")
	}

	return nil
}

// GetMetadata returns metadata about the generated feed
func (g *Generator) GetMetadata(feed *feeds.Feed) *Metadata {
	if feed == nil {
		return nil
	}

	metadata := &Metadata{
		Title:       feed.Title,
		Description: feed.Description,
		ItemCount:   len(feed.Items),
		Created:     feed.Created,
		Updated:     feed.Updated,
	}

	if len(feed.Items) > 0 {
		oldest := feed.Items[0].Created
		newest := feed.Items[0].Created

		for _, item := range feed.Items {
			if item.Created.Before(oldest) {
				oldest = item.Created
			}
			if item.Created.After(newest) {
				newest = item.Created
			}
		}

		metadata.OldestItem = oldest
		metadata.NewestItem = newest
	}

	return metadata
}
