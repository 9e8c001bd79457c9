// Package feed renders article summaries as RSS, Atom or JSON digest feeds.
package feed

import (
	"html"
	"time"
)

// Generator handles digest feed generation
type Generator struct {
	Title       string
	Description string
	Link        string
	Author      string

	now func() time.Time
}

// NewGenerator creates a new feed generator
func NewGenerator(title, description, link, author string) *Generator {
	return &Generator{
		Title:       title,
		Description: description,
		Link:        link,
		Author:      author,
		now:         time.Now,
	}
}

// Item is one summarized article in the digest
type Item struct {
	ID         string
	Title      string
	Link       string
	Source     string // title of the feed the article came from
	Author     string
	Summary    string
	KeyPoints  []string
	Sentiment  string
	Categories []string
	Model      string
	Created    time.Time
}

// Metadata contains metadata about a generated feed
type Metadata struct {
	Title       string
	Description string
	ItemCount   int
	Created     time.Time
	Updated     time.Time
	OldestItem  time.Time
	NewestItem  time.Time
}

// FeedType represents the type of feed to generate
type FeedType string

const (
	RSS  FeedType = "rss"
	Atom FeedType = "atom"
	JSON FeedType = "json"
)

// ParseFeedType validates a user supplied feed type
func ParseFeedType(s string) (FeedType, bool) {
	switch t := FeedType(s); t {
	case RSS, Atom, JSON:
		return t, true
	default:
		return "", false
	}
}

// EscapeXML escapes XML special characters while avoiding double-encoding of existing HTML entities
func EscapeXML(s string) string {
	// First unescape any existing HTML entities to avoid double-encoding
	s = html.UnescapeString(s)
	return html.EscapeString(s)
}
