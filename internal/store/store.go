// Package store persists feeds, articles and summaries.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Feed is a subscribed feed
type Feed struct {
	ID          string     `json:"id" yaml:"id"`
	URL         string     `json:"url" yaml:"url"`
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Link        string     `json:"link,omitempty" yaml:"link,omitempty"`
	Language    string     `json:"language,omitempty" yaml:"language,omitempty"`
	ImageURL    string     `json:"imageUrl,omitempty" yaml:"imageUrl,omitempty"`
	UserID      string     `json:"userId,omitempty" yaml:"userId,omitempty"`
	LastFetched *time.Time `json:"lastFetched,omitempty" yaml:"lastFetched,omitempty"`
	FetchCount  int        `json:"fetchCount" yaml:"fetchCount"`
	CreatedAt   time.Time  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt" yaml:"updatedAt"`
}

// Article is one feed item. GUID is unique per feed.
type Article struct {
	ID          string     `json:"id"`
	FeedID      string     `json:"feedId"`
	GUID        string     `json:"guid"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Content     string     `json:"content,omitempty"`
	Link        string     `json:"link"`
	Author      string     `json:"author,omitempty"`
	Categories  []string   `json:"categories,omitempty"`
	PubDate     *time.Time `json:"pubDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Body returns the content, or the description when there is none
func (a *Article) Body() string {
	if a.Content != "" {
		return a.Content
	}
	return a.Description
}

// Summary is the stored summary of one article
type Summary struct {
	ID               string    `json:"id"`
	ArticleID        string    `json:"articleId"`
	Content          string    `json:"content"`
	KeyPoints        []string  `json:"keyPoints"`
	Sentiment        string    `json:"sentiment"`
	Categories       []string  `json:"categories"`
	Confidence       float64   `json:"confidence"`
	Model            string    `json:"model"`
	Tokens           int       `json:"tokens"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	Cost             float64   `json:"cost"`
	CreatedAt        time.Time `json:"createdAt"`
}

// ArticleSummary pairs an article with its summary
type ArticleSummary struct {
	Article Article
	Feed    Feed
	Summary Summary
}

// Stats counts stored records
type Stats struct {
	Feeds     int `json:"feeds" yaml:"feeds"`
	Articles  int `json:"articles" yaml:"articles"`
	Summaries int `json:"summaries" yaml:"summaries"`
}

// Repository is the persistence boundary of the pipeline. Inserts are
// idempotent on the natural keys: feed URL and article GUID.
type Repository interface {
	CreateFeed(ctx context.Context, feed *Feed) error
	GetFeedByURL(ctx context.Context, url string) (*Feed, error)
	GetFeedByID(ctx context.Context, id string) (*Feed, error)
	ListFeeds(ctx context.Context) ([]Feed, error)
	MarkFeedFetched(ctx context.Context, id string, at time.Time) error

	// CreateManyArticles inserts articles into feedID, skipping GUIDs that
	// already exist, and returns the IDs of the inserted rows.
	CreateManyArticles(ctx context.Context, feedID string, articles []Article) ([]string, error)
	GetArticleByID(ctx context.Context, id string) (*Article, error)
	ListArticlesByFeed(ctx context.Context, feedID string, limit int) ([]Article, error)
	DeleteArticlesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	CreateSummary(ctx context.Context, summary *Summary) error
	GetSummaryByArticleID(ctx context.Context, articleID string) (*Summary, error)
	ListRecentSummaries(ctx context.Context, limit int) ([]ArticleSummary, error)

	Stats(ctx context.Context) (Stats, error)
}
