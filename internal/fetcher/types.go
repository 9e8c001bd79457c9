package fetcher

import "time"

// Image is the feed-level logo
type Image struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Enclosure is an attached media file
type Enclosure struct {
	URL    string `json:"url"`
	Type   string `json:"type,omitempty"`
	Length int64  `json:"length,omitempty"`
}

// Source names the feed an item was originally published in
type Source struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// FeedMeta is the channel-level metadata of a feed
type FeedMeta struct {
	URL           string     `json:"url"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Link          string     `json:"link,omitempty"`
	Language      string     `json:"language,omitempty"`
	Copyright     string     `json:"copyright,omitempty"`
	PubDate       *time.Time `json:"pubDate,omitempty"`
	LastBuildDate *time.Time `json:"lastBuildDate,omitempty"`
	Categories    []string   `json:"categories,omitempty"`
	Generator     string     `json:"generator,omitempty"`
	TTL           int        `json:"ttl,omitempty"` // minutes
	Image         *Image     `json:"image,omitempty"`
}

// FeedItem is one entry of a feed. GUID is never empty.
type FeedItem struct {
	GUID        string     `json:"guid"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Content     string     `json:"content,omitempty"`
	Link        string     `json:"link"`
	Author      string     `json:"author,omitempty"`
	Categories  []string   `json:"categories,omitempty"`
	Comments    string     `json:"comments,omitempty"`
	Enclosure   *Enclosure `json:"enclosure,omitempty"`
	PubDate     *time.Time `json:"pubDate,omitempty"`
	Source      *Source    `json:"source,omitempty"`
}

// Body returns the richest HTML available for the item
func (i FeedItem) Body() string {
	if i.Content != "" {
		return i.Content
	}
	return i.Description
}

// ParsedFeed is the result of fetching and parsing one feed
type ParsedFeed struct {
	Meta  FeedMeta   `json:"meta"`
	Items []FeedItem `json:"items"`
}
