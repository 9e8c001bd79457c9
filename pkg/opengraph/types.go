// Package opengraph extracts link previews from web pages. The pipeline uses
// them as article text when a feed item carries no body.
package opengraph

import "time"

// Data represents OpenGraph metadata extracted from a webpage
type Data struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Image       string    `json:"image"`
	SiteName    string    `json:"site_name"`
	FetchedAt   time.Time `json:"fetched_at"`
	// Failed marks a cached negative result
	Failed bool `json:"failed,omitempty"`
}

// Text returns the description, prefixed with the page title when it adds
// anything
func (d *Data) Text() string {
	if d == nil || d.Description == "" {
		return ""
	}
	if d.Title == "" {
		return d.Description
	}
	return d.Title + "\n\n" + d.Description
}

const (
	// DefaultTTL is how long a successful preview is cached
	DefaultTTL = 24 * time.Hour
	// FailureTTL is how long a failed fetch suppresses new attempts
	FailureTTL = time.Hour
	// DefaultConcurrency bounds simultaneous page fetches
	DefaultConcurrency = 5

	cachePrefix = "opengraph"
	maxBodySize = 1024 * 1024
)
