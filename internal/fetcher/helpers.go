package fetcher

import (
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/lepinkainen/feed-digest/pkg/sanitize"
)

// wordsPerMinute is the reading speed used by ReadingTime
const wordsPerMinute = 200

// ValidateURL accepts only absolute http and https URLs
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// ReadingTime estimates minutes needed to read the HTML content
func ReadingTime(content string) int {
	words := len(strings.Fields(sanitize.PlainText(content)))
	return int(math.Ceil(float64(words) / wordsPerMinute))
}

// Excerpt returns at most maxLength characters of the plain text of content,
// cut at the last sentence end when that keeps at least half the text, and
// otherwise at a word boundary followed by "...".
func Excerpt(content string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = 200
	}

	text := []rune(sanitize.PlainText(content))
	if len(text) <= maxLength {
		return string(text)
	}

	truncated := text[:maxLength]

	sentenceEnd := -1
	for i := len(truncated) - 1; i >= 0; i-- {
		if r := truncated[i]; r == '.' || r == '?' || r == '!' {
			sentenceEnd = i
			break
		}
	}
	if sentenceEnd >= 0 && (sentenceEnd+1)*2 >= maxLength {
		return string(truncated[:sentenceEnd+1])
	}

	for i := len(truncated) - 1; i > 0; i-- {
		if truncated[i] == ' ' {
			return string(truncated[:i]) + "..."
		}
	}
	return string(truncated) + "..."
}
