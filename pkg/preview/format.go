// Package preview provides interactive feed item preview functionality using Bubble Tea TUI.
package preview

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lepinkainen/feed-digest/pkg/feed"
	"github.com/lepinkainen/feed-digest/pkg/sanitize"
)

// wrapText wraps text to the specified width, breaking at word boundaries when possible
func wrapText(text string, width int) string {
	if width <= 0 {
		width = 70
	}

	var result strings.Builder
	var line strings.Builder
	lineLen := 0

	words := strings.Fields(text)
	for i, word := range words {
		wordLen := len(word)

		// If adding this word would exceed width, start a new line
		if lineLen > 0 && lineLen+1+wordLen > width {
			result.WriteString(line.String())
			result.WriteString("\n")
			line.Reset()
			lineLen = 0
		}

		// Add space before word if not at start of line
		if lineLen > 0 {
			line.WriteString(" ")
			lineLen++
		}

		line.WriteString(word)
		lineLen += wordLen

		// Write the last line
		if i == len(words)-1 {
			result.WriteString(line.String())
		}
	}

	return result.String()
}

// FormatCompactListItem formats a single feed item in compact list format
// Example: " 1. [POSITIVE] 2025-10-21T13:33:58+03:00  Post Title"
func FormatCompactListItem(index int, item feed.Item) string {
	title := item.Title
	dateISO := item.Created.Format(time.RFC3339)

	sentiment := item.Sentiment
	if sentiment == "" {
		sentiment = "-"
	}

	const maxTitleLength = 70
	if runes := []rune(title); len(runes) > maxTitleLength {
		title = string(runes[:maxTitleLength-3]) + "..."
	}

	return fmt.Sprintf("%2d. [%-8s] %s  %s", index+1, sentiment, dateISO, title)
}

// FormatDetailedItem formats a single feed item with all metadata
func FormatDetailedItem(item feed.Item) string {
	var b strings.Builder

	b.WriteString("═══════════════════════════════════════════════════════════════════════\n")
	b.WriteString(fmt.Sprintf("Title: %s\n", item.Title))
	b.WriteString(fmt.Sprintf("Link: %s\n", item.Link))

	if item.Source != "" {
		b.WriteString(fmt.Sprintf("Feed: %s\n", item.Source))
	}

	if item.Author != "" {
		b.WriteString(fmt.Sprintf("Author: %s\n", item.Author))
	}

	if !item.Created.IsZero() {
		b.WriteString(fmt.Sprintf("Posted: %s\n", formatTimeAgo(item.Created)))
	}

	if item.Sentiment != "" || item.Model != "" {
		b.WriteString(fmt.Sprintf("Sentiment: %s | Model: %s\n", item.Sentiment, item.Model))
	}

	if len(item.Categories) > 0 {
		b.WriteString(fmt.Sprintf("Categories: %s\n", strings.Join(item.Categories, ", ")))
	}

	if summary := sanitize.PlainText(item.Summary); summary != "" {
		const maxContentLength = 1000
		if runes := []rune(summary); len(runes) > maxContentLength {
			summary = string(runes[:maxContentLength]) + "..."
		}
		b.WriteString(fmt.Sprintf("\nSummary:\n%s\n", wrapText(summary, 70)))
	}

	if len(item.KeyPoints) > 0 {
		b.WriteString("\nKey points:\n")
		for _, point := range item.KeyPoints {
			b.WriteString(fmt.Sprintf("  • %s\n", point))
		}
	}

	b.WriteString("═══════════════════════════════════════════════════════════════════════\n")

	return b.String()
}

var entryRegex = regexp.MustCompile(`(?s)<entry>.*?</entry>`)

// FormatXMLItem formats a single feed item as the Atom entry the digest export would write
func FormatXMLItem(item feed.Item, generator *feed.Generator) string {
	if generator == nil {
		return "No feed generator configured"
	}

	feedXML, err := generator.GenerateAtom([]feed.Item{item})
	if err != nil {
		return fmt.Sprintf("Error generating feed: %s", err)
	}

	match := entryRegex.FindString(feedXML)
	if match == "" {
		return "No entry found in generated feed"
	}

	return wrapXMLContent(match, 80)
}

// wrapXMLContent wraps only the content inside tags, not the tags themselves
func wrapXMLContent(xml string, width int) string {
	// Simple approach: just ensure lines don't exceed width by adding newlines
	// This preserves the XML structure while making it readable
	var result strings.Builder
	lines := strings.Split(xml, "\n")

	for _, line := range lines {
		if len(line) <= width {
			result.WriteString(line)
			result.WriteString("\n")
			continue
		}

		// For very long lines (usually content), try to wrap at tag boundaries or spaces
		remaining := line
		for len(remaining) > width {
			breakPoint := width
			// Try to find a good break point (space, > or <)
			for i := width; i > width-20 && i > 0; i-- {
				if remaining[i] == ' ' || remaining[i] == '>' {
					breakPoint = i + 1
					break
				}
			}
			result.WriteString(remaining[:breakPoint])
			result.WriteString("\n")
			remaining = remaining[breakPoint:]
		}
		if remaining != "" {
			result.WriteString(remaining)
			result.WriteString("\n")
		}
	}

	return result.String()
}

// formatTimeAgo formats a time.Time as a human-readable "X ago" string
func formatTimeAgo(t time.Time) string {
	duration := time.Since(t)

	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		mins := int(duration.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case duration < 24*time.Hour:
		hours := int(duration.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case duration < 7*24*time.Hour:
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("2006-01-02")
	}
}
