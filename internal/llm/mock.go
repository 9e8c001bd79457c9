package llm

import (
	"context"
	"strings"

	"github.com/lepinkainen/feed-digest/pkg/sanitize"
)

// MockModel is reported as the model name of offline summaries
const MockModel = "mock"

// Mock is a deterministic offline summarizer used when no API key is configured
type Mock struct {
	// Err, when set, is returned from every call
	Err error
}

// NewMock creates an offline summarizer
func NewMock() *Mock {
	return &Mock{}
}

// Name returns the provider name
func (m *Mock) Name() string { return "mock" }

// Summarize builds a summary from the first sentences of the content
func (m *Mock) Summarize(ctx context.Context, in Input) (*Output, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := sanitize.PlainText(in.Content)
	sentences := splitSentences(text)

	summary := strings.Join(first(sentences, 2), " ")
	if summary == "" {
		summary = in.Title
	}
	if summary == "" {
		return nil, ErrEmptyResponse
	}

	words := len(strings.Fields(in.Title + " " + text))
	return &Output{
		Summary:          summary,
		KeyPoints:        first(sentences, 3),
		Sentiment:        detectSentiment(in.Title + " " + text),
		Categories:       detectCategories(in.Title + " " + text),
		PromptTokens:     words,
		CompletionTokens: len(strings.Fields(summary)),
		Model:            MockModel,
	}, nil
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(text) && text[i+1] != ' ' && text[i+1] != '\n' {
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

func first(items []string, n int) []string {
	if len(items) < n {
		n = len(items)
	}
	return append([]string{}, items[:n]...)
}

var (
	positiveWords = []string{"success", "great", "excellent", "improve", "win", "growth"}
	negativeWords = []string{"fail", "bad", "terrible", "crash", "loss", "outage"}
)

func detectSentiment(text string) string {
	lower := strings.ToLower(text)
	score := 0
	for _, w := range positiveWords {
		score += strings.Count(lower, w)
	}
	for _, w := range negativeWords {
		score -= strings.Count(lower, w)
	}

	switch {
	case score > 0:
		return "POSITIVE"
	case score < 0:
		return "NEGATIVE"
	default:
		return "NEUTRAL"
	}
}

// detectCategories tags content by keyword
func detectCategories(text string) []string {
	lower := strings.ToLower(text)
	var categories []string

	if containsAny(lower, "software", "programming", "golang", "computer", "ai ", "open source", "tech") {
		categories = append(categories, "Technology")
	}
	if containsAny(lower, "market", "revenue", "startup", "company", "business", "economy") {
		categories = append(categories, "Business")
	}
	if containsAny(lower, "research", "study", "science", "scientist", "physics", "biology") {
		categories = append(categories, "Science")
	}

	if len(categories) == 0 {
		categories = append(categories, "General")
	}
	return categories
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
