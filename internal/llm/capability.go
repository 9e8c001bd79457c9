// Package llm talks to the language model backends that write article summaries.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyResponse is returned when a backend answers without content
var ErrEmptyResponse = errors.New("empty model response")

// Input is one summarization request
type Input struct {
	Title       string
	Content     string
	MaxTokens   int
	Temperature float64
}

// Output is the structured answer of a backend
type Output struct {
	Summary          string
	KeyPoints        []string
	Sentiment        string
	Categories       []string
	PromptTokens     int
	CompletionTokens int
	Model            string
}

// TotalTokens returns prompt plus completion tokens
func (o *Output) TotalTokens() int {
	return o.PromptTokens + o.CompletionTokens
}

// Capability summarizes article text
type Capability interface {
	Summarize(ctx context.Context, in Input) (*Output, error)
	Name() string
}

const systemPrompt = `You are a helpful assistant that summarizes articles. Provide:
1. A concise summary (2-3 sentences)
2. 3-5 key points as bullet points
3. Overall sentiment (POSITIVE, NEGATIVE, or NEUTRAL)
4. 2-3 relevant categories/tags

Format your response as JSON:
{
  "summary": "...",
  "keyPoints": ["...", "..."],
  "sentiment": "POSITIVE|NEGATIVE|NEUTRAL",
  "categories": ["...", "..."]
}`

func userPrompt(in Input) string {
	return fmt.Sprintf("Summarize this article:\n\nTitle: %s\n\nContent: %s", in.Title, in.Content)
}

type summaryJSON struct {
	Summary    string   `json:"summary"`
	KeyPoints  []string `json:"keyPoints"`
	Sentiment  string   `json:"sentiment"`
	Categories []string `json:"categories"`
}

// parseSummary decodes the JSON answer, tolerating a surrounding markdown
// code fence or leading prose.
func parseSummary(text string) (*Output, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyResponse
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("model response is not JSON: %.80q", text)
	}

	var parsed summaryJSON
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode model response: %w", err)
	}
	if strings.TrimSpace(parsed.Summary) == "" {
		return nil, ErrEmptyResponse
	}

	return &Output{
		Summary:    strings.TrimSpace(parsed.Summary),
		KeyPoints:  parsed.KeyPoints,
		Sentiment:  parsed.Sentiment,
		Categories: parsed.Categories,
	}, nil
}
