package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	httpclient "github.com/lepinkainen/feed-digest/pkg/http"
)

// DefaultClaudeBaseURL is the public Anthropic API
const DefaultClaudeBaseURL = "https://api.anthropic.com/v1"

// Claude calls the Anthropic messages API
type Claude struct {
	client  *httpclient.Client
	baseURL string
	model   string
}

// NewClaude creates an Anthropic backend
func NewClaude(apiKey, model, baseURL string, timeout time.Duration) *Claude {
	if baseURL == "" {
		baseURL = DefaultClaudeBaseURL
	}
	if model == "" {
		model = "claude-haiku-4-5-20251001"
	}

	config := httpclient.DefaultConfig()
	config.Timeout = timeout
	config.Accept = "application/json"
	config.Headers = map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": "2023-06-01",
	}

	return &Claude{
		client:  httpclient.NewClient(config),
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
	}
}

// Name returns the provider name
func (c *Claude) Name() string { return "claude" }

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	System      string          `json:"system"`
	Messages    []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Summarize requests a JSON summary from the messages API
func (c *Claude) Summarize(ctx context.Context, in Input) (*Output, error) {
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 500
	}

	body, err := json.Marshal(claudeRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Temperature: in.Temperature,
		System:      systemPrompt,
		Messages:    []claudeMessage{{Role: "user", Content: userPrompt(in)}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode claude request: %w", err)
	}

	resp, err := c.client.PostWithContext(ctx, c.baseURL+"/messages", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("claude API error: %w", err)
	}

	var cr claudeResponse
	if err := httpclient.DecodeJSONResponse(resp, &cr); err != nil {
		return nil, fmt.Errorf("claude API error: %w", err)
	}

	var text strings.Builder
	for _, block := range cr.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	out, err := parseSummary(text.String())
	if err != nil {
		return nil, err
	}

	out.PromptTokens = cr.Usage.InputTokens
	out.CompletionTokens = cr.Usage.OutputTokens
	out.Model = c.model
	return out, nil
}
