package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	httpclient "github.com/lepinkainen/feed-digest/pkg/http"
)

// DefaultOpenAIBaseURL is the public OpenAI API
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI calls an OpenAI-compatible chat completions endpoint
type OpenAI struct {
	client  *httpclient.Client
	baseURL string
	model   string
}

// NewOpenAI creates an OpenAI backend. The API key is sent as a bearer
// token by an oauth2 transport.
func NewOpenAI(apiKey, model, baseURL string, timeout time.Duration) *OpenAI {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	if model == "" {
		model = "gpt-4o-mini"
	}

	transport := &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey, TokenType: "Bearer"}),
		Base:   http.DefaultTransport,
	}

	config := httpclient.DefaultConfig()
	config.Timeout = timeout
	config.Accept = "application/json"
	config.Transport = transport

	return &OpenAI{
		client:  httpclient.NewClient(config),
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
	}
}

// Name returns the provider name
func (o *OpenAI) Name() string { return "openai" }

type openaiRequest struct {
	Model          string          `json:"model"`
	Messages       []openaiMessage `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Summarize requests a JSON summary from the chat completions API
func (o *OpenAI) Summarize(ctx context.Context, in Input) (*Output, error) {
	payload := openaiRequest{
		Model: o.model,
		Messages: []openaiMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(in)},
		},
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
	}
	payload.ResponseFormat.Type = "json_object"

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode openai request: %w", err)
	}

	resp, err := o.client.PostWithContext(ctx, o.baseURL+"/chat/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai API error: %w", err)
	}

	var or openaiResponse
	if err := httpclient.DecodeJSONResponse(resp, &or); err != nil {
		return nil, fmt.Errorf("openai API error: %w", err)
	}
	if len(or.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	out, err := parseSummary(or.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	out.PromptTokens = or.Usage.PromptTokens
	out.CompletionTokens = or.Usage.CompletionTokens
	out.Model = o.model
	return out, nil
}
