package llm

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config selects and configures a backend
type Config struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
	Timeout  time.Duration
}

// New returns the configured backend. Without an API key the offline mock is used.
func New(cfg Config) (Capability, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" || provider == "mock" {
		return NewMock(), nil
	}

	if cfg.APIKey == "" {
		slog.Warn("No API key configured for summarizer, using offline mock", "provider", provider)
		return NewMock(), nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	switch provider {
	case "openai":
		return NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL, timeout), nil
	case "claude", "anthropic":
		return NewClaude(cfg.APIKey, cfg.Model, cfg.BaseURL, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}
