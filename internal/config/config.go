// Package config loads the feed-digest configuration from a YAML file and
// FEED_DIGEST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lepinkainen/feed-digest/internal/jobs"
	"github.com/lepinkainen/feed-digest/pkg/filesystem"
)

// EnvPrefix prefixes every environment override, e.g. FEED_DIGEST_LLM_API_KEY
const EnvPrefix = "FEED_DIGEST"

// DefaultPath is the config file looked up when none is given
const DefaultPath = "config.yaml"

// Config holds the central application configuration
type Config struct {
	Debug bool `mapstructure:"debug" yaml:"debug"`

	Server struct {
		Addr        string   `mapstructure:"addr" yaml:"addr"` // HTTP listen address
		CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
	} `mapstructure:"server" yaml:"server"`

	Database struct {
		Driver  string        `mapstructure:"driver" yaml:"driver"` // sqlite or postgres
		DSN     string        `mapstructure:"dsn" yaml:"dsn"`
		Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	} `mapstructure:"database" yaml:"database"`

	Cache struct {
		Backend         string        `mapstructure:"backend" yaml:"backend"` // memory, mongo or sqlite
		SweepInterval   time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
		MongoURI        string        `mapstructure:"mongo_uri" yaml:"mongo_uri"`
		MongoDatabase   string        `mapstructure:"mongo_database" yaml:"mongo_database"`
		MongoCollection string        `mapstructure:"mongo_collection" yaml:"mongo_collection"`
		SQLitePath      string        `mapstructure:"sqlite_path" yaml:"sqlite_path"` // empty reuses the database
		FeedTTL         time.Duration `mapstructure:"feed_ttl" yaml:"feed_ttl"`
	} `mapstructure:"cache" yaml:"cache"`

	Fetcher struct {
		UserAgent  string        `mapstructure:"user_agent" yaml:"user_agent"`
		Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
		MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
		RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	} `mapstructure:"fetcher" yaml:"fetcher"`

	LinkPreview struct {
		Enabled     bool          `mapstructure:"enabled" yaml:"enabled"` // fetch the linked page for items without a body
		TTL         time.Duration `mapstructure:"ttl" yaml:"ttl"`
		Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	} `mapstructure:"link_preview" yaml:"link_preview"`

	Summarizer struct {
		MaxRequests     int           `mapstructure:"max_requests" yaml:"max_requests"` // per window, 0 disables limiting
		Window          time.Duration `mapstructure:"window" yaml:"window"`
		CacheTTL        time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
		MaxContentChars int           `mapstructure:"max_content_chars" yaml:"max_content_chars"`
		BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size"`
		BatchDelay      time.Duration `mapstructure:"batch_delay" yaml:"batch_delay"`
		AutoSummarize   bool          `mapstructure:"auto_summarize" yaml:"auto_summarize"`
	} `mapstructure:"summarizer" yaml:"summarizer"`

	LLM struct {
		Provider    string        `mapstructure:"provider" yaml:"provider"` // mock, openai or claude
		APIKey      string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
		Model       string        `mapstructure:"model" yaml:"model"`
		BaseURL     string        `mapstructure:"base_url" yaml:"base_url,omitempty"`
		MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
		Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
		Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	} `mapstructure:"llm" yaml:"llm"`

	Jobs struct {
		IngestConcurrency    int           `mapstructure:"ingest_concurrency" yaml:"ingest_concurrency"`
		RefreshConcurrency   int           `mapstructure:"refresh_concurrency" yaml:"refresh_concurrency"`
		SummarizeConcurrency int           `mapstructure:"summarize_concurrency" yaml:"summarize_concurrency"`
		CleanupConcurrency   int           `mapstructure:"cleanup_concurrency" yaml:"cleanup_concurrency"`
		EmailConcurrency     int           `mapstructure:"email_concurrency" yaml:"email_concurrency"`
		ArticleRetention     time.Duration `mapstructure:"article_retention" yaml:"article_retention"`
		CleanGrace           time.Duration `mapstructure:"clean_grace" yaml:"clean_grace"`
	} `mapstructure:"jobs" yaml:"jobs"`

	Scheduler struct {
		Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
		RefreshSpec string `mapstructure:"refresh_spec" yaml:"refresh_spec"`
		CleanupSpec string `mapstructure:"cleanup_spec" yaml:"cleanup_spec"`
		Timezone    string `mapstructure:"timezone" yaml:"timezone"`
	} `mapstructure:"scheduler" yaml:"scheduler"`

	NATS struct {
		URL           string `mapstructure:"url" yaml:"url"` // empty disables event publishing
		SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
		EmailSubject  string `mapstructure:"email_subject" yaml:"email_subject"`
	} `mapstructure:"nats" yaml:"nats"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "feed-digest.db")
	v.SetDefault("database.timeout", 30*time.Second)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.sweep_interval", 60*time.Second)
	v.SetDefault("cache.mongo_uri", "")
	v.SetDefault("cache.mongo_database", "feed_digest")
	v.SetDefault("cache.mongo_collection", "cache")
	v.SetDefault("cache.sqlite_path", "")
	v.SetDefault("cache.feed_ttl", 30*time.Minute)

	v.SetDefault("fetcher.user_agent", "feed-digest/1.0")
	v.SetDefault("fetcher.timeout", 30*time.Second)
	v.SetDefault("fetcher.max_retries", 3)
	v.SetDefault("fetcher.retry_delay", time.Second)

	v.SetDefault("link_preview.enabled", true)
	v.SetDefault("link_preview.ttl", 24*time.Hour)
	v.SetDefault("link_preview.concurrency", 5)

	v.SetDefault("summarizer.max_requests", 100)
	v.SetDefault("summarizer.window", time.Hour)
	v.SetDefault("summarizer.cache_ttl", 24*time.Hour)
	v.SetDefault("summarizer.max_content_chars", 4000)
	v.SetDefault("summarizer.batch_size", 3)
	v.SetDefault("summarizer.batch_delay", time.Second)
	v.SetDefault("summarizer.auto_summarize", true)

	v.SetDefault("llm.provider", "mock")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.max_tokens", 500)
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.timeout", 30*time.Second)

	v.SetDefault("jobs.ingest_concurrency", 2)
	v.SetDefault("jobs.refresh_concurrency", 1)
	v.SetDefault("jobs.summarize_concurrency", 3)
	v.SetDefault("jobs.cleanup_concurrency", 1)
	v.SetDefault("jobs.email_concurrency", 1)
	v.SetDefault("jobs.article_retention", 30*24*time.Hour)
	v.SetDefault("jobs.clean_grace", 24*time.Hour)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.refresh_spec", "*/30 * * * *")
	v.SetDefault("scheduler.cleanup_spec", "0 2 * * *")
	v.SetDefault("scheduler.timezone", "UTC")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "feed-digest.jobs")
	v.SetDefault("nats.email_subject", "feed-digest.email")
}

// Load reads the configuration from path, applying environment overrides.
// A missing file is not an error; defaults are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = DefaultPath
	}
	v.SetConfigFile(filesystem.ResolvePath(path))
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns the configuration used when no file or environment
// overrides are present
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	// defaults always decode
	_ = v.Unmarshal(&config)
	return &config
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid database.driver %q: want sqlite or postgres", c.Database.Driver)
	}

	switch c.Cache.Backend {
	case "memory", "sqlite":
	case "mongo":
		if c.Cache.MongoURI == "" {
			return errors.New("cache.mongo_uri is required for the mongo cache backend")
		}
	default:
		return fmt.Errorf("invalid cache.backend %q: want memory, mongo or sqlite", c.Cache.Backend)
	}

	switch strings.ToLower(c.LLM.Provider) {
	case "", "mock", "openai", "claude", "anthropic":
	default:
		return fmt.Errorf("invalid llm.provider %q", c.LLM.Provider)
	}

	if c.Fetcher.MaxRetries < 1 {
		return fmt.Errorf("fetcher.max_retries must be at least 1, got %d", c.Fetcher.MaxRetries)
	}
	if c.Summarizer.MaxRequests < 0 {
		return fmt.Errorf("summarizer.max_requests must not be negative, got %d", c.Summarizer.MaxRequests)
	}
	if c.Summarizer.MaxRequests > 0 && c.Summarizer.Window <= 0 {
		return errors.New("summarizer.window must be positive when rate limiting is enabled")
	}

	for _, t := range jobs.Types() {
		if n := c.Concurrency()[t]; n < 1 {
			return fmt.Errorf("jobs.%s_concurrency must be at least 1, got %d", strings.ToLower(t.String()), n)
		}
	}

	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler.timezone %q: %w", c.Scheduler.Timezone, err)
	}
	for key, spec := range map[string]string{
		"refresh_spec": c.Scheduler.RefreshSpec,
		"cleanup_spec": c.Scheduler.CleanupSpec,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid scheduler.%s %q: %w", key, spec, err)
		}
	}

	return nil
}

// Concurrency returns the worker count per job type
func (c *Config) Concurrency() map[jobs.Type]int {
	return map[jobs.Type]int{
		jobs.TypeIngest:    c.Jobs.IngestConcurrency,
		jobs.TypeRefresh:   c.Jobs.RefreshConcurrency,
		jobs.TypeSummarize: c.Jobs.SummarizeConcurrency,
		jobs.TypeCleanup:   c.Jobs.CleanupConcurrency,
		jobs.TypeEmail:     c.Jobs.EmailConcurrency,
	}
}

// Save writes config to path as YAML, creating the directory if needed
func Save(config *Config, path string) error {
	if path == "" {
		path = DefaultPath
	}
	if err := filesystem.EnsureDirectoryExists(path); err != nil {
		return err
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
