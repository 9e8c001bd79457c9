// Package main provides the CLI entry point for feed-digest.
package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/lepinkainen/feed-digest/internal/config"
	"github.com/lepinkainen/feed-digest/internal/metrics"
	"github.com/lepinkainen/feed-digest/pkg/filesystem"
)

const (
	serviceName = "feed-digest"
	version     = "1.0.0"
)

// CLI structure
var CLI struct {
	Config string `help:"Configuration file path" default:"config.yaml"`
	Debug  bool   `help:"Enable debug logging" default:"false"`

	Serve     ServeCmd     `cmd:"" help:"Run workers, scheduler and the HTTP server."`
	Ingest    IngestCmd    `cmd:"" help:"Subscribe to feeds and store their articles."`
	Refresh   RefreshCmd   `cmd:"" help:"Re-fetch stored feeds."`
	Summarize SummarizeCmd `cmd:"" help:"Summarize a stored article."`
	Cleanup   CleanupCmd   `cmd:"" help:"Sweep the cache and prune old articles."`
	Stats     StatsCmd     `cmd:"" help:"Show store statistics."`
	Export    ExportCmd    `cmd:"" help:"Write recent summaries as an RSS, Atom or JSON digest."`
	Preview   PreviewCmd   `cmd:"" help:"Browse recent summaries or a live feed interactively."`
	Init      InitCmd      `cmd:"" name:"init-config" help:"Write the default configuration file."`
}

func main() {
	// Parse CLI with Kong YAML configuration file loading
	ctx := kong.Parse(&CLI,
		kong.Name(serviceName),
		kong.Description("RSS/Atom ingestion and summarization pipeline."),
		kong.Configuration(kongyaml.Loader, config.DefaultPath, filesystem.UserConfigPath(config.DefaultPath)),
	)

	// Configure logging level based on debug flag
	if CLI.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	} else {
		slog.SetLogLoggerLevel(slog.LevelInfo)
	}

	metrics.Init(serviceName, version)

	if err := ctx.Run(); err != nil {
		slog.Error("Command failed", "command", ctx.Command(), "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration named by --config
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Debug && !CLI.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	return cfg, nil
}
