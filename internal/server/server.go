// Package server exposes health, metrics and queue administration over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lepinkainen/feed-digest/internal/jobs"
	"github.com/lepinkainen/feed-digest/internal/metrics"
	"github.com/lepinkainen/feed-digest/internal/store"
)

// DefaultAddr is the listen address used when none is configured
const DefaultAddr = ":8080"

// Queues is the job service as seen by the HTTP API
type Queues interface {
	AddJob(ctx context.Context, t jobs.Type, payload any, opts *jobs.Options) (*jobs.Job, error)
	GetJob(queue jobs.QueueName, id string) (*jobs.Job, error)
	PauseQueue(queue jobs.QueueName) error
	ResumeQueue(queue jobs.QueueName) error
	CleanQueue(queue jobs.QueueName, grace time.Duration) (int, error)
	QueueStats(queue jobs.QueueName) (jobs.Stats, error)
	AllQueueStats() map[jobs.QueueName]jobs.Stats
}

// Digest is the read side of the article store
type Digest interface {
	ListRecentSummaries(ctx context.Context, limit int) ([]store.ArticleSummary, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Server is the HTTP front of a running pipeline
type Server struct {
	engine *gin.Engine
	queues Queues
	digest Digest

	mu   sync.Mutex
	http *http.Server
}

// Option configures a Server
type Option func(*gin.Engine)

// WithCORS allows browser clients from origins; "*" allows any origin
func WithCORS(origins []string) Option {
	return func(engine *gin.Engine) {
		if len(origins) == 0 {
			return
		}
		config := cors.DefaultConfig()
		if len(origins) == 1 && origins[0] == "*" {
			config.AllowAllOrigins = true
		} else {
			config.AllowOrigins = origins
		}
		config.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
		config.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		engine.Use(cors.New(config))
	}
}

// New creates a server with every route registered
func New(queues Queues, digest Digest, opts ...Option) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), prometheusMiddleware())
	for _, opt := range opts {
		opt(engine)
	}

	s := &Server{engine: engine, queues: queues, digest: digest}
	s.routes()
	return s
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api/v1")
	{
		api.GET("/queues", s.listQueues)
		api.GET("/queues/:queue", s.getQueue)
		api.POST("/queues/:queue/pause", s.pauseQueue)
		api.POST("/queues/:queue/resume", s.resumeQueue)
		api.POST("/queues/:queue/clean", s.cleanQueue)
		api.GET("/queues/:queue/jobs/:id", s.getJob)

		api.POST("/feeds", s.ingestFeed)
		api.POST("/feeds/refresh", s.refreshFeeds)
		api.POST("/summaries", s.summarizeArticle)
		api.GET("/summaries", s.listSummaries)
		api.POST("/emails", s.sendEmail)
		api.GET("/stats", s.stats)
	}
}

// ListenAndServe serves on addr until Shutdown is called
func (s *Server) ListenAndServe(addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	slog.Info("HTTP server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// route template keeps label cardinality bounded
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
