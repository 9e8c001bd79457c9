package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lepinkainen/feed-digest/internal/events"
	"github.com/lepinkainen/feed-digest/internal/fetcher"
	"github.com/lepinkainen/feed-digest/internal/jobs"
	"github.com/lepinkainen/feed-digest/internal/pipeline"
)

const (
	defaultSummaryLimit = 20
	maxSummaryLimit     = 200
	defaultCleanGrace   = 24 * time.Hour
)

func errorStatus(err error) int {
	var invalid badRequest
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrUnknownQueue), errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, jobs.ErrUnknownType), errors.Is(err, fetcher.ErrInvalidURL):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "feed-digest",
	})
}

func (s *Server) listQueues(c *gin.Context) {
	all := s.queues.AllQueueStats()
	for queue, stats := range all {
		events.RecordQueueStats(queue, stats)
	}
	c.JSON(http.StatusOK, all)
}

func (s *Server) getQueue(c *gin.Context) {
	queue := jobs.QueueName(c.Param("queue"))
	stats, err := s.queues.QueueStats(queue)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) pauseQueue(c *gin.Context) {
	queue := jobs.QueueName(c.Param("queue"))
	if err := s.queues.PauseQueue(queue); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": queue, "paused": true})
}

func (s *Server) resumeQueue(c *gin.Context) {
	queue := jobs.QueueName(c.Param("queue"))
	if err := s.queues.ResumeQueue(queue); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": queue, "paused": false})
}

func (s *Server) cleanQueue(c *gin.Context) {
	queue := jobs.QueueName(c.Param("queue"))

	grace := defaultCleanGrace
	if raw := c.Query("grace"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid grace duration: " + raw})
			return
		}
		grace = d
	}

	removed, err := s.queues.CleanQueue(queue, grace)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": queue, "removed": removed})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.queues.GetJob(jobs.QueueName(c.Param("queue")), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// enqueue binds the request body into payload and queues a job of type t
func (s *Server) enqueue(c *gin.Context, t jobs.Type, payload any, validate func() error) {
	if err := c.ShouldBindJSON(payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if validate != nil {
		if err := validate(); err != nil {
			abort(c, err)
			return
		}
	}

	job, err := s.queues.AddJob(c.Request.Context(), t, payload, nil)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "queue": job.Queue})
}

func (s *Server) ingestFeed(c *gin.Context) {
	var payload pipeline.IngestPayload
	s.enqueue(c, jobs.TypeIngest, &payload, func() error {
		payload.URL = strings.TrimSpace(payload.URL)
		return fetcher.ValidateURL(payload.URL)
	})
}

func (s *Server) refreshFeeds(c *gin.Context) {
	var payload pipeline.RefreshPayload
	if c.Request.ContentLength == 0 {
		job, err := s.queues.AddJob(c.Request.Context(), jobs.TypeRefresh, payload, nil)
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "queue": job.Queue})
		return
	}
	s.enqueue(c, jobs.TypeRefresh, &payload, nil)
}

func (s *Server) summarizeArticle(c *gin.Context) {
	var payload pipeline.SummarizePayload
	s.enqueue(c, jobs.TypeSummarize, &payload, func() error {
		if payload.ArticleID == "" {
			return badRequest("articleId is required")
		}
		return nil
	})
}

func (s *Server) sendEmail(c *gin.Context) {
	var payload pipeline.EmailPayload
	s.enqueue(c, jobs.TypeEmail, &payload, func() error {
		if payload.To == "" {
			return badRequest("to is required")
		}
		return nil
	})
}

func (s *Server) listSummaries(c *gin.Context) {
	limit := defaultSummaryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit: " + raw})
			return
		}
		limit = min(n, maxSummaryLimit)
	}

	summaries, err := s.digest.ListRecentSummaries(c.Request.Context(), limit)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summaries": summaries, "count": len(summaries)})
}

func (s *Server) stats(c *gin.Context) {
	stats, err := s.digest.Stats(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"store": stats, "queues": s.queues.AllQueueStats()})
}

type badRequest string

func (e badRequest) Error() string { return string(e) }
