package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lepinkainen/feed-digest/internal/jobs"
	"github.com/lepinkainen/feed-digest/internal/metrics"
)

// DefaultSubjectPrefix prefixes job event subjects
const DefaultSubjectPrefix = "feed-digest.jobs"

// Publisher is the part of *nats.Conn used for publishing
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS connects to url, reconnecting forever on connection loss
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS connection lost", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NATSPublisher publishes job events on {prefix}.{queue}.{kind}
type NATSPublisher struct {
	conn   Publisher
	prefix string
}

// NewNATSPublisher creates a publisher on conn
func NewNATSPublisher(conn Publisher, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Message is the envelope of every published event
type Message struct {
	Event     any       `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   string    `json:"version"`
}

// Subject returns the subject an event is published on
func (p *NATSPublisher) Subject(event jobs.Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, event.Queue, event.Kind)
}

// HandleEvent implements jobs.EventSink. Publish errors are logged.
func (p *NATSPublisher) HandleEvent(_ context.Context, event jobs.Event) {
	if err := p.PublishJSON(p.Subject(event), event); err != nil {
		slog.Warn("Failed to publish job event", "jobId", event.JobID, "kind", event.Kind, "error", err)
	}
}

// PublishJSON wraps v in a Message and publishes it on subject
func (p *NATSPublisher) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(Message{
		Event:     v,
		Timestamp: time.Now().UTC(),
		Source:    "feed-digest",
		Version:   "1.0",
	})
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", subject, err)
	}

	if err := p.conn.Publish(subject, data); err != nil {
		metrics.NatsMessagesPublished.WithLabelValues(subject, "error").Inc()
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	metrics.NatsMessagesPublished.WithLabelValues(subject, "success").Inc()
	slog.Debug("Published NATS message", "subject", subject)
	return nil
}
