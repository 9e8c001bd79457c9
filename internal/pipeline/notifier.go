package pipeline

import (
	"context"
	"errors"
	"log/slog"
)

// DefaultEmailSubject is the NATS subject email notifications are published on
const DefaultEmailSubject = "feed-digest.email"

// Notifier delivers EMAIL jobs
type Notifier interface {
	Notify(ctx context.Context, msg EmailPayload) error
}

// LogNotifier writes notifications to the log
type LogNotifier struct{}

// Notify implements Notifier
func (LogNotifier) Notify(_ context.Context, msg EmailPayload) error {
	slog.Info("Email notification", "to", msg.To, "subject", msg.Subject, "bytes", len(msg.Body))
	return nil
}

// JSONPublisher publishes a value on a subject, see events.NATSPublisher
type JSONPublisher interface {
	PublishJSON(subject string, v any) error
}

// NATSNotifier hands notifications to a mailer listening on a NATS subject
type NATSNotifier struct {
	publisher JSONPublisher
	subject   string
}

// NewNATSNotifier creates a notifier publishing on subject
func NewNATSNotifier(publisher JSONPublisher, subject string) *NATSNotifier {
	if subject == "" {
		subject = DefaultEmailSubject
	}
	return &NATSNotifier{publisher: publisher, subject: subject}
}

// Notify implements Notifier
func (n *NATSNotifier) Notify(_ context.Context, msg EmailPayload) error {
	if n.publisher == nil {
		return errors.New("no publisher configured")
	}
	return n.publisher.PublishJSON(n.subject, msg)
}
