// Package events publishes job lifecycle changes to NATS.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/maauso/videogen-api/internal/job"
)

// DefaultSubjectPrefix is prepended to every event subject.
const DefaultSubjectPrefix = "videogen"

// ErrNotConnected is returned when publishing without a NATS connection.
var ErrNotConnected = errors.New("events: not connected")

// JobEvent is the payload published for a job status change.
type JobEvent struct {
	JobID           string     `json:"job_id"`
	UserID          string     `json:"user_id"`
	Kind            string     `json:"kind"`
	Status          job.Status `json:"status"`
	Provider        string     `json:"provider,omitempty"`
	CreditCost      int64      `json:"credit_cost"`
	RetryCount      int        `json:"retry_count"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ArtifactURL     string     `json:"artifact_url,omitempty"`
	ThumbnailURL    string     `json:"thumbnail_url,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	OccurredAt      time.Time  `json:"occurred_at"`
}

// NewJobEvent builds the event payload of a job.
func NewJobEvent(j *job.Job) JobEvent {
	return JobEvent{
		JobID:           j.ID,
		UserID:          j.UserID,
		Kind:            string(j.Kind),
		Status:          j.Status,
		Provider:        j.ProviderName,
		CreditCost:      j.CreditCost,
		RetryCount:      j.RetryCount,
		ErrorMessage:    j.ErrorMessage,
		ArtifactURL:     j.ArtifactURL,
		ThumbnailURL:    j.ThumbnailURL,
		DurationSeconds: j.ActualDuration,
		OccurredAt:      j.UpdatedAt,
	}
}

// Subject returns the subject an event for status is published on,
// e.g. "videogen.jobs.completed". A retried job is announced as created.
func Subject(prefix string, status job.Status) string {
	name := string(status)
	if status == job.StatusPending {
		name = "created"
	}
	if prefix == "" {
		return "jobs." + name
	}
	return strings.TrimSuffix(prefix, ".") + ".jobs." + name
}

// Publisher implements job.Notifier on a NATS connection.
// Publishing is fire-and-forget: a failed publish is logged and never
// affects the job.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewPublisher creates a Publisher on an established connection.
func NewPublisher(conn *nats.Conn, prefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		prefix: prefix,
		logger: logger,
	}
}

// Connect dials url and returns a Publisher that owns the connection.
func Connect(url, prefix string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("videogen-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect to %s: %w", url, err)
	}
	return NewPublisher(conn, prefix, logger), nil
}

// Publish sends the event of j.
func (p *Publisher) Publish(j *job.Job) error {
	if p.conn == nil || p.conn.IsClosed() || p.conn.IsDraining() {
		return ErrNotConnected
	}
	data, err := json.Marshal(NewJobEvent(j))
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if err := p.conn.Publish(Subject(p.prefix, j.Status), data); err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

// JobChanged implements job.Notifier.
func (p *Publisher) JobChanged(_ context.Context, j *job.Job) {
	if err := p.Publish(j); err != nil {
		p.logger.Warn("failed to publish job event",
			slog.String("job_id", j.ID),
			slog.String("status", string(j.Status)),
			slog.String("error", err.Error()),
		)
	}
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p.conn == nil || p.conn.IsClosed() || p.conn.IsDraining() {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("events: drain: %w", err)
	}
	return nil
}

// Noop discards every event. It is used when no NATS URL is configured.
type Noop struct{}

// JobChanged implements job.Notifier.
func (Noop) JobChanged(context.Context, *job.Job) {}
