package notifications

import (
	"context"
	"strings"
	"time"

	"intake/internal/config"
)

// Event identifies a notable run milestone.
type Event string

const (
	// EventRunCompleted fires when a run's unit loop finished, whether or
	// not individual units failed; the payload carries the full report.
	EventRunCompleted Event = "run-completed"
	// EventRunFailed fires when a run died before its unit loop started
	// (authentication, lock, or discovery failure).
	EventRunFailed Event = "run-failed"
)

// Payload carries the event's message fields. Recognized keys:
//
//	title   human-facing pipeline label ("Clinical")
//	run_id  run identifier
//	body    full plain-text report
//	failed  failed-unit count (int)
//	error   fatal error text for EventRunFailed
type Payload map[string]any

// Service defines the notification surface exposed to pipeline runs.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by SMTP when configured.
// When notifications are disabled, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil || !cfg.Notifications.Enabled {
		return noopService{}
	}
	settings := cfg.Notifications
	if strings.TrimSpace(settings.SMTPHost) == "" || strings.TrimSpace(settings.From) == "" || len(settings.Recipients) == 0 {
		return noopService{}
	}

	timeout := time.Duration(settings.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &mailService{
		host:       settings.SMTPHost,
		port:       settings.SMTPPort,
		username:   settings.SMTPUsername,
		password:   settings.SMTPPassword,
		from:       settings.From,
		recipients: append([]string(nil), settings.Recipients...),
		timeout:    timeout,
	}
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
