// Package events publishes per-request usage outcomes to analytics sinks.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeAdmitted         Outcome = "admitted"
	OutcomeCommitted        Outcome = "committed"
	OutcomeThrottled        Outcome = "throttled"
	OutcomeQuotaExceeded    Outcome = "quota_exceeded"
	OutcomeGenerationFailed Outcome = "generation_failed"
)

// UsageEvent records one limiter decision or accounting step for a user.
type UsageEvent struct {
	EventID       string    `json:"eventId"`
	UserID        string    `json:"userId"`
	Outcome       Outcome   `json:"outcome"`
	RequestsMade  int       `json:"requestsMade"`
	RequestsLimit int       `json:"requestsLimit"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// NewUsageEvent stamps a fresh event id.
func NewUsageEvent(userID string, outcome Outcome, made, limit int, at time.Time) UsageEvent {
	return UsageEvent{
		EventID:       uuid.NewString(),
		UserID:        userID,
		Outcome:       outcome,
		RequestsMade:  made,
		RequestsLimit: limit,
		OccurredAt:    at.UTC(),
	}
}

// Publisher delivers usage events. Callers treat every error as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, event UsageEvent) error
	Name() string
}

// NoopPublisher drops events. Used when no sink is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, UsageEvent) error { return nil }
func (NoopPublisher) Name() string { return "noop" }

// MultiPublisher fans an event out to every sink and joins their errors.
type MultiPublisher struct {
	publishers []Publisher
}

func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (m *MultiPublisher) Publish(ctx context.Context, event UsageEvent) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, &SinkError{Sink: p.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

func (m *MultiPublisher) Name() string { return "multi" }

func (m *MultiPublisher) Len() int { return len(m.publishers) }

// SinkError names the sink that failed to accept an event.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return e.Sink + ": " + e.Err.Error() }

func (e *SinkError) Unwrap() error { return e.Err }
