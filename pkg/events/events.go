package events

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// Event types the pipeline emits.
const (
	TypeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	TypeSuspiciousIP      = "SUSPICIOUS_IP_FLAGGED"
	TypeSuspiciousLogin   = "SUSPICIOUS_LOGIN"
	TypeMaliciousInput    = "MALICIOUS_INPUT"
	TypeAccessDenied      = "ACCESS_DENIED"
	TypeSessionRegenerate = "SESSION_REGENERATED"
	TypeAuthFailure       = "AUTH_FAILURE"
)

// Outcomes.
const (
	OutcomeBlocked  = "blocked"
	OutcomeReported = "reported"
	OutcomeFlagged  = "flagged"
)

type Event struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Outcome string                 `json:"outcome"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
	At      time.Time              `json:"at"`
}

// New stamps an event with an id and timestamp.
func New(eventType, outcome, message string, ctx map[string]interface{}) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Outcome: outcome,
		Message: message,
		Context: ctx,
		At:      time.Now().UTC(),
	}
}

// Sink receives security events. Recording is fire-and-forget: a sink failure
// is the one place the pipeline deliberately fails open, so implementations
// swallow and log their own errors rather than returning them.
type Sink interface {
	Record(ctx context.Context, evt Event)
}

// LogSink writes events to the process log.
type LogSink struct{}

func (LogSink) Record(_ context.Context, evt Event) {
	log.Printf("security event %s type=%s outcome=%s msg=%q", evt.ID, evt.Type, evt.Outcome, evt.Message)
}

// Multi fans one event out to every sink.
type Multi []Sink

func (m Multi) Record(ctx context.Context, evt Event) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, evt)
		}
	}
}

// Discard drops everything. Useful as a default so callers never nil-check.
type Discard struct{}

func (Discard) Record(context.Context, Event) {}
