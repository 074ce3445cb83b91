// Package notify delivers signed events to the downstream administrator.
// Accepted events are journaled before anything else happens to them, retried
// on a fixed schedule, and dead-lettered for manual handling once the
// schedule is exhausted.
package notify

import (
	"context"
	"encoding/json"
	"time"
)

// Event types delivered to the administrator webhook.
const (
	EventInvestorVerified   = "INVESTOR_VERIFIED"
	EventRelianceSuspended  = "RELIANCE_SUSPENDED"
	EventRelianceReinstated = "RELIANCE_REINSTATED"
)

// ReasonMaxRetriesExceeded is the dead-letter reason for an exhausted schedule.
const ReasonMaxRetriesExceeded = "MAX_RETRIES_EXCEEDED"

type Status string

const (
	StatusPending    Status = "pending"
	StatusDelivered  Status = "delivered"
	StatusDeadLetter Status = "dead_letter"
)

// OutboundEvent is one notification and its delivery bookkeeping. Payload
// holds the canonical bytes that are signed and sent.
type OutboundEvent struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"event_type"`
	Destination   string          `json:"destination"`
	Payload       json.RawMessage `json:"payload"`
	Signature     string          `json:"signature"`
	Attempts      int             `json:"attempts"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// DeadLetter is an event that will not be retried again.
type DeadLetter struct {
	Event    OutboundEvent `json:"event"`
	Reason   string        `json:"reason"`
	FailedAt time.Time     `json:"failed_at"`
}

// Journal operations.
const (
	OpEnqueue    = "enqueue"
	OpAttempt    = "attempt"
	OpDelivered  = "delivered"
	OpDeadLetter = "dead_letter"
)

// JournalRecord is one line of the write-ahead log.
type JournalRecord struct {
	Op    string        `json:"op"`
	Event OutboundEvent `json:"event"`
	At    time.Time     `json:"at"`
}

// Journal is the write-ahead log. Append returns only once the record is durable.
type Journal interface {
	Append(ctx context.Context, rec JournalRecord) error
	Replay(ctx context.Context) ([]OutboundEvent, error)
}

// Store holds the retry schedule shared by all instances.
type Store interface {
	Schedule(ctx context.Context, ev OutboundEvent) error
	// ClaimDue removes up to limit due events from the schedule and returns
	// them. An event is claimed by at most one caller.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]OutboundEvent, error)
	Complete(ctx context.Context, eventID string) error
	DeadLetter(ctx context.Context, dl DeadLetter) error
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	Pending(ctx context.Context) (int64, error)
}

// Deliverer performs one delivery attempt.
type Deliverer interface {
	Deliver(ctx context.Context, ev OutboundEvent) error
}

// Reporter is told about every dead letter.
type Reporter interface {
	Report(ctx context.Context, dl DeadLetter) error
}
