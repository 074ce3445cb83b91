package admin

import (
	"time"

	"reliance/internal/liveness"
	"reliance/internal/notify"
)

// RelianceResponse reports the kill switch status.
type RelianceResponse struct {
	liveness.Status
	PendingNotifications int64 `json:"pending_notifications"`
}

type ResetResponse struct {
	PreviousState liveness.State `json:"previous_state"`
	State         liveness.State `json:"state"`
	ResetBy       string         `json:"reset_by"`
}

// DeadLetterResponse omits the payload; it carries investor data.
type DeadLetterResponse struct {
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason"`
	LastError string    `json:"last_error,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

type DeadLettersResponse struct {
	DeadLetters []DeadLetterResponse `json:"dead_letters"`
	Total       int                  `json:"total"`
}

func toDeadLetterResponses(items []notify.DeadLetter) DeadLettersResponse {
	out := make([]DeadLetterResponse, 0, len(items))
	for _, dl := range items {
		out = append(out, DeadLetterResponse{
			EventID:   dl.Event.ID,
			Type:      dl.Event.Type,
			Attempts:  dl.Event.Attempts,
			Reason:    dl.Reason,
			LastError: dl.Event.LastError,
			FailedAt:  dl.FailedAt,
		})
	}
	return DeadLettersResponse{DeadLetters: out, Total: len(out)}
}
