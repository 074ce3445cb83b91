// Package liveness runs the kill switch: it periodically asks the
// counterparty to prove it still controls its key material, escalates
// ACTIVE -> WARNING -> SUSPENDED on sustained failure, and exposes the
// current trust state to the request path.
package liveness

import (
	"fmt"
	"time"
)

type State string

const (
	StateActive    State = "ACTIVE"
	StateWarning   State = "WARNING"
	StateSuspended State = "SUSPENDED"
)

func (s State) Valid() bool {
	switch s {
	case StateActive, StateWarning, StateSuspended:
		return true
	}
	return false
}

func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown trust state %q", s)
	}
	return st, nil
}

// gaugeValue orders states for the trust state gauge.
func (s State) gaugeValue() float64 {
	switch s {
	case StateWarning:
		return 1
	case StateSuspended:
		return 2
	default:
		return 0
	}
}

// Status is a point-in-time snapshot of the monitor.
type Status struct {
	CounterpartyID  string     `json:"counterparty_id"`
	State           State      `json:"state"`
	FailureStart    *time.Time `json:"failure_start,omitempty"`
	GraceDeadline   *time.Time `json:"grace_deadline,omitempty"`
	LastCheck       *time.Time `json:"last_check,omitempty"`
	LastSuccess     *time.Time `json:"last_success,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CheckInProgress bool       `json:"check_in_progress"`
}

// Transition describes one state change.
type Transition struct {
	CounterpartyID string
	From           State
	To             State
	Reason         string
	Actor          string
	At             time.Time
	FailureStart   *time.Time
}
