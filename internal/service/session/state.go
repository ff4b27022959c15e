// Package session provides the meeting session table and its lifecycle state machine.
package session

import (
	"errors"
	"fmt"
)

// State represents the lifecycle state of a meeting session.
type State int

const (
	// StateCreated - Session record exists but is not yet accepting entries.
	// Start moves a session through this state atomically, so callers never observe it.
	StateCreated State = iota
	// StateActive - Session accepts transcript entries.
	StateActive
	// StateEnded - Session is closed. Terminal.
	StateEnded
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateActive:
		return "ACTIVE"
	case StateEnded:
		return "ENDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateEnded
}

// Errors for table operations and invalid state transitions.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAlreadyActive   = errors.New("session already active")
	ErrSessionEnded    = errors.New("session has ended")
	ErrNotStarted      = errors.New("session not started")
)

// lifecycle enforces the session state machine:
//
//	CREATED → ACTIVE → ENDED
//
// Rules:
//   - CREATED: activate only
//   - ACTIVE: accepts entries, may end once
//   - ENDED: every transition returns ErrSessionEnded
//
// lifecycle is not synchronized; the owning session's mutex guards it.
type lifecycle struct {
	state State
}

func (l *lifecycle) activate() error {
	switch l.state {
	case StateCreated:
		l.state = StateActive
		return nil
	case StateActive:
		return ErrAlreadyActive
	default:
		return ErrSessionEnded
	}
}

func (l *lifecycle) canAppend() error {
	switch l.state {
	case StateActive:
		return nil
	case StateCreated:
		return ErrNotStarted
	default:
		return ErrSessionEnded
	}
}

func (l *lifecycle) end() error {
	switch l.state {
	case StateActive:
		l.state = StateEnded
		return nil
	case StateCreated:
		return ErrNotStarted
	default:
		return ErrSessionEnded
	}
}
