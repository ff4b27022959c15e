package session

import (
	"errors"
	"testing"
)

func TestLifecycle_InitialState(t *testing.T) {
	var lc lifecycle

	if lc.state != StateCreated {
		t.Errorf("expected StateCreated, got %v", lc.state)
	}
	if err := lc.canAppend(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted before activation, got %v", err)
	}
	if err := lc.end(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted ending a created session, got %v", err)
	}
}

func TestLifecycle_ActivateThenEnd(t *testing.T) {
	var lc lifecycle

	if err := lc.activate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lc.state != StateActive {
		t.Errorf("expected StateActive, got %v", lc.state)
	}
	if err := lc.activate(); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("expected ErrAlreadyActive on second activate, got %v", err)
	}
	if err := lc.canAppend(); err != nil {
		t.Errorf("expected append allowed while active, got %v", err)
	}

	if err := lc.end(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !lc.state.IsTerminal() {
		t.Error("expected ENDED to be terminal")
	}
}

func TestLifecycle_NoTransitionAfterEnded(t *testing.T) {
	lc := lifecycle{state: StateEnded}

	if err := lc.activate(); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("expected ErrSessionEnded on activate, got %v", err)
	}
	if err := lc.canAppend(); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("expected ErrSessionEnded on append, got %v", err)
	}
	if err := lc.end(); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("expected ErrSessionEnded on second end, got %v", err)
	}
	if lc.state != StateEnded {
		t.Errorf("expected state to stay ENDED, got %v", lc.state)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateCreated, "CREATED"},
		{StateActive, "ACTIVE"},
		{StateEnded, "ENDED"},
		{State(99), "UNKNOWN(99)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.expected)
			}
		})
	}
}
