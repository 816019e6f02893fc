package types

import "fmt"

// State is the lifecycle state of a scan
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateDraining  State = "draining"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// States lists every lifecycle state in transition order
var States = []State{StatePending, StateRunning, StateDraining, StateSucceeded, StateFailed}

// rank orders states so transitions can only move forward.
// Both terminal states share the highest rank.
func (s State) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateRunning:
		return 1
	case StateDraining:
		return 2
	case StateSucceeded, StateFailed:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	return s.rank() >= 0
}

// IsTerminal reports whether no transition can leave s
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// CanTransition reports whether moving from s to next is allowed.
// Transitions never regress, terminal states are final and
// succeeded is only reachable from draining.
func (s State) CanTransition(next State) bool {
	if !s.Valid() || !next.Valid() || s.IsTerminal() {
		return false
	}
	if next == StateSucceeded {
		return s == StateDraining
	}
	return next.rank() > s.rank()
}

// ParseState converts a string into a State
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown lifecycle state %q", v)
	}
	return s, nil
}
