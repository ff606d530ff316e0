package refresh

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a run is moved to a state it cannot
// reach from its current one.
var ErrIllegalTransition = errors.New("illegal state transition")

// State is the lifecycle position of a run.
type State string

const (
	StateIdle            State = "idle"
	StateRunning         State = "running"
	StateCompleted       State = "completed"
	StatePartiallyFailed State = "partially_failed"
	StateCancelled       State = "cancelled"
	// StateFailed is reserved for runs that could not be planned.
	StateFailed State = "failed"
)

var transitions = map[State][]State{
	StateIdle:    {StateRunning},
	StateRunning: {StateCompleted, StatePartiallyFailed, StateCancelled, StateFailed},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StatePartiallyFailed, StateCancelled, StateFailed:
		return true
	}
	return false
}

// CanTransition reports whether to is reachable from s.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// transition returns to, or ErrIllegalTransition.
func (s State) transition(to State) (State, error) {
	if !s.CanTransition(to) {
		return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, to)
	}
	return to, nil
}
