package sshterminal

import (
	"sync"
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	StateCreated        State = "created"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateClosed         State = "closed"
)

func (s State) String() string { return string(s) }

// StateTransition records a state change for debugging.
type StateTransition struct {
	From      State
	To        State
	Timestamp time.Time
}

// maxTransitions limits the transitions kept per session.
const maxTransitions = 16

// stateTracker holds one session's state and a short transition history.
// Closed is terminal.
type stateTracker struct {
	mu          sync.RWMutex
	state       State
	transitions []StateTransition
}

func newStateTracker() *stateTracker {
	return &stateTracker{state: StateCreated}
}

func (t *stateTracker) get() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// set moves to next and returns the previous state. Nothing leaves Closed.
func (t *stateTracker) set(next State) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.state
	if prev == next || prev == StateClosed {
		return prev
	}
	t.state = next
	t.transitions = append(t.transitions, StateTransition{From: prev, To: next, Timestamp: time.Now()})
	if len(t.transitions) > maxTransitions {
		t.transitions = t.transitions[len(t.transitions)-maxTransitions:]
	}
	return prev
}

func (t *stateTracker) history() []StateTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]StateTransition, len(t.transitions))
	copy(out, t.transitions)
	return out
}
