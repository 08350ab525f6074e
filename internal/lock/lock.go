// Package lock serializes conflicting operations per user. Each user owns at
// most one active operation at a time; a second request fails fast with the
// current state so the caller can tell the user to retry, instead of growing
// an invisible queue.
//
// The table is memory-only on purpose: after a restart every user starts
// Idle and in-flight work must be resubmitted, which beats waking up with a
// stale lock nobody can release.
package lock

import (
	"errors"
	"fmt"
	"sync"
)

// State is a user's processing state.
type State string

const (
	Idle          State = "idle"
	AwaitingBatch State = "awaiting_batch" // accumulator window open
	Processing    State = "processing"     // match pipeline running
	EventRunning  State = "event_running"  // bulk pipeline running
)

// ErrBusy is returned when a user already holds a non-idle state.
var ErrBusy = errors.New("operation already in progress")

// BusyError wraps ErrBusy with the state that blocked the acquisition.
type BusyError struct {
	Current State
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("operation already in progress (state %s)", e.Current)
}

func (e *BusyError) Unwrap() error {
	return ErrBusy
}

// Table maps users to their processing state with compare-and-swap
// transitions.
type Table struct {
	mu     sync.Mutex
	states map[int64]State
}

// NewTable creates an empty lock table; every user is Idle.
func NewTable() *Table {
	return &Table{states: make(map[int64]State)}
}

// Get returns the user's current state.
func (t *Table) Get(userID int64) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[userID]; ok {
		return s
	}
	return Idle
}

// Acquire transitions the user from Idle to the desired state. It fails
// with a BusyError carrying the current state when the user is not Idle.
func (t *Table) Acquire(userID int64, desired State) error {
	if desired == Idle {
		return errors.New("cannot acquire Idle")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.states[userID]
	if ok && current != Idle {
		return &BusyError{Current: current}
	}
	t.states[userID] = desired
	return nil
}

// Transition swaps the user's state from one active state to another, e.g.
// AwaitingBatch to Processing when the accumulator flushes. It fails when
// the user is not in the expected state.
func (t *Table) Transition(userID int64, from, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.states[userID]
	if !ok {
		current = Idle
	}
	if current != from {
		return fmt.Errorf("state is %s, expected %s", current, from)
	}
	if to == Idle {
		delete(t.states, userID)
	} else {
		t.states[userID] = to
	}
	return nil
}

// Release returns the user to Idle regardless of current state. Releasing
// an already idle user is a no-op.
func (t *Table) Release(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, userID)
}
