package sshmanager

import (
	"time"
)

// Status is the externally visible status of a connection.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// ConnectionState is a snapshot of a connection's status. Error is set iff
// Status is StatusError.
type ConnectionState struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	Error        string    `json:"error,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// stateTransitionBufferSize is the maximum number of state transitions stored
// per connection for debugging.
const stateTransitionBufferSize = 50

// StateTransition records a single state change for debugging.
type StateTransition struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// StateChangeCallback is called when a connection state changes.
// Callbacks are invoked synchronously, outside the registry's locks.
type StateChangeCallback func(connID string, from, to Status, reason string)

// stateEntry tracks the current state and transition history for one connection.
type stateEntry struct {
	state       ConnectionState
	createdAt   time.Time
	transitions [stateTransitionBufferSize]StateTransition // fixed-size ring buffer
	head        int                                        // next write position
	count       int                                        // entries written, capped at buffer size
}

func newStateEntry(id string, status Status, reason string) *stateEntry {
	now := time.Now()
	e := &stateEntry{
		state:     ConnectionState{ID: id, Status: StatusDisconnected, LastActivity: now},
		createdAt: now,
	}
	e.apply(status, "", reason)
	return e
}

// apply moves the entry to status. Status and error change together; any
// status other than StatusError clears the error. It reports the previous
// status and whether anything changed.
func (e *stateEntry) apply(status Status, errMsg, reason string) (Status, bool) {
	from := e.state.Status
	if status != StatusError {
		errMsg = ""
	}
	e.state.LastActivity = time.Now()
	if from == status && e.state.Error == errMsg {
		return from, false
	}
	e.state.Status = status
	e.state.Error = errMsg
	if reason == "" {
		reason = errMsg
	}
	e.record(from, status, reason)
	return from, true
}

// record adds a state transition to the ring buffer.
func (e *stateEntry) record(from, to Status, reason string) {
	e.transitions[e.head] = StateTransition{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	e.head = (e.head + 1) % stateTransitionBufferSize
	if e.count < stateTransitionBufferSize {
		e.count++
	}
}

// history returns the state transitions in chronological order.
func (e *stateEntry) history() []StateTransition {
	if e.count == 0 {
		return nil
	}

	result := make([]StateTransition, e.count)
	if e.count < stateTransitionBufferSize {
		// Buffer not yet full, entries start at index 0.
		copy(result, e.transitions[:e.count])
	} else {
		// Buffer is full, head is the oldest entry.
		n := copy(result, e.transitions[e.head:])
		copy(result[n:], e.transitions[:e.head])
	}
	return result
}
