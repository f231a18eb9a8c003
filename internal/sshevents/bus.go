// Package sshevents carries lifecycle and data events out of the SSH core.
//
// A [Bus] is a bounded, ordered channel with many producers (every connection
// and terminal session holds the same *Bus) and a single consumer, the hosting
// application, which drains [Bus.Events] continuously.
//
// Events from one producer arrive in the order that producer published them.
// There is no total order across connections.
//
// # Backpressure
//
// With [PolicyDrop] (the default) Publish never blocks: when the buffer is
// full the event being published is discarded and counted in [Bus.Dropped].
// Consumers that need a complete history must use [PolicyBlock], where
// Publish waits for room or for the bus to close.
package sshevents

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventData            EventType = "data"
	EventError           EventType = "error"
	EventTerminalCreated EventType = "terminal_created"
	EventTerminalClosed  EventType = "terminal_closed"
	EventTerminalResized EventType = "terminal_resized"
)

// Event is an immutable notification. Which optional fields are set depends on
// Type: Data carries Data (and TerminalID and Offset, the position of its first
// byte in the terminal's output stream, when the bytes came from a terminal
// channel), Error carries Message, Terminal* carry TerminalID, and
// TerminalResized also carries Cols and Rows.
type Event struct {
	Type         EventType `json:"type"`
	ConnectionID string    `json:"connection_id"`
	TerminalID   string    `json:"terminal_id,omitempty"`
	Data         []byte    `json:"data,omitempty"`
	Offset       uint64    `json:"offset,omitempty"`
	Message      string    `json:"message,omitempty"`
	Cols         uint16    `json:"cols,omitempty"`
	Rows         uint16    `json:"rows,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e Event) String() string {
	switch e.Type {
	case EventData:
		return fmt.Sprintf("%s(%s, %d bytes)", e.Type, e.ConnectionID, len(e.Data))
	case EventError:
		return fmt.Sprintf("%s(%s, %q)", e.Type, e.ConnectionID, e.Message)
	case EventTerminalCreated, EventTerminalClosed:
		return fmt.Sprintf("%s(%s, %s)", e.Type, e.ConnectionID, e.TerminalID)
	case EventTerminalResized:
		return fmt.Sprintf("%s(%s, %s, %dx%d)", e.Type, e.ConnectionID, e.TerminalID, e.Cols, e.Rows)
	default:
		return fmt.Sprintf("%s(%s)", e.Type, e.ConnectionID)
	}
}

// Connected builds a Connected event.
func Connected(connID string) Event {
	return Event{Type: EventConnected, ConnectionID: connID}
}

// Disconnected builds a Disconnected event.
func Disconnected(connID string) Event {
	return Event{Type: EventDisconnected, ConnectionID: connID}
}

// Data builds a Data event. The slice is not copied; callers pass ownership.
func Data(connID, terminalID string, data []byte) Event {
	return Event{Type: EventData, ConnectionID: connID, TerminalID: terminalID, Data: data}
}

// Error builds an Error event.
func Error(connID, message string) Event {
	return Event{Type: EventError, ConnectionID: connID, Message: message}
}

// TerminalCreated builds a TerminalCreated event.
func TerminalCreated(connID, terminalID string) Event {
	return Event{Type: EventTerminalCreated, ConnectionID: connID, TerminalID: terminalID}
}

// TerminalClosed builds a TerminalClosed event.
func TerminalClosed(connID, terminalID string) Event {
	return Event{Type: EventTerminalClosed, ConnectionID: connID, TerminalID: terminalID}
}

// TerminalResized builds a TerminalResized event.
func TerminalResized(connID, terminalID string, cols, rows uint16) Event {
	return Event{Type: EventTerminalResized, ConnectionID: connID, TerminalID: terminalID, Cols: cols, Rows: rows}
}

// Policy selects what Publish does when the buffer is full.
type Policy string

const (
	PolicyDrop  Policy = "drop"
	PolicyBlock Policy = "block"
)

// ParsePolicy converts a config string to a Policy. Empty means PolicyDrop.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyDrop:
		return PolicyDrop, nil
	case PolicyBlock:
		return PolicyBlock, nil
	default:
		return "", fmt.Errorf("unknown event policy %q (want %q or %q)", s, PolicyDrop, PolicyBlock)
	}
}

// DefaultCapacity is the buffer size used when NewBus is given capacity <= 0.
const DefaultCapacity = 256

// Bus is the multi-producer/single-consumer event channel.
type Bus struct {
	ch     chan Event
	policy Policy

	// mu orders Publish against Close so nothing is sent on a closed channel.
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once

	dropped atomic.Uint64
}

// NewBus creates a bus with the given capacity and policy.
func NewBus(capacity int, policy Policy) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if policy == "" {
		policy = PolicyDrop
	}
	return &Bus{
		ch:     make(chan Event, capacity),
		policy: policy,
		done:   make(chan struct{}),
	}
}

// Publish sends an event, stamping its timestamp if unset. It reports whether
// the event was accepted. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(ev Event) bool {
	return b.publish(context.Background(), ev)
}

// PublishContext is Publish with a context bounding the wait under PolicyBlock.
func (b *Bus) PublishContext(ctx context.Context, ev Event) bool {
	return b.publish(ctx, ev)
}

func (b *Bus) publish(ctx context.Context, ev Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}

	if b.policy == PolicyBlock {
		select {
		case b.ch <- ev:
			return true
		case <-b.done:
			return false
		case <-ctx.Done():
			b.countDrop(ev)
			return false
		}
	}

	select {
	case b.ch <- ev:
		return true
	default:
		b.countDrop(ev)
		return false
	}
}

func (b *Bus) countDrop(ev Event) {
	n := b.dropped.Add(1)
	// Log the first drop and then every 1000th to avoid flooding the log.
	if n == 1 || n%1000 == 0 {
		log.Printf("[events] buffer full, dropped %s (total dropped: %d)", ev, n)
	}
}

// Events returns the receive side. It is closed by Close.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Dropped returns how many events were discarded.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Len returns the number of buffered events.
func (b *Bus) Len() int {
	return len(b.ch)
}

// Cap returns the buffer capacity.
func (b *Bus) Cap() int {
	return cap(b.ch)
}

// Close stops accepting events and closes the receive channel once in-flight
// publishes return. Buffered events can still be drained. Safe to call twice.
func (b *Bus) Close() {
	// Blocked publishers hold the read lock; release them first.
	b.closeOnce.Do(func() { close(b.done) })

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
