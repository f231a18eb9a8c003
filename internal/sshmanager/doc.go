// Package sshmanager is the registry of SSH connections.
//
// A [ConnectionManager] owns every [sshconn.Connection] and its externally
// visible [ConnectionState], each map behind its own lock. Locks are held only
// for the lookup, insert or remove itself; dialing, authentication and I/O run
// outside them with a reference to the one connection involved, so a slow
// handshake never blocks reads of unrelated connections.
//
// # Connection lifecycle
//
// [ConnectionManager.CreateConnection] validates the configuration, records
// the state Connecting and returns the id immediately. A background goroutine
// connects and records Connected or Error; callers learn the outcome by
// polling the state or consuming the event bus. [ConnectionManager.ConnectExisting]
// is the synchronous variant and also returns the error.
//
// [ConnectionManager.RemoveConnection] closes the connection (cancelling an
// in-flight attempt) and deletes the handle and the state together. A
// background attempt that finishes after removal never recreates the state.
//
// Loss of an established transport is reported by the connection and recorded
// as Error with the loss reason.
//
// # State history
//
// Every status change is kept in a per-connection ring buffer of 50
// transitions ([ConnectionManager.GetStateTransitions]) and passed to the
// callbacks registered with [ConnectionManager.OnStateChange].
//
// # Rate limiting
//
// Connect attempts are limited per connection by [RateLimiter]: at most 10
// per minute, and after 5 consecutive failures the connection is blocked
// with an escalating cooldown capped at 5 minutes.
package sshmanager
