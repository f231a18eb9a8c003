package sshmanager

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/sshconn"
	"github.com/gluk-w/sshdeck/internal/ssherr"
	"github.com/gluk-w/sshdeck/internal/sshevents"
	"github.com/gluk-w/sshdeck/internal/sshterminal"
	"github.com/gluk-w/sshdeck/internal/transport"
	"github.com/google/uuid"
)

// ConnectionManager owns all connections and their states. Lock order is
// connMu before stateMu.
type ConnectionManager struct {
	bus  *sshevents.Bus
	opts sshconn.Options

	connMu sync.RWMutex
	conns  map[string]*sshconn.Connection

	stateMu   sync.RWMutex
	states    map[string]*stateEntry
	callbacks []StateChangeCallback

	limiter *RateLimiter
	tasks   sync.WaitGroup
}

// NewConnectionManager creates an empty registry. Every connection publishes
// to bus and is built with opts; opts.OnLost is owned by the registry.
func NewConnectionManager(bus *sshevents.Bus, opts sshconn.Options) *ConnectionManager {
	m := &ConnectionManager{
		bus:     bus,
		conns:   make(map[string]*sshconn.Connection),
		states:  make(map[string]*stateEntry),
		limiter: NewRateLimiter(),
	}
	opts.OnLost = m.handleLost
	m.opts = opts
	return m
}

// CreateConnection validates cfg, registers the connection as Connecting and
// starts connecting in the background. It returns the connection id without
// waiting for the outcome.
func (m *ConnectionManager) CreateConnection(cfg sshconn.ConnectionConfig) (string, error) {
	if errs := cfg.Validate(); errs != nil {
		return "", errs
	}
	c, err := m.register(cfg)
	if err != nil {
		return "", err
	}

	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		// the outcome is recorded in the state and on the bus
		m.connect(context.Background(), c)
	}()
	return c.ID(), nil
}

// AddConnection validates and registers cfg as Disconnected without
// connecting.
func (m *ConnectionManager) AddConnection(cfg sshconn.ConnectionConfig) (string, error) {
	if errs := cfg.Validate(); errs != nil {
		return "", errs
	}
	c, err := m.registerWithStatus(cfg, StatusDisconnected, "added")
	if err != nil {
		return "", err
	}
	return c.ID(), nil
}

func (m *ConnectionManager) register(cfg sshconn.ConnectionConfig) (*sshconn.Connection, error) {
	return m.registerWithStatus(cfg, StatusConnecting, "created")
}

func (m *ConnectionManager) registerWithStatus(cfg sshconn.ConnectionConfig, status Status, reason string) (*sshconn.Connection, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	c := sshconn.New(cfg, m.bus, m.opts)

	m.connMu.Lock()
	defer m.connMu.Unlock()
	if _, exists := m.conns[cfg.ID]; exists {
		return nil, ssherr.New(ssherr.Validation, "Connection %s already exists", cfg.ID)
	}
	m.stateMu.Lock()
	m.states[cfg.ID] = newStateEntry(cfg.ID, status, reason)
	m.stateMu.Unlock()
	m.conns[cfg.ID] = c

	log.Printf("[registry] registered connection %s (%s@%s)", cfg.ID,
		logging.Sanitize(cfg.Username), logging.Sanitize(cfg.Address()))
	return c, nil
}

// connect runs one rate-limited connect attempt and records its outcome.
func (m *ConnectionManager) connect(ctx context.Context, c *sshconn.Connection) error {
	id := c.ID()
	var allowErr error
	if !m.whileRegistered(c, func() { allowErr = m.limiter.Allow(id) }) {
		return ssherr.ConnectionNotFound(id)
	}
	if allowErr != nil {
		msg := allowErr.Error()
		m.bus.Publish(sshevents.Error(id, msg))
		m.setStateFor(c, StatusError, msg, "")
		return allowErr
	}

	err := c.Connect(ctx)
	switch {
	case err == nil:
		m.whileRegistered(c, func() { m.limiter.RecordSuccess(id) })
		m.setStateFor(c, StatusConnected, "", "connected")
	case errors.Is(err, sshconn.ErrConnectInProgress):
		// the running attempt records its own outcome
	default:
		m.whileRegistered(c, func() { m.limiter.RecordFailure(id) })
		m.setStateFor(c, StatusError, err.Error(), "")
	}
	return err
}

// whileRegistered runs fn under the registry read lock if c is still the
// handle registered for its id. RemoveConnection resets the limiter under the
// write lock, so an attempt that outlives its connection records nothing.
func (m *ConnectionManager) whileRegistered(c *sshconn.Connection, fn func()) bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	if m.conns[c.ID()] != c {
		return false
	}
	fn()
	return true
}

// ConnectExisting connects a registered connection and waits for the outcome,
// which is both recorded in the state and returned.
func (m *ConnectionManager) ConnectExisting(ctx context.Context, id string) error {
	c, err := m.GetConnection(id)
	if err != nil {
		return err
	}
	if c.IsConnected() {
		m.setStateFor(c, StatusConnected, "", "connect requested")
		return nil
	}
	m.setStateFor(c, StatusConnecting, "", "connect requested")
	return m.connect(ctx, c)
}

// DisconnectConnection disconnects the connection and records Disconnected.
func (m *ConnectionManager) DisconnectConnection(id string) error {
	c, err := m.GetConnection(id)
	if err != nil {
		return err
	}
	err = c.Disconnect()
	m.setStateFor(c, StatusDisconnected, "", "disconnect requested")
	return err
}

// RemoveConnection closes the connection, ignoring teardown errors, and
// deletes its handle and state together.
func (m *ConnectionManager) RemoveConnection(id string) error {
	c, err := m.GetConnection(id)
	if err != nil {
		return err
	}
	if err := c.Close(); err != nil {
		log.Printf("[registry] teardown of connection %s: %v", id, err)
	}

	m.connMu.Lock()
	if m.conns[id] == c {
		delete(m.conns, id)
		m.stateMu.Lock()
		delete(m.states, id)
		m.stateMu.Unlock()
		m.limiter.Reset(id)
	}
	m.connMu.Unlock()

	log.Printf("[registry] removed connection %s", id)
	return nil
}

// handleLost records the loss of an established transport.
func (m *ConnectionManager) handleLost(id, reason string) {
	m.connMu.RLock()
	c, ok := m.conns[id]
	m.connMu.RUnlock()
	if !ok {
		return
	}
	m.setStateFor(c, StatusError, reason, "")
}

// setStateFor updates the state of c if c is still the registered handle for
// its id. Removed connections are never recreated.
func (m *ConnectionManager) setStateFor(c *sshconn.Connection, status Status, errMsg, reason string) {
	id := c.ID()

	m.connMu.RLock()
	if m.conns[id] != c {
		m.connMu.RUnlock()
		return
	}
	m.stateMu.Lock()
	entry, ok := m.states[id]
	if !ok {
		m.stateMu.Unlock()
		m.connMu.RUnlock()
		return
	}
	from, changed := entry.apply(status, errMsg, reason)
	var cbs []StateChangeCallback
	if changed {
		cbs = make([]StateChangeCallback, len(m.callbacks))
		copy(cbs, m.callbacks)
	}
	m.stateMu.Unlock()
	m.connMu.RUnlock()

	if !changed {
		return
	}
	if status == StatusError {
		log.Printf("[registry] connection %s: %s -> %s: %s", id, from, status, errMsg)
	} else {
		log.Printf("[registry] connection %s: %s -> %s", id, from, status)
	}
	if reason == "" {
		reason = errMsg
	}
	for _, cb := range cbs {
		cb(id, from, status, reason)
	}
}

// GetConnection returns the connection handle.
func (m *ConnectionManager) GetConnection(id string) (*sshconn.Connection, error) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, ssherr.ConnectionNotFound(id)
	}
	return c, nil
}

// GetConnectionState returns a copy of the connection's state.
func (m *ConnectionManager) GetConnectionState(id string) (ConnectionState, error) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	entry, ok := m.states[id]
	if !ok {
		return ConnectionState{}, ssherr.ConnectionNotFound(id)
	}
	return entry.state, nil
}

// GetStateTransitions returns up to the last 50 status changes, oldest first.
func (m *ConnectionManager) GetStateTransitions(id string) ([]StateTransition, error) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	entry, ok := m.states[id]
	if !ok {
		return nil, ssherr.ConnectionNotFound(id)
	}
	return entry.history(), nil
}

// OnStateChange registers a callback invoked on every status change.
func (m *ConnectionManager) OnStateChange(cb StateChangeCallback) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// ListConnections returns every connection, oldest first.
func (m *ConnectionManager) ListConnections() []*sshconn.Connection {
	ids := m.ListConnectionIDs()
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	result := make([]*sshconn.Connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.conns[id]; ok {
			result = append(result, c)
		}
	}
	return result
}

// ListConnectionStates returns a consistent snapshot of every state, oldest
// connection first.
func (m *ConnectionManager) ListConnectionStates() []ConnectionState {
	m.stateMu.RLock()
	entries := make([]*stateEntry, 0, len(m.states))
	for _, e := range m.states {
		entries = append(entries, e)
	}
	sortEntries(entries)
	result := make([]ConnectionState, len(entries))
	for i, e := range entries {
		result[i] = e.state
	}
	m.stateMu.RUnlock()
	return result
}

// ListConnectionIDs returns every connection id, oldest connection first.
func (m *ConnectionManager) ListConnectionIDs() []string {
	states := m.ListConnectionStates()
	ids := make([]string, len(states))
	for i, s := range states {
		ids[i] = s.ID
	}
	return ids
}

func sortEntries(entries []*stateEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].createdAt.Equal(entries[j].createdAt) {
			return entries[i].state.ID < entries[j].state.ID
		}
		return entries[i].createdAt.Before(entries[j].createdAt)
	})
}

// IsConnected reports whether the connection exists and holds a live session.
func (m *ConnectionManager) IsConnected(id string) bool {
	c, err := m.GetConnection(id)
	return err == nil && c.IsConnected()
}

// GetSessionInfo returns "user@host:port" for a connected connection, or ""
// when it is not connected.
func (m *ConnectionManager) GetSessionInfo(id string) (string, error) {
	c, err := m.GetConnection(id)
	if err != nil {
		return "", err
	}
	info, _ := c.SessionInfo()
	return info, nil
}

// ResetRateLimit clears the connect attempt history of a connection.
func (m *ConnectionManager) ResetRateLimit(id string) error {
	if _, err := m.GetConnection(id); err != nil {
		return err
	}
	m.limiter.Reset(id)
	return nil
}

// Count returns the number of registered connections.
func (m *ConnectionManager) Count() int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return len(m.conns)
}

// CreateTerminalSession opens a terminal on a connection.
func (m *ConnectionManager) CreateTerminalSession(ctx context.Context, connID string) (string, error) {
	c, err := m.GetConnection(connID)
	if err != nil {
		return "", err
	}
	return c.CreateTerminal(ctx)
}

func (m *ConnectionManager) SendTerminalInput(connID, terminalID string, data []byte) error {
	c, err := m.GetConnection(connID)
	if err != nil {
		return err
	}
	return c.SendInput(terminalID, data)
}

func (m *ConnectionManager) ResizeTerminal(connID, terminalID string, size transport.WindowSize) error {
	c, err := m.GetConnection(connID)
	if err != nil {
		return err
	}
	return c.ResizeTerminal(terminalID, size)
}

func (m *ConnectionManager) CloseTerminalSession(connID, terminalID string) error {
	c, err := m.GetConnection(connID)
	if err != nil {
		return err
	}
	return c.CloseTerminal(terminalID)
}

// GetTerminalSession returns a terminal's state, or NotFound.
func (m *ConnectionManager) GetTerminalSession(connID, terminalID string) (sshterminal.Info, error) {
	c, err := m.GetConnection(connID)
	if err != nil {
		return sshterminal.Info{}, err
	}
	info, ok := c.GetTerminal(terminalID)
	if !ok {
		return sshterminal.Info{}, ssherr.TerminalNotFound(terminalID)
	}
	return info, nil
}

func (m *ConnectionManager) ListTerminalSessions(connID string) ([]sshterminal.Info, error) {
	c, err := m.GetConnection(connID)
	if err != nil {
		return nil, err
	}
	return c.ListTerminals(), nil
}

// TerminalScrollback returns the retained output of a terminal and the stream
// offset just past it.
func (m *ConnectionManager) TerminalScrollback(connID, terminalID string) ([]byte, uint64, error) {
	c, err := m.GetConnection(connID)
	if err != nil {
		return nil, 0, err
	}
	return c.TerminalScrollback(terminalID)
}

// TerminalCount returns the number of open terminals across all connections.
func (m *ConnectionManager) TerminalCount() int {
	n := 0
	for _, c := range m.ListConnections() {
		n += c.TerminalCount()
	}
	return n
}

// CloseAll removes every connection and waits for background connect
// attempts to finish, or for ctx to end.
func (m *ConnectionManager) CloseAll(ctx context.Context) error {
	for _, id := range m.ListConnectionIDs() {
		m.RemoveConnection(id)
	}

	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
