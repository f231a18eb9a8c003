package sshterminal

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/sshdeck/internal/ssherr"
	"github.com/gluk-w/sshdeck/internal/sshevents"
	"github.com/gluk-w/sshdeck/internal/transport"
	"github.com/google/uuid"
)

// SessionProvider gives a Manager access to the owning connection's
// transport session.
type SessionProvider interface {
	// TransportSession returns the live transport session (nil when there is
	// none) and whether the connection is marked connected.
	TransportSession() (transport.Session, bool)
}

// Manager tracks the terminal sessions of one connection.
type Manager struct {
	connID   string
	provider SessionProvider
	bus      *sshevents.Bus

	// ScrollbackSize is the max scrollback buffer size for new sessions.
	ScrollbackSize int

	mu       sync.RWMutex
	sessions map[string]*Terminal
}

// NewManager creates the terminal manager for connection connID.
func NewManager(connID string, provider SessionProvider, bus *sshevents.Bus) *Manager {
	return &Manager{
		connID:         connID,
		provider:       provider,
		bus:            bus,
		ScrollbackSize: defaultScrollbackSize,
		sessions:       make(map[string]*Terminal),
	}
}

// CreateSession opens a new terminal with the default window size and
// returns its id.
func (m *Manager) CreateSession(ctx context.Context) (string, error) {
	sess, connected := m.provider.TransportSession()
	if sess == nil {
		return "", ssherr.New(ssherr.StateFailure, "SSH session not available")
	}
	if !connected {
		return "", ssherr.New(ssherr.StateFailure, "SSH connection is not active")
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	t := &Terminal{
		ID:           uuid.New().String(),
		ConnectionID: m.connID,
		CreatedAt:    time.Now(),
		Scrollback:   NewScrollbackBuffer(m.ScrollbackSize),
		size:         transport.DefaultWindowSize,
		active:       true,
		input:        make(chan inputRequest),
		ctx:          taskCtx,
		cancel:       cancel,
	}

	m.mu.Lock()
	m.sessions[t.ID] = t
	m.mu.Unlock()

	ch, err := sess.OpenTerminal(ctx, transport.DefaultWindowSize)
	if err != nil {
		m.unregister(t)
		return "", err
	}

	t.mu.Lock()
	if !t.active {
		// closed while the channel was opening; nothing was announced
		t.mu.Unlock()
		ch.Close()
		return "", ssherr.New(ssherr.StateFailure, "terminal session %s was closed during creation", t.ID)
	}
	t.channel = ch
	t.tasks.Add(3)
	// published under t.mu so a concurrent close cannot announce
	// TerminalClosed first
	t.announced = true
	m.bus.Publish(sshevents.TerminalCreated(m.connID, t.ID))
	t.mu.Unlock()

	go t.runInput(ch)
	go m.relayOutput(t, ch.Stdout(), true)
	go m.relayOutput(t, ch.Stderr(), false)

	log.Printf("[session-mgr] created terminal %s for connection %s", t.ID, m.connID)
	return t.ID, nil
}

func (m *Manager) unregister(t *Terminal) {
	m.mu.Lock()
	if m.sessions[t.ID] == t {
		delete(m.sessions, t.ID)
	}
	m.mu.Unlock()
	t.deactivate()
	t.cancel()
}

// relayOutput publishes channel output as Data events and keeps it in the
// scrollback. When stdout ends the remote shell is gone and the session is
// closed.
//
// The stdout and stderr relays share t.outMu, so Data events are published in
// scrollback order and each carries its scrollback offset. The relative order
// of stdout and stderr bytes is the order in which the two readers returned
// them: x/crypto buffers the two streams of a channel separately and does not
// expose their interleaving on the wire.
func (m *Manager) relayOutput(t *Terminal, r io.Reader, primary bool) {
	defer t.tasks.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.outMu.Lock()
			ev := sshevents.Data(m.connID, t.ID, data)
			ev.Offset = t.Scrollback.Write(data)
			// nothing is published once the terminal is closing
			if t.ctx.Err() == nil {
				m.bus.PublishContext(t.ctx, ev)
			}
			t.outMu.Unlock()
		}
		if err != nil {
			if !primary {
				return
			}
			if t.ctx.Err() == nil {
				log.Printf("[session-mgr] terminal %s output ended: %v", t.ID, err)
				// CloseSession waits for this goroutine, so it cannot run inline.
				go func() {
					if err := m.CloseSession(t.ID); err != nil && !ssherr.Is(err, ssherr.NotFound) {
						log.Printf("[session-mgr] close terminal %s after remote exit: %v", t.ID, err)
					}
				}()
			}
			return
		}
	}
}

func (m *Manager) lookup(terminalID string) (*Terminal, error) {
	m.mu.RLock()
	t, ok := m.sessions[terminalID]
	m.mu.RUnlock()
	if !ok {
		return nil, ssherr.TerminalNotFound(terminalID)
	}
	return t, nil
}

// SendInput forwards data to the terminal's channel exactly once. Concurrent
// sends to the same terminal are written in the order they are queued.
func (m *Manager) SendInput(terminalID string, data []byte) error {
	t, err := m.lookup(terminalID)
	if err != nil {
		return err
	}
	if len(data) > MaxInputMessageSize {
		return ssherr.New(ssherr.Validation, "input of %d bytes exceeds the %d byte limit", len(data), MaxInputMessageSize)
	}
	if t.attachedChannel() == nil {
		return ssherr.New(ssherr.StateFailure, "SSH channel not available for terminal %s", terminalID)
	}
	if len(data) == 0 {
		return nil
	}

	req := inputRequest{data: append([]byte(nil), data...), reply: make(chan error, 1)}
	select {
	case t.input <- req:
	case <-t.ctx.Done():
		return ssherr.New(ssherr.StateFailure, "terminal session %s is closed", terminalID)
	}
	select {
	case err := <-req.reply:
		return err
	case <-t.ctx.Done():
		// runInput may still be stuck writing to a peer that stopped reading
		select {
		case err := <-req.reply:
			return err
		default:
			return ssherr.New(ssherr.StateFailure, "terminal session %s is closed", terminalID)
		}
	}
}

// Resize records the new size, sends a window-change to the channel if one is
// attached and publishes TerminalResized.
func (m *Manager) Resize(terminalID string, size transport.WindowSize) error {
	t, err := m.lookup(terminalID)
	if err != nil {
		return err
	}
	if size.Cols == 0 || size.Rows == 0 {
		return ssherr.New(ssherr.Validation, "terminal size must be at least 1x1, got %dx%d", size.Cols, size.Rows)
	}
	if size.Cols > MaxResizeCols || size.Rows > MaxResizeRows {
		return ssherr.New(ssherr.Validation, "terminal size %dx%d exceeds the %dx%d limit", size.Cols, size.Rows, MaxResizeCols, MaxResizeRows)
	}

	t.mu.Lock()
	t.size = size
	ch := t.channel
	t.mu.Unlock()

	if ch != nil {
		if err := ch.WindowChange(size); err != nil {
			return err
		}
	}
	m.bus.Publish(sshevents.TerminalResized(m.connID, terminalID, size.Cols, size.Rows))
	return nil
}

// closeWait bounds how long CloseSession waits for a terminal's goroutines.
// Output readers only see EOF once the peer acknowledges the channel close, so
// against an unresponsive peer they stay blocked until the transport session
// itself is closed.
var closeWait = 2 * time.Second

// CloseSession tears the terminal down and publishes TerminalClosed. Only the
// caller that removes the entry does the teardown; a concurrent second close
// gets NotFound.
func (m *Manager) CloseSession(terminalID string) error {
	m.mu.Lock()
	t, ok := m.sessions[terminalID]
	if ok {
		delete(m.sessions, terminalID)
	}
	m.mu.Unlock()
	if !ok {
		return ssherr.TerminalNotFound(terminalID)
	}

	ch, announced := t.deactivate()
	// cancel first so the relays treat the EOF below as a local close
	t.cancel()
	var closeErr error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, io.EOF) {
			closeErr = ssherr.Wrap(ssherr.TransportFailure, err, "close channel of terminal %s", terminalID)
		}
	}
	m.awaitTasks(t)

	if announced {
		m.bus.Publish(sshevents.TerminalClosed(m.connID, terminalID))
	}
	log.Printf("[session-mgr] closed terminal %s", terminalID)
	return closeErr
}

func (m *Manager) awaitTasks(t *Terminal) {
	done := make(chan struct{})
	go func() {
		t.tasks.Wait()
		close(done)
	}()
	timer := time.NewTimer(closeWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Printf("[session-mgr] terminal %s: peer did not acknowledge close within %s", t.ID, closeWait)
	}
}

// GetSession returns a copy of the terminal's state.
func (m *Manager) GetSession(terminalID string) (Info, bool) {
	t, err := m.lookup(terminalID)
	if err != nil {
		return Info{}, false
	}
	return t.info(), true
}

// Scrollback returns the terminal's buffered output.
// The returned offset is the stream position just past the last byte, for
// matching against the Offset of later Data events.
func (m *Manager) Scrollback(terminalID string) ([]byte, uint64, error) {
	t, err := m.lookup(terminalID)
	if err != nil {
		return nil, 0, err
	}
	data, end := t.Scrollback.SnapshotWithOffset()
	return data, end, nil
}

// ListSessionsForConnection returns every terminal of connID, oldest first.
func (m *Manager) ListSessionsForConnection(connID string) []Info {
	m.mu.RLock()
	var ts []*Terminal
	for _, t := range m.sessions {
		if t.ConnectionID == connID {
			ts = append(ts, t)
		}
	}
	m.mu.RUnlock()

	result := make([]Info, 0, len(ts))
	for _, t := range ts {
		result = append(result, t.info())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// CloseAllForConnection closes every terminal of connID concurrently,
// continuing past individual failures. It returns the number of terminals
// closed.
func (m *Manager) CloseAllForConnection(connID string) int {
	m.mu.RLock()
	var ids []string
	for id, t := range m.sessions {
		if t.ConnectionID == connID {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		closed int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := m.CloseSession(id)
			if ssherr.Is(err, ssherr.NotFound) {
				// closed concurrently
				return
			}
			if err != nil {
				log.Printf("[session-mgr] close terminal %s: %v", id, err)
			}
			mu.Lock()
			closed++
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return closed
}

// Count returns the number of registered terminals.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
