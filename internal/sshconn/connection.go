// Package sshconn holds a single SSH connection: its immutable configuration,
// the transport session state machine and the terminal sessions multiplexed
// over it.
//
// A Connection is Disconnected until Connect succeeds. Connect validates the
// configuration, dials, verifies the host key with the configured policy and
// authenticates. Disconnect tears down in order: terminals, then the transport
// session. Both are safe to call from many goroutines.
package sshconn

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/ssherr"
	"github.com/gluk-w/sshdeck/internal/sshevents"
	"github.com/gluk-w/sshdeck/internal/sshkeys"
	"github.com/gluk-w/sshdeck/internal/sshterminal"
	"github.com/gluk-w/sshdeck/internal/transport"
)

// ErrConnectInProgress is returned by Connect while another attempt on the
// same connection is running.
var ErrConnectInProgress = ssherr.New(ssherr.StateFailure, "connection attempt already in progress")

// Options are the dependencies and tunables shared by every connection.
type Options struct {
	Dialer        transport.Dialer
	HostKeyPolicy sshkeys.HostKeyPolicy

	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	InactivityTimeout time.Duration
	ScrollbackBytes   int

	// OnLost is called from a background goroutine after an established
	// session was lost and its terminals were closed.
	OnLost func(connID string, reason string)
}

// Connection is one SSH connection and the terminals running over it.
type Connection struct {
	id     string
	config ConnectionConfig
	bus    *sshevents.Bus
	opts   Options

	terminals *sshterminal.Manager

	mu            sync.Mutex
	session       transport.Session
	connected     bool
	connecting    bool
	closed        bool
	cancelConnect context.CancelFunc
}

// New creates a disconnected connection. cfg.ID must be set.
func New(cfg ConnectionConfig, bus *sshevents.Bus, opts Options) *Connection {
	if opts.Dialer == nil {
		opts.Dialer = transport.SSHDialer{}
	}
	if opts.HostKeyPolicy == nil {
		opts.HostKeyPolicy = sshkeys.InsecurePolicy{}
	}
	c := &Connection{
		id:     cfg.ID,
		config: cfg,
		bus:    bus,
		opts:   opts,
	}
	c.terminals = sshterminal.NewManager(cfg.ID, c, bus)
	if opts.ScrollbackBytes > 0 {
		c.terminals.ScrollbackSize = opts.ScrollbackBytes
	}
	return c
}

func (c *Connection) ID() string { return c.id }

// Config returns a copy of the connection's configuration.
func (c *Connection) Config() ConnectionConfig { return c.config }

// Connect establishes the transport session. It is a no-op when already
// connected and fails with a StateFailure while another attempt is running.
// Every failure is also published as an Error event.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ssherr.New(ssherr.StateFailure, "connection %s has been removed", c.id)
	case c.connected && c.session != nil:
		c.mu.Unlock()
		return nil
	case c.connecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	ctx, cancel := context.WithCancel(ctx)
	c.connecting = true
	c.cancelConnect = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.cancelConnect = nil
		c.mu.Unlock()
		cancel()
	}()

	sess, err := c.dial(ctx)
	if err != nil {
		log.Printf("[ssh] connection %s to %s failed: %v", c.id, logging.Sanitize(c.config.Address()), err)
		c.bus.Publish(sshevents.Error(c.id, err.Error()))
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sess.Close()
		err := ssherr.New(ssherr.StateFailure, "connection %s was removed while connecting", c.id)
		c.bus.Publish(sshevents.Error(c.id, err.Error()))
		return err
	}
	c.session = sess
	c.connected = true
	c.mu.Unlock()

	c.bus.Publish(sshevents.Connected(c.id))
	go c.watch(sess)
	return nil
}

func (c *Connection) dial(ctx context.Context) (transport.Session, error) {
	if errs := c.config.Validate(); errs != nil {
		return nil, errs
	}

	dc := transport.DialConfig{
		Address:           c.config.Address(),
		User:              c.config.Username,
		Timeout:           c.opts.ConnectTimeout,
		KeepaliveInterval: c.opts.KeepaliveInterval,
		InactivityTimeout: c.opts.InactivityTimeout,
	}
	switch c.config.AuthMethod {
	case AuthPassword:
		dc.Auth = transport.AuthPassword
		dc.Password = c.config.Password
	case AuthPublicKey:
		signer, err := sshkeys.LoadSigner(c.config.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		dc.Auth = transport.AuthPublicKey
		dc.Signer = signer
	case AuthAgent:
		dc.Auth = transport.AuthAgent
	default:
		return nil, ssherr.New(ssherr.Unimplemented, "authentication method %q is not supported", c.config.AuthMethod)
	}

	hostKeyCallback, err := c.opts.HostKeyPolicy.HostKeyCallback()
	if err != nil {
		return nil, ssherr.Wrap(ssherr.TransportFailure, err, "host key policy %s", c.opts.HostKeyPolicy.Name())
	}
	dc.HostKeyCallback = hostKeyCallback

	return c.opts.Dialer.Dial(ctx, dc)
}

// watch waits for sess to end. A session that ends without a local
// Disconnect is treated as lost.
func (c *Connection) watch(sess transport.Session) {
	<-sess.Done()
	reason := sess.Err()
	if reason == nil {
		return
	}

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.connected = false
	c.mu.Unlock()

	c.terminals.CloseAllForConnection(c.id)
	msg := fmt.Sprintf("connection lost: %v", reason)
	c.bus.Publish(sshevents.Error(c.id, msg))
	c.bus.Publish(sshevents.Disconnected(c.id))
	log.Printf("[ssh] connection %s %s", c.id, msg)

	if c.opts.OnLost != nil {
		c.opts.OnLost(c.id, msg)
	}
}

// Disconnect closes every terminal, then the transport session, and
// publishes Disconnected. Calling it on a connection that is not connected
// does nothing.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.connected = false
		c.mu.Unlock()
		return nil
	}
	c.session = nil
	c.connected = false
	c.mu.Unlock()

	c.terminals.CloseAllForConnection(c.id)

	var err error
	if cerr := sess.Close(); cerr != nil {
		err = ssherr.Wrap(ssherr.TransportFailure, cerr, "close SSH session of connection %s", c.id)
	}
	c.bus.Publish(sshevents.Disconnected(c.id))
	log.Printf("[ssh] connection %s disconnected", c.id)
	return err
}

// Close disconnects and marks the connection removed. An in-flight Connect
// is cancelled, and a handshake that completes anyway is torn down at once.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancelConnect
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.Disconnect()
}

// IsConnected reports whether a live transport session is held.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.session != nil
}

// SessionInfo returns "user@host:port" while connected.
func (c *Connection) SessionInfo() (string, bool) {
	if !c.IsConnected() {
		return "", false
	}
	return fmt.Sprintf("%s@%s:%d", c.config.Username, c.config.Hostname, c.config.Port), true
}

// TransportSession implements sshterminal.SessionProvider.
func (c *Connection) TransportSession() (transport.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.connected
}

// CreateTerminal opens a new terminal session and returns its id.
func (c *Connection) CreateTerminal(ctx context.Context) (string, error) {
	return c.terminals.CreateSession(ctx)
}

func (c *Connection) SendInput(terminalID string, data []byte) error {
	return c.terminals.SendInput(terminalID, data)
}

func (c *Connection) ResizeTerminal(terminalID string, size transport.WindowSize) error {
	return c.terminals.Resize(terminalID, size)
}

func (c *Connection) CloseTerminal(terminalID string) error {
	return c.terminals.CloseSession(terminalID)
}

func (c *Connection) GetTerminal(terminalID string) (sshterminal.Info, bool) {
	return c.terminals.GetSession(terminalID)
}

func (c *Connection) ListTerminals() []sshterminal.Info {
	return c.terminals.ListSessionsForConnection(c.id)
}

func (c *Connection) TerminalScrollback(terminalID string) ([]byte, uint64, error) {
	return c.terminals.Scrollback(terminalID)
}

func (c *Connection) TerminalCount() int {
	return c.terminals.Count()
}
