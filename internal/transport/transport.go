// Package transport is the boundary between sshdeck and the SSH protocol
// library. It dials and authenticates a transport session, opens PTY-backed
// shell channels on it, and watches the session with keepalives so a dead
// peer is noticed.
//
// Everything above this package talks to the [Dialer], [Session] and
// [Channel] interfaces; [SSHDialer] implements them on golang.org/x/crypto/ssh.
package transport

import (
	"context"
	"io"
	"time"

	"golang.org/x/crypto/ssh"
)

// WindowSize is a terminal size in character cells and pixels.
type WindowSize struct {
	Cols        uint16 `json:"cols"`
	Rows        uint16 `json:"rows"`
	PixelWidth  uint16 `json:"pixel_width"`
	PixelHeight uint16 `json:"pixel_height"`
}

// DefaultWindowSize is the size of a newly opened terminal.
var DefaultWindowSize = WindowSize{Cols: 80, Rows: 24, PixelWidth: 640, PixelHeight: 480}

// AuthKind selects how a session authenticates.
type AuthKind int

const (
	AuthPassword AuthKind = iota
	AuthPublicKey
	AuthAgent
)

func (k AuthKind) String() string {
	switch k {
	case AuthPassword:
		return "password"
	case AuthPublicKey:
		return "public_key"
	case AuthAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// DialConfig describes one connection attempt.
type DialConfig struct {
	// Address is host:port.
	Address string
	User    string

	Auth     AuthKind
	Password string
	// Signer is used for AuthPublicKey.
	Signer ssh.Signer
	// AgentSocket overrides $SSH_AUTH_SOCK for AuthAgent.
	AgentSocket string

	HostKeyCallback ssh.HostKeyCallback

	// Timeout bounds TCP connect plus handshake.
	Timeout time.Duration
	// KeepaliveInterval is how often keepalive@openssh.com is sent. Zero
	// disables the watchdog.
	KeepaliveInterval time.Duration
	// InactivityTimeout is how long the peer may go without answering a
	// keepalive before the session is considered lost.
	InactivityTimeout time.Duration
}

// Dialer establishes authenticated transport sessions.
type Dialer interface {
	Dial(ctx context.Context, cfg DialConfig) (Session, error)
}

// Session is an authenticated transport session.
type Session interface {
	// OpenTerminal opens a channel, requests a PTY of the given size and
	// starts the login shell.
	OpenTerminal(ctx context.Context, size WindowSize) (Channel, error)
	// SendKeepalive sends one keepalive request and waits for the reply.
	SendKeepalive() error
	// Done is closed when the session ends, whether by Close or by loss.
	Done() <-chan struct{}
	// Err returns why the session was lost, or nil while alive or after a
	// local Close.
	Err() error
	Close() error
}

// Channel is one terminal stream multiplexed over a Session.
type Channel interface {
	io.Writer
	// Stdout and Stderr return io.EOF once the remote side closes the channel.
	Stdout() io.Reader
	Stderr() io.Reader
	WindowChange(size WindowSize) error
	Close() error
}
