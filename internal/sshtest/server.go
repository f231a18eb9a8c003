// Package sshtest provides an in-process SSH server for tests.
//
// The server accepts password and public key authentication, grants pty-req
// and shell requests, and echoes channel input back prefixed with "echo:".
// A window-change request is answered with "resize:<cols>x<rows>\n" on the
// channel, the line "stderr\n" is answered on the extended data stream, and
// the line "exit\n" ends the shell with exit status 0.
package sshtest

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/gluk-w/sshdeck/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

// PtyRequest is the decoded payload of a pty-req.
type PtyRequest struct {
	Term        string
	Columns     uint32
	Rows        uint32
	PixelWidth  uint32
	PixelHeight uint32
	Modes       string
}

// Server is a running test SSH server.
type Server struct {
	Addr      string
	HostKey   ssh.PublicKey
	User      string
	Password  string
	ClientKey ssh.Signer
	// ClientKeyPEM is the PEM encoding of ClientKey.
	ClientKeyPEM []byte

	listener net.Listener
	done     chan struct{}

	mu    sync.Mutex
	conns []*ssh.ServerConn
	ptys  []PtyRequest
	open  int
}

// NewServer starts a server on 127.0.0.1 that accepts user with password, or
// user with the returned server's ClientKey. The server is stopped by
// t.Cleanup.
func NewServer(t *testing.T, user, password string) *Server {
	t.Helper()

	_, hostKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := sshkeys.ParsePrivateKey(hostKeyPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}
	_, clientKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientSigner, err := sshkeys.ParsePrivateKey(clientKeyPEM)
	if err != nil {
		t.Fatalf("parse client key: %v", err)
	}

	s := &Server{
		HostKey:      hostSigner.PublicKey(),
		User:         user,
		Password:     password,
		ClientKey:    clientSigner,
		ClientKeyPEM: clientKeyPEM,
		done:         make(chan struct{}),
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if conn.User() == s.User && string(pass) == s.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == s.User && ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(clientSigner.PublicKey()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	s.Addr = listener.Addr().String()

	go func() {
		defer close(s.done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.handleConn(netConn, config)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Host returns the listen host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

// Port returns the listen port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// PtyRequests returns every pty-req received so far.
func (s *Server) PtyRequests() []PtyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PtyRequest(nil), s.ptys...)
}

// OpenChannels returns the number of session channels currently open.
func (s *Server) OpenChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// DropConnections closes every client connection from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops the listener and drops all connections.
func (s *Server) Close() {
	s.listener.Close()
	<-s.done
	s.DropConnections()
}

func (s *Server) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.conns = append(s.conns, sshConn)
	s.mu.Unlock()

	// keepalive@openssh.com and other global requests
	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.open++
		s.mu.Unlock()
		go func() {
			s.handleSession(ch, requests)
			s.mu.Lock()
			s.open--
			s.mu.Unlock()
		}()
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			var pty PtyRequest
			if err := ssh.Unmarshal(req.Payload, &pty); err == nil {
				s.mu.Lock()
				s.ptys = append(s.ptys, pty)
				s.mu.Unlock()
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				fmt.Fprintf(ch, "resize:%dx%d\n", cols, rows)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			go echo(ch)

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func echo(ch ssh.Channel) {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			line := string(buf[:n])
			switch {
			case strings.Contains(line, "exit\n"):
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
				ch.Close()
				return
			case line == "stderr\n":
				ch.Stderr().Write([]byte("err:" + line))
			default:
				ch.Write([]byte("echo:"))
				ch.Write(buf[:n])
			}
		}
		if err != nil {
			return
		}
	}
}
