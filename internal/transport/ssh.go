package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/ssherr"
	"github.com/gluk-w/sshdeck/internal/sshkeys"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("ssh session closed")

// SSHDialer dials with golang.org/x/crypto/ssh.
type SSHDialer struct{}

// Dial connects to cfg.Address, performs the handshake and authenticates.
// Cancelling ctx aborts the attempt at any stage.
func (SSHDialer) Dial(ctx context.Context, cfg DialConfig) (Session, error) {
	auth, cleanup, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	hostKeyCallback := cfg.HostKeyCallback
	if hostKeyCallback == nil {
		return nil, ssherr.New(ssherr.TransportFailure, "no host key verification policy configured")
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}

	dialCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", cfg.Address)
	if err != nil {
		return nil, classifyDialError(ctx, cfg.Address, err)
	}

	// The handshake is not context aware; closing the conn unblocks it.
	stop := make(chan struct{})
	go func() {
		select {
		case <-dialCtx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	if deadline, ok := dialCtx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, cfg.Address, clientConfig)
	close(stop)
	if err != nil {
		conn.Close()
		if dialCtx.Err() != nil {
			return nil, classifyDialError(ctx, cfg.Address, dialCtx.Err())
		}
		return nil, classifyHandshakeError(cfg, err)
	}
	conn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)
	s := newSSHSession(client, cfg)
	log.Printf("[ssh] connected to %s as %s", logging.Sanitize(cfg.Address), logging.Sanitize(cfg.User))
	return s, nil
}

func authMethods(cfg DialConfig) ([]ssh.AuthMethod, func(), error) {
	noop := func() {}
	switch cfg.Auth {
	case AuthPassword:
		password := cfg.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, noop, nil

	case AuthPublicKey:
		if cfg.Signer == nil {
			return nil, noop, ssherr.New(ssherr.AuthFailure, "no private key loaded for public key authentication")
		}
		return []ssh.AuthMethod{ssh.PublicKeys(cfg.Signer)}, noop, nil

	case AuthAgent:
		sock := cfg.AgentSocket
		if sock == "" {
			sock = os.Getenv("SSH_AUTH_SOCK")
		}
		if sock == "" {
			return nil, noop, ssherr.New(ssherr.AuthFailure, "SSH agent not available: SSH_AUTH_SOCK is not set")
		}
		agentConn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, noop, ssherr.Wrap(ssherr.AuthFailure, err, "connect to SSH agent")
		}
		ag := agent.NewClient(agentConn)
		return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}, func() { agentConn.Close() }, nil

	default:
		return nil, noop, ssherr.New(ssherr.Unimplemented, "authentication method %d is not supported", cfg.Auth)
	}
}

func classifyDialError(ctx context.Context, addr string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ssherr.New(ssherr.TransportFailure, "connection attempt to %s cancelled", addr)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return ssherr.New(ssherr.TransportFailure, "connection to %s timed out", addr)
	}
	return ssherr.Wrap(ssherr.TransportFailure, err, "connect to %s", addr)
}

func classifyHandshakeError(cfg DialConfig, err error) error {
	var mismatch *sshkeys.HostKeyMismatchError
	var unknown *sshkeys.UnknownHostError
	switch {
	case errors.As(err, &mismatch), errors.As(err, &unknown):
		return ssherr.Wrap(ssherr.TransportFailure, err, "host key verification failed for %s", cfg.Address)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return ssherr.New(ssherr.AuthFailure, "authentication failed for %s@%s using %s", cfg.User, cfg.Address, cfg.Auth)
	}
	var netErr net.Error
	if (errors.As(err, &netErr) && netErr.Timeout()) || strings.Contains(err.Error(), "i/o timeout") {
		return ssherr.New(ssherr.TransportFailure, "SSH handshake with %s timed out", cfg.Address)
	}
	return ssherr.Wrap(ssherr.TransportFailure, err, "SSH handshake with %s", cfg.Address)
}

// sshSession is a Session backed by an *ssh.Client.
type sshSession struct {
	client *ssh.Client
	addr   string

	done     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	err      error
}

func newSSHSession(client *ssh.Client, cfg DialConfig) *sshSession {
	s := &sshSession{
		client: client,
		addr:   cfg.Address,
		done:   make(chan struct{}),
	}
	go s.watchRemoteClose()
	if cfg.KeepaliveInterval > 0 {
		go s.keepalive(cfg.KeepaliveInterval, cfg.InactivityTimeout)
	}
	return s
}

func (s *sshSession) OpenTerminal(ctx context.Context, size WindowSize) (Channel, error) {
	select {
	case <-s.done:
		return nil, ssherr.Wrap(ssherr.StateFailure, ErrSessionClosed, "open terminal")
	default:
	}

	type result struct {
		ch  Channel
		err error
	}
	res := make(chan result, 1)
	go func() {
		ch, err := openShell(s.client, size)
		res <- result{ch, err}
	}()

	select {
	case r := <-res:
		return r.ch, r.err
	case <-ctx.Done():
		// Reap a channel that opens after we gave up.
		go func() {
			if r := <-res; r.ch != nil {
				r.ch.Close()
			}
		}()
		return nil, ssherr.Wrap(ssherr.TransportFailure, ctx.Err(), "open terminal")
	}
}

func (s *sshSession) SendKeepalive() error {
	_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (s *sshSession) Done() <-chan struct{} {
	return s.done
}

func (s *sshSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *sshSession) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		err = s.client.Close()
	})
	return err
}

// lose ends the session with reason. Only the first call has any effect, and
// none after Close.
func (s *sshSession) lose(reason error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.done)
		s.client.Close()
		log.Printf("[ssh] connection to %s lost: %v", logging.Sanitize(s.addr), reason)
	})
}

func (s *sshSession) watchRemoteClose() {
	err := s.client.Wait()
	select {
	case <-s.done:
		return
	default:
	}
	if err == nil {
		err = errors.New("connection closed by remote host")
	} else {
		err = fmt.Errorf("connection closed by remote host: %w", err)
	}
	s.lose(err)
}

// keepalive sends periodic keepalive requests to detect dead connections.
// The session is lost when a request fails or no reply arrives within
// inactivity.
func (s *sshSession) keepalive(interval, inactivity time.Duration) {
	if inactivity <= 0 {
		inactivity = 3 * interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			reply := make(chan error, 1)
			go func() { reply <- s.SendKeepalive() }()

			timer := time.NewTimer(inactivity)
			select {
			case err := <-reply:
				timer.Stop()
				if err != nil {
					s.lose(fmt.Errorf("keepalive failed: %w", err))
					return
				}
			case <-timer.C:
				s.lose(fmt.Errorf("no keepalive reply within %s (inactivity timeout)", inactivity))
				return
			case <-s.done:
				timer.Stop()
				return
			}
		}
	}
}
