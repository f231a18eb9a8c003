package sshkeys

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/gluk-w/sshdeck/internal/logging"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Policy names accepted by NewHostKeyPolicy.
const (
	PolicyInsecure   = "insecure"
	PolicyKnownHosts = "known_hosts"
	PolicyTOFU       = "tofu"
)

// HostKeyMismatchError is returned when a host presents a key different from
// the one recorded in known_hosts. This may indicate a MITM attack.
type HostKeyMismatchError struct {
	Host   string
	Actual string
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key for %s changed (got %s); possible MITM attack, remove the stale known_hosts entry to continue", e.Host, e.Actual)
}

// UnknownHostError is returned by the strict known_hosts policy for hosts
// without an entry.
type UnknownHostError struct {
	Host string
}

func (e *UnknownHostError) Error() string {
	return fmt.Sprintf("host %s is not in known_hosts", e.Host)
}

// HostKeyPolicy builds host key callbacks for outgoing connections.
type HostKeyPolicy interface {
	Name() string
	HostKeyCallback() (ssh.HostKeyCallback, error)
}

// NewHostKeyPolicy returns the policy called name. knownHostsPath is ignored
// by the insecure policy.
func NewHostKeyPolicy(name, knownHostsPath string) (HostKeyPolicy, error) {
	switch name {
	case PolicyInsecure:
		return InsecurePolicy{}, nil
	case PolicyKnownHosts:
		return &KnownHostsPolicy{Path: knownHostsPath}, nil
	case PolicyTOFU, "":
		return &KnownHostsPolicy{Path: knownHostsPath, TrustOnFirstUse: true}, nil
	default:
		return nil, fmt.Errorf("unknown host key policy %q", name)
	}
}

// InsecurePolicy accepts every host key.
type InsecurePolicy struct{}

func (InsecurePolicy) Name() string { return PolicyInsecure }

func (InsecurePolicy) HostKeyCallback() (ssh.HostKeyCallback, error) {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		log.Printf("[sshkeys] WARNING: accepting unverified host key %s for %s (insecure policy)",
			ssh.FingerprintSHA256(key), logging.Sanitize(hostname))
		return nil
	}, nil
}

// KnownHostsPolicy verifies keys against an OpenSSH known_hosts file. With
// TrustOnFirstUse, keys of hosts missing from the file are appended.
type KnownHostsPolicy struct {
	Path            string
	TrustOnFirstUse bool

	// serializes appends to Path
	mu sync.Mutex
}

func (p *KnownHostsPolicy) Name() string {
	if p.TrustOnFirstUse {
		return PolicyTOFU
	}
	return PolicyKnownHosts
}

// HostKeyCallback loads the known_hosts file. The file is created empty when
// missing. The returned callback re-reads the file on every call so entries
// appended by other connections are seen.
func (p *KnownHostsPolicy) HostKeyCallback() (ssh.HostKeyCallback, error) {
	if err := p.ensureFile(); err != nil {
		return nil, err
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		return p.check(hostname, remote, key)
	}, nil
}

func (p *KnownHostsPolicy) ensureFile() error {
	if _, err := os.Stat(p.Path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0700); err != nil {
		return fmt.Errorf("create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(p.Path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create known_hosts file: %w", err)
	}
	return f.Close()
}

func (p *KnownHostsPolicy) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cb, err := knownhosts.New(p.Path)
	if err != nil {
		return fmt.Errorf("load known_hosts: %w", err)
	}
	err = cb(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		log.Printf("[sshkeys] host key mismatch for %s: got %s", logging.Sanitize(hostname), ssh.FingerprintSHA256(key))
		return &HostKeyMismatchError{Host: hostname, Actual: ssh.FingerprintSHA256(key)}
	}
	if !p.TrustOnFirstUse {
		return &UnknownHostError{Host: hostname}
	}
	if err := p.appendKey(hostname, remote, key); err != nil {
		return err
	}
	log.Printf("[sshkeys] trusted new host key %s for %s", ssh.FingerprintSHA256(key), logging.Sanitize(hostname))
	return nil
}

// appendKey records key for hostname and, when it differs, the remote address;
// knownhosts checks both.
func (p *KnownHostsPolicy) appendKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	addrs := []string{knownhosts.Normalize(hostname)}
	if remote != nil {
		if r := knownhosts.Normalize(remote.String()); r != addrs[0] {
			addrs = append(addrs, r)
		}
	}

	f, err := os.OpenFile(p.Path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	line := knownhosts.Line(addrs, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("append known_hosts: %w", err)
	}
	return nil
}
