package sshconn

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/gluk-w/sshdeck/internal/config"
	"github.com/gluk-w/sshdeck/internal/ssherr"
)

// AuthMethod selects how a connection authenticates.
type AuthMethod string

const (
	AuthPassword  AuthMethod = "password"
	AuthPublicKey AuthMethod = "public_key"
	AuthAgent     AuthMethod = "agent"
)

// ParseAuthMethod accepts the canonical names and the capitalized
// Password/PublicKey/Agent spellings.
func ParseAuthMethod(s string) (AuthMethod, error) {
	switch s {
	case "password", "Password":
		return AuthPassword, nil
	case "public_key", "publickey", "PublicKey":
		return AuthPublicKey, nil
	case "agent", "Agent":
		return AuthAgent, nil
	default:
		return "", fmt.Errorf("unknown auth method %q", s)
	}
}

func (a *AuthMethod) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	m, err := ParseAuthMethod(s)
	if err != nil {
		return err
	}
	*a = m
	return nil
}

// ConnectionConfig describes how to reach and authenticate to a host. It is
// not modified after the connection is created.
type ConnectionConfig struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Hostname       string     `json:"hostname"`
	Port           int        `json:"port"`
	Username       string     `json:"username"`
	AuthMethod     AuthMethod `json:"auth_method"`
	PrivateKeyPath string     `json:"private_key_path,omitempty"`
	Password       string     `json:"password,omitempty"`
}

// Address returns host:port.
func (c *ConnectionConfig) Address() string {
	return net.JoinHostPort(c.Hostname, fmt.Sprint(c.Port))
}

// ValidationError is one violated field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors is the full list of violations of a config.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return "invalid connection config: " + strings.Join(msgs, "; ")
}

// ErrorKind classifies validation failures for ssherr.KindOf.
func (e ValidationErrors) ErrorKind() ssherr.Kind {
	return ssherr.Validation
}

// Has reports whether field is among the violations.
func (e ValidationErrors) Has(field string) bool {
	for _, ve := range e {
		if ve.Field == field {
			return true
		}
	}
	return false
}

// Validate checks every field and returns all violations. It returns nil when
// the config is valid. The only I/O is the existence check of
// PrivateKeyPath.
func (c *ConnectionConfig) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Name) == "" {
		add("name", "name is required")
	}
	if c.Hostname == "" {
		add("hostname", "hostname is required")
	} else if err := ValidateHostname(c.Hostname); err != nil {
		add("hostname", "%v", err)
	}
	if c.Port < 1 || c.Port > 65535 {
		add("port", "port must be between 1 and 65535, got %d", c.Port)
	}
	if strings.TrimSpace(c.Username) == "" {
		add("username", "username is required")
	}

	switch c.AuthMethod {
	case AuthPassword:
		if c.Password == "" {
			add("password", "password is required for password authentication")
		}
	case AuthPublicKey:
		if c.PrivateKeyPath == "" {
			add("private_key_path", "private key path is required for public key authentication")
		} else if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			add("private_key_path", "private key file %s does not exist or is not accessible", c.PrivateKeyPath)
		}
	case AuthAgent:
	default:
		add("auth_method", "unsupported auth method %q", c.AuthMethod)
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateHostname accepts an IP literal or a DNS name of dot-separated labels
// of 1 to 63 letters, digits and hyphens, not starting or ending with a
// hyphen, at most 253 characters in total. A single trailing dot is allowed.
func ValidateHostname(host string) error {
	if net.ParseIP(host) != nil {
		return nil
	}
	name := strings.TrimSuffix(host, ".")
	if name == "" {
		return fmt.Errorf("invalid hostname %q", host)
	}
	if len(name) > 253 {
		return fmt.Errorf("hostname is longer than 253 characters")
	}
	for _, label := range strings.Split(name, ".") {
		if len(label) == 0 || len(label) > 63 {
			return fmt.Errorf("invalid hostname %q: labels must be 1 to 63 characters", host)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("invalid hostname %q: labels must not start or end with a hyphen", host)
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
				return fmt.Errorf("invalid hostname %q: unexpected character %q", host, r)
			}
		}
	}
	return nil
}

// FromHostEntry converts a hosts-file entry. reveal decrypts the password
// field when it holds a sealed token.
func FromHostEntry(h config.HostEntry, reveal func(string) (string, error)) (ConnectionConfig, error) {
	method, err := ParseAuthMethod(h.AuthMethod)
	if err != nil {
		return ConnectionConfig{}, ssherr.Wrap(ssherr.Validation, err, "host %q", h.Name)
	}
	password := h.Password
	if password != "" && reveal != nil {
		password, err = reveal(password)
		if err != nil {
			return ConnectionConfig{}, ssherr.Wrap(ssherr.Validation, err, "host %q: password", h.Name)
		}
	}
	return ConnectionConfig{
		ID:             h.ID,
		Name:           h.Name,
		Hostname:       h.Hostname,
		Port:           h.Port,
		Username:       h.Username,
		AuthMethod:     method,
		PrivateKeyPath: expandHome(h.PrivateKeyPath),
		Password:       password,
	}, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
