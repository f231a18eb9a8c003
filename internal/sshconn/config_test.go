package sshconn

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gluk-w/sshdeck/internal/config"
	"github.com/gluk-w/sshdeck/internal/ssherr"
)

func validPasswordConfig() ConnectionConfig {
	return ConnectionConfig{
		ID:         "c1",
		Name:       "web",
		Hostname:   "web-1.example.com",
		Port:       22,
		Username:   "deploy",
		AuthMethod: AuthPassword,
		Password:   "hunter2",
	}
}

func TestValidate_Valid(t *testing.T) {
	cfg := validPasswordConfig()
	if errs := cfg.Validate(); errs != nil {
		t.Fatalf("expected valid config, got %v", errs)
	}

	cfg.AuthMethod = AuthAgent
	cfg.Password = ""
	if errs := cfg.Validate(); errs != nil {
		t.Fatalf("agent auth needs no extra fields, got %v", errs)
	}
}

func TestValidate_ReportsEveryField(t *testing.T) {
	cfg := ConnectionConfig{AuthMethod: AuthPassword}
	errs := cfg.Validate()
	for _, field := range []string{"name", "hostname", "port", "username", "password"} {
		if !errs.Has(field) {
			t.Errorf("expected error for %s, got %v", field, errs)
		}
	}
	if len(errs) != 5 {
		t.Errorf("expected 5 errors, got %d: %v", len(errs), errs)
	}
}

func TestValidate_PasswordRequired(t *testing.T) {
	cfg := validPasswordConfig()
	cfg.Password = ""
	errs := cfg.Validate()
	if len(errs) != 1 || errs[0].Field != "password" {
		t.Fatalf("expected only a password error, got %v", errs)
	}
}

func TestValidate_PrivateKeyPath(t *testing.T) {
	cfg := validPasswordConfig()
	cfg.AuthMethod = AuthPublicKey
	cfg.Password = ""

	errs := cfg.Validate()
	if len(errs) != 1 || errs[0].Field != "private_key_path" {
		t.Fatalf("expected missing key path error, got %v", errs)
	}

	cfg.PrivateKeyPath = filepath.Join(t.TempDir(), "missing")
	errs = cfg.Validate()
	if len(errs) != 1 || errs[0].Field != "private_key_path" {
		t.Fatalf("expected nonexistent key error, got %v", errs)
	}

	cfg.PrivateKeyPath = filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(cfg.PrivateKeyPath, []byte("key"), 0600); err != nil {
		t.Fatal(err)
	}
	if errs := cfg.Validate(); errs != nil {
		t.Fatalf("expected existing key to validate, got %v", errs)
	}
}

func TestValidate_Port(t *testing.T) {
	for _, port := range []int{0, -1, 65536} {
		cfg := validPasswordConfig()
		cfg.Port = port
		if errs := cfg.Validate(); !errs.Has("port") {
			t.Errorf("port %d: expected error, got %v", port, errs)
		}
	}
}

func TestValidationErrors_Kind(t *testing.T) {
	cfg := ConnectionConfig{}
	var err error = cfg.Validate()
	if !ssherr.Is(err, ssherr.Validation) {
		t.Errorf("expected validation kind, got %v", ssherr.KindOf(err))
	}
	wrapped := ssherr.Wrap(ssherr.Validation, err, "create connection")
	var ve ValidationErrors
	if !errors.As(wrapped, &ve) || !ve.Has("hostname") {
		t.Errorf("expected ValidationErrors in chain, got %v", wrapped)
	}
	if !strings.Contains(err.Error(), "hostname") {
		t.Errorf("message should cite hostname: %q", err)
	}
}

func TestValidateHostname(t *testing.T) {
	tests := []struct {
		host string
		ok   bool
	}{
		{"example.com", true},
		{"web-1.internal", true},
		{"localhost", true},
		{"example.com.", true},
		{"192.0.2.1", true},
		{"::1", true},
		{"2001:db8::1", true},
		{strings.Repeat("a", 63) + ".com", true},
		{strings.Repeat("a", 64) + ".com", false},
		{"-bad.com", false},
		{"bad-.com", false},
		{"a..b", false},
		{"under_score.com", false},
		{"spa ce.com", false},
		{".", false},
		{strings.Repeat("a.", 127) + "com", false},
	}
	for _, tt := range tests {
		err := ValidateHostname(tt.host)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateHostname(%q) = %v, want ok=%v", tt.host, err, tt.ok)
		}
	}
}

func TestAuthMethod_JSON(t *testing.T) {
	tests := map[string]AuthMethod{
		`"password"`:   AuthPassword,
		`"Password"`:   AuthPassword,
		`"public_key"`: AuthPublicKey,
		`"PublicKey"`:  AuthPublicKey,
		`"agent"`:      AuthAgent,
		`"Agent"`:      AuthAgent,
	}
	for in, want := range tests {
		var got AuthMethod
		if err := json.Unmarshal([]byte(in), &got); err != nil {
			t.Errorf("unmarshal %s: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("unmarshal %s = %q, want %q", in, got, want)
		}
	}

	var m AuthMethod
	if err := json.Unmarshal([]byte(`"kerberos"`), &m); err == nil {
		t.Error("expected error for unknown method")
	}

	out, _ := json.Marshal(AuthPublicKey)
	if string(out) != `"public_key"` {
		t.Errorf("marshal = %s", out)
	}
}

func TestFromHostEntry(t *testing.T) {
	entry := config.HostEntry{
		Name:       "db",
		Hostname:   "db.internal",
		Port:       2222,
		Username:   "admin",
		AuthMethod: "Password",
		Password:   "sealed",
	}
	cfg, err := FromHostEntry(entry, func(s string) (string, error) {
		if s != "sealed" {
			t.Errorf("reveal got %q", s)
		}
		return "plain", nil
	})
	if err != nil {
		t.Fatalf("FromHostEntry: %v", err)
	}
	if cfg.AuthMethod != AuthPassword || cfg.Password != "plain" || cfg.Port != 2222 {
		t.Errorf("unexpected config: %+v", cfg)
	}

	entry.AuthMethod = "telnet"
	if _, err := FromHostEntry(entry, nil); !ssherr.Is(err, ssherr.Validation) {
		t.Errorf("expected validation error for bad method, got %v", err)
	}

	entry.AuthMethod = "password"
	_, err = FromHostEntry(entry, func(string) (string, error) { return "", errors.New("bad token") })
	if !ssherr.Is(err, ssherr.Validation) {
		t.Errorf("expected validation error for bad token, got %v", err)
	}
}

func TestFromHostEntry_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg, err := FromHostEntry(config.HostEntry{AuthMethod: "public_key", PrivateKeyPath: "~/.ssh/id"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PrivateKeyPath != filepath.Join(home, ".ssh/id") {
		t.Errorf("PrivateKeyPath = %q", cfg.PrivateKeyPath)
	}
}
