package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gluk-w/sshdeck/internal/crypto"
)

func writeHosts(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateHosts(t *testing.T) {
	path := writeHosts(t, `
hosts:
  - name: ok
    hostname: ok.example
    username: u
    auth_method: agent
  - name: ""
    hostname: "bad host"
    port: 70000
    username: u
    auth_method: password
  - name: weird
    hostname: w.example
    username: u
    auth_method: kerberos
`)
	var out, errOut bytes.Buffer
	code := runCLICommand("validate-hosts", []string{path}, nil, &out, &errOut)
	if code != 1 {
		t.Fatalf("exit code %d, stderr %q", code, errOut.String())
	}
	got := out.String()
	for _, want := range []string{"name:", "hostname:", "port:", "password:", "kerberos", "3 hosts, 2 invalid"} {
		if !strings.Contains(got, want) {
			t.Errorf("output misses %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, `"ok"`) {
		t.Errorf("valid host reported:\n%s", got)
	}
}

func TestValidateHosts_AllValid(t *testing.T) {
	path := writeHosts(t, "hosts:\n  - name: a\n    hostname: a.example\n    username: u\n    auth_method: agent\n")
	var out, errOut bytes.Buffer
	if code := runCLICommand("validate-hosts", []string{path}, nil, &out, &errOut); code != 0 {
		t.Fatalf("exit code %d: %s%s", code, out.String(), errOut.String())
	}
}

func TestValidateHosts_Usage(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runCLICommand("validate-hosts", nil, nil, &out, &errOut); code != 2 {
		t.Errorf("exit code %d", code)
	}
}

func TestEncryptPassword(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	var out, errOut bytes.Buffer
	code := runCLICommand("encrypt-password", []string{"--key", key}, strings.NewReader("hunter2\n"), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code %d: %s", code, errOut.String())
	}
	tok := strings.TrimSpace(out.String())

	sealer, _ := crypto.NewSealer(key)
	plain, err := sealer.Reveal(tok)
	if err != nil || plain != "hunter2" {
		t.Errorf("Reveal(%q) = %q, %v", tok, plain, err)
	}

	// the token validates as a hosts file password
	path := writeHosts(t, "hosts:\n  - name: a\n    hostname: a.example\n    username: u\n    auth_method: password\n    password: \""+tok+"\"\n")
	out.Reset()
	if code := runCLICommand("validate-hosts", []string{"--key", key, path}, nil, &out, &errOut); code != 0 {
		t.Errorf("sealed password rejected: %s", out.String())
	}
}

func TestEncryptPassword_NoKey(t *testing.T) {
	t.Setenv("SSHDECK_FERNET_KEY", "")
	var out, errOut bytes.Buffer
	if code := runCLICommand("encrypt-password", []string{"secret"}, nil, &out, &errOut); code != 1 {
		t.Errorf("exit code %d", code)
	}
}

func TestGenerateKey(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runCLICommand("generate-key", nil, nil, &out, &errOut); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if _, err := crypto.NewSealer(strings.TrimSpace(out.String())); err != nil {
		t.Errorf("generated key does not decode: %v", err)
	}
}
