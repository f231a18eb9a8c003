package sshmanager

import (
	"errors"
	"strings"
	"testing"

	"github.com/gluk-w/sshdeck/internal/config"
	"github.com/gluk-w/sshdeck/internal/ssherr"
	"github.com/gluk-w/sshdeck/internal/sshtest"
)

func TestLoadHosts(t *testing.T) {
	srv := sshtest.NewServer(t, "deploy", "hunter2")
	m, _ := newTestRegistry(t)

	hosts := []config.HostEntry{
		{ID: "live", Name: "live", Hostname: srv.Host(), Port: srv.Port(), Username: "deploy",
			AuthMethod: "password", Password: "sealed:hunter2", Connect: true},
		{ID: "idle", Name: "idle", Hostname: "idle.example", Port: 22, Username: "u", AuthMethod: "agent"},
		{ID: "bad-method", Name: "bad", Hostname: "x.example", Port: 22, Username: "u", AuthMethod: "kerberos"},
		{ID: "bad-host", Name: "bad-host", Hostname: "no spaces allowed", Port: 22, Username: "u", AuthMethod: "agent"},
		{ID: "bad-secret", Name: "bad-secret", Hostname: "y.example", Port: 22, Username: "u",
			AuthMethod: "password", Password: "garbage"},
	}
	reveal := func(s string) (string, error) {
		if v, ok := strings.CutPrefix(s, "sealed:"); ok {
			return v, nil
		}
		return "", errors.New("not sealed")
	}

	res := m.LoadHosts(hosts, reveal)
	if len(res.Connecting) != 1 || res.Connecting[0] != "live" {
		t.Errorf("connecting = %v", res.Connecting)
	}
	if len(res.Added) != 1 || res.Added[0] != "idle" {
		t.Errorf("added = %v", res.Added)
	}
	if len(res.Errors) != 3 {
		t.Fatalf("expected 3 errors, got %v", res.Errors)
	}
	for _, err := range res.Errors {
		if !ssherr.Is(err, ssherr.Validation) {
			t.Errorf("expected validation error, got %v", err)
		}
	}

	waitForStatus(t, m, "live", StatusConnected)
	st, _ := m.GetConnectionState("idle")
	if st.Status != StatusDisconnected {
		t.Errorf("idle status = %s", st.Status)
	}
	if m.Count() != 2 {
		t.Errorf("Count = %d", m.Count())
	}
}
