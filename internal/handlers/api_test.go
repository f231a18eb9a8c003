package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/sshdeck/internal/sshaudit"
	"github.com/gluk-w/sshdeck/internal/sshconn"
	"github.com/gluk-w/sshdeck/internal/sshevents"
	"github.com/gluk-w/sshdeck/internal/sshmanager"
	"github.com/gluk-w/sshdeck/internal/sshtest"
	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupAPI wires a registry, bus, hub and auditor behind an httptest server
// the way main.go does, and returns the server's base URL.
func setupAPI(t *testing.T) string {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "audit.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	auditor, err := sshaudit.NewAuditor(db, 90)
	if err != nil {
		t.Fatalf("new auditor: %v", err)
	}

	bus := sshevents.NewBus(1024, sshevents.PolicyDrop)
	hub := NewHub()
	registry := sshmanager.NewConnectionManager(bus, sshconn.Options{ConnectTimeout: 2 * time.Second})

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for ev := range bus.Events() {
			auditor.Record(ev)
			hub.Publish(ev)
		}
	}()

	Registry, EventsHub, EventBus, Auditor = registry, hub, bus, auditor

	r := chi.NewRouter()
	r.Route("/api/v1", RegisterRoutes)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		registry.CloseAll(ctx)
		bus.Close()
		<-pumpDone
		hub.Close()
		srv.Close()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
		Registry, EventsHub, EventBus, Auditor = nil, nil, nil, nil
	})
	return srv.URL + "/api/v1"
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func expectStatus(t *testing.T, resp *http.Response, body []byte, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func hostBody(srv *sshtest.Server) map[string]interface{} {
	return map[string]interface{}{
		"name":        "test",
		"hostname":    srv.Host(),
		"port":        srv.Port(),
		"username":    srv.User,
		"auth_method": "password",
		"password":    srv.Password,
	}
}

// connectHost creates a connection and waits until it reports connected.
func connectHost(t *testing.T, base string, srv *sshtest.Server) string {
	t.Helper()
	resp, body := doJSON(t, "POST", base+"/connections", hostBody(srv))
	expectStatus(t, resp, body, http.StatusCreated)
	var created map[string]string
	json.Unmarshal(body, &created)
	id := created["id"]
	if id == "" {
		t.Fatalf("no id in %s", body)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, body := doJSON(t, "GET", base+"/connections/"+id, nil)
		var st map[string]interface{}
		json.Unmarshal(body, &st)
		if st["status"] == "connected" {
			return id
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("connection %s never connected", id)
	return ""
}

func createTerminal(t *testing.T, base, connID string) string {
	t.Helper()
	resp, body := doJSON(t, "POST", base+"/connections/"+connID+"/terminals", nil)
	expectStatus(t, resp, body, http.StatusCreated)
	var created map[string]string
	json.Unmarshal(body, &created)
	return created["terminal_id"]
}

func TestAPI_CreateConnectionValidation(t *testing.T) {
	base := setupAPI(t)

	resp, body := doJSON(t, "POST", base+"/connections", map[string]interface{}{
		"name": "x", "hostname": "", "port": 22, "username": "u", "auth_method": "agent",
	})
	expectStatus(t, resp, body, http.StatusBadRequest)
	if !strings.Contains(string(body), "hostname") {
		t.Errorf("expected hostname violation in %s", body)
	}

	resp, body = doJSON(t, "POST", base+"/connections", []byte(`{"name":"x","bogus":1}`))
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, body = doJSON(t, "GET", base+"/connections/ids", nil)
	expectStatus(t, resp, body, http.StatusOK)
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("expected no connections, got %s", body)
	}
}

func TestAPI_UnknownConnection(t *testing.T) {
	base := setupAPI(t)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/connections/nope"},
		{"GET", "/connections/nope/transitions"},
		{"POST", "/connections/nope/connect"},
		{"POST", "/connections/nope/disconnect"},
		{"DELETE", "/connections/nope"},
		{"POST", "/connections/nope/terminals"},
		{"GET", "/connections/nope/terminals"},
		{"GET", "/connections/nope/terminals/t"},
		{"GET", "/connections/nope/terminals/t/attach"},
	} {
		resp, body := doJSON(t, tc.method, base+tc.path, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s: status %d", tc.method, tc.path, resp.StatusCode)
			continue
		}
		var e map[string]string
		json.Unmarshal(body, &e)
		if e["detail"] != "Connection nope not found" {
			t.Errorf("%s %s: detail %q", tc.method, tc.path, e["detail"])
		}
	}
}

func TestAPI_ConnectionLifecycle(t *testing.T) {
	srv := sshtest.NewServer(t, "deploy", "hunter2")
	base := setupAPI(t)

	id := connectHost(t, base, srv)

	resp, body := doJSON(t, "GET", base+"/connections/"+id, nil)
	expectStatus(t, resp, body, http.StatusOK)
	var st map[string]interface{}
	json.Unmarshal(body, &st)
	if info, _ := st["session_info"].(string); !strings.HasPrefix(info, "deploy@") {
		t.Errorf("session_info = %v", st["session_info"])
	}
	if st["last_activity_ago"] == "" {
		t.Error("expected last_activity_ago")
	}

	resp, body = doJSON(t, "POST", base+"/connections/"+id+"/disconnect", nil)
	expectStatus(t, resp, body, http.StatusOK)
	json.Unmarshal(body, &st)
	if st["status"] != "disconnected" {
		t.Errorf("status after disconnect = %v", st["status"])
	}

	resp, body = doJSON(t, "POST", base+"/connections/"+id+"/terminals", nil)
	expectStatus(t, resp, body, http.StatusConflict)

	resp, body = doJSON(t, "POST", base+"/connections/"+id+"/connect", nil)
	expectStatus(t, resp, body, http.StatusOK)

	resp, body = doJSON(t, "GET", base+"/connections/"+id+"/transitions", nil)
	expectStatus(t, resp, body, http.StatusOK)
	var transitions []sshmanager.StateTransition
	json.Unmarshal(body, &transitions)
	if len(transitions) < 4 {
		t.Errorf("expected at least 4 transitions, got %d", len(transitions))
	}

	resp, body = doJSON(t, "GET", base+"/connections", nil)
	expectStatus(t, resp, body, http.StatusOK)
	var list []map[string]interface{}
	json.Unmarshal(body, &list)
	if len(list) != 1 || list[0]["id"] != id {
		t.Errorf("unexpected list %s", body)
	}

	resp, body = doJSON(t, "DELETE", base+"/connections/"+id, nil)
	expectStatus(t, resp, body, http.StatusNoContent)
	resp, body = doJSON(t, "GET", base+"/connections/"+id, nil)
	expectStatus(t, resp, body, http.StatusNotFound)
}

func TestAPI_ConnectWrongPassword(t *testing.T) {
	srv := sshtest.NewServer(t, "deploy", "hunter2")
	base := setupAPI(t)

	cfg := sshconn.ConnectionConfig{
		ID: "fixed", Name: "bad", Hostname: srv.Host(), Port: srv.Port(),
		Username: "deploy", AuthMethod: sshconn.AuthPassword, Password: "wrong",
	}
	if _, err := Registry.AddConnection(cfg); err != nil {
		t.Fatal(err)
	}

	resp, body := doJSON(t, "POST", base+"/connections/fixed/connect", nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)

	resp, body = doJSON(t, "POST", base+"/connections/fixed/rate-limit/reset", nil)
	expectStatus(t, resp, body, http.StatusNoContent)
}

func TestAPI_TerminalRoundTrip(t *testing.T) {
	srv := sshtest.NewServer(t, "deploy", "hunter2")
	base := setupAPI(t)
	id := connectHost(t, base, srv)
	tid := createTerminal(t, base, id)
	term := base + "/connections/" + id + "/terminals/" + tid

	resp, body := doJSON(t, "POST", term+"/input", []byte("hello\n"))
	expectStatus(t, resp, body, http.StatusNoContent)

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, body = doJSON(t, "GET", term+"/scrollback", nil)
		if strings.Contains(string(body), "echo:hello\n") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scrollback never showed echo, got %q", body)
		}
		time.Sleep(20 * time.Millisecond)
	}
	// nothing was trimmed, so the stream offset is the scrollback length
	if got, want := resp.Header.Get("X-Scrollback-Offset"), strconv.Itoa(len(body)); got != want {
		t.Errorf("X-Scrollback-Offset = %q, want %q", got, want)
	}

	resp, body = doJSON(t, "POST", term+"/input", bytes.Repeat([]byte("x"), 64*1024+1))
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, body = doJSON(t, "POST", term+"/resize", map[string]int{"cols": 100, "rows": 40})
	expectStatus(t, resp, body, http.StatusNoContent)
	resp, body = doJSON(t, "POST", term+"/resize", map[string]int{"cols": 0, "rows": 40})
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, body = doJSON(t, "GET", term, nil)
	expectStatus(t, resp, body, http.StatusOK)
	var info map[string]interface{}
	json.Unmarshal(body, &info)
	size, _ := info["size"].(map[string]interface{})
	if size["cols"] != float64(100) || size["rows"] != float64(40) {
		t.Errorf("size = %v", info["size"])
	}
	if info["scrollback_size"] == "" {
		t.Error("expected scrollback_size")
	}

	resp, body = doJSON(t, "GET", base+"/connections/"+id+"/terminals", nil)
	expectStatus(t, resp, body, http.StatusOK)
	var terms []map[string]interface{}
	json.Unmarshal(body, &terms)
	if len(terms) != 1 || terms[0]["id"] != tid {
		t.Errorf("unexpected terminals %s", body)
	}

	_, body = doJSON(t, "GET", base+"/health", nil)
	var health map[string]interface{}
	json.Unmarshal(body, &health)
	if health["terminals"] != float64(1) {
		t.Errorf("health terminals = %v", health["terminals"])
	}

	resp, body = doJSON(t, "DELETE", term, nil)
	expectStatus(t, resp, body, http.StatusNoContent)
	resp, body = doJSON(t, "GET", term, nil)
	expectStatus(t, resp, body, http.StatusNotFound)
	var e map[string]string
	json.Unmarshal(body, &e)
	if e["detail"] != "Terminal session "+tid+" not found" {
		t.Errorf("detail = %q", e["detail"])
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, want string) {
	t.Helper()
	var got []byte
	for !bytes.Contains(got, []byte(want)) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %q, got %q: %v", want, got, err)
		}
		got = append(got, data...)
	}
}

func TestAPI_TerminalAttach(t *testing.T) {
	srv := sshtest.NewServer(t, "deploy", "hunter2")
	base := setupAPI(t)
	id := connectHost(t, base, srv)
	tid := createTerminal(t, base, id)
	term := base + "/connections/" + id + "/terminals/" + tid

	// output produced before attaching is replayed
	resp, body := doJSON(t, "POST", term+"/input", []byte("before\n"))
	expectStatus(t, resp, body, http.StatusNoContent)
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(term+"/attach"), nil)
	if err != nil {
		t.Fatalf("dial attach: %v", err)
	}
	defer conn.CloseNow()

	readUntil(t, ctx, conn, "echo:before\n")

	if err := conn.Write(ctx, websocket.MessageBinary, []byte("live\n")); err != nil {
		t.Fatal(err)
	}
	readUntil(t, ctx, conn, "echo:live\n")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"resize","cols":132,"rows":43}`)); err != nil {
		t.Fatal(err)
	}
	readUntil(t, ctx, conn, "resize:132x43\n")

	// closing the terminal closes the socket
	resp, body = doJSON(t, "DELETE", term, nil)
	expectStatus(t, resp, body, http.StatusNoContent)
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if ctx.Err() != nil {
				t.Fatal("socket stayed open after the terminal closed")
			}
			break
		}
	}
}

func TestAPI_TerminalAttach_DetachKeepsTerminal(t *testing.T) {
	srv := sshtest.NewServer(t, "deploy", "hunter2")
	base := setupAPI(t)
	id := connectHost(t, base, srv)
	tid := createTerminal(t, base, id)
	term := base + "/connections/" + id + "/terminals/" + tid

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(term+"/attach"), nil)
	if err != nil {
		t.Fatalf("dial attach: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")

	time.Sleep(100 * time.Millisecond)
	resp, body := doJSON(t, "GET", term, nil)
	expectStatus(t, resp, body, http.StatusOK)
}

func TestAPI_EventStream(t *testing.T) {
	srv := sshtest.NewServer(t, "deploy", "hunter2")
	base := setupAPI(t)
	id := connectHost(t, base, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(base+"/events?data=false&connection_id="+id), nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.CloseNow()

	// wait until the subscription is registered
	deadline := time.Now().Add(5 * time.Second)
	for EventsHub.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	tid := createTerminal(t, base, id)
	doJSON(t, "POST", base+"/connections/"+id+"/terminals/"+tid+"/input", []byte("x\n"))
	doJSON(t, "DELETE", base+"/connections/"+id+"/terminals/"+tid, nil)

	var got []sshevents.EventType
	for len(got) < 2 {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read event: %v (got %v)", err, got)
		}
		var ev sshevents.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.ConnectionID != id {
			t.Errorf("event for %s leaked through filter", ev.ConnectionID)
		}
		if ev.Type == sshevents.EventData {
			t.Error("data event leaked through filter")
		}
		got = append(got, ev.Type)
	}
	if got[0] != sshevents.EventTerminalCreated || got[1] != sshevents.EventTerminalClosed {
		t.Errorf("events = %v", got)
	}
}

func TestAPI_Audit(t *testing.T) {
	srv := sshtest.NewServer(t, "deploy", "hunter2")
	base := setupAPI(t)
	id := connectHost(t, base, srv)

	var result sshaudit.QueryResult
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := doJSON(t, "GET", base+"/audit?connection_id="+id+"&event_type="+sshaudit.EventConnectionEstablished, nil)
		expectStatus(t, resp, body, http.StatusOK)
		json.Unmarshal(body, &result)
		if result.Total == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if result.Total != 1 {
		t.Fatalf("expected one connection_established entry, got %d", result.Total)
	}

	for _, q := range []string{"since=yesterday", "until=x", "limit=0", "offset=-1"} {
		resp, body := doJSON(t, "GET", base+"/audit?"+q, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status %d: %s", q, resp.StatusCode, body)
		}
	}

	resp, body := doJSON(t, "DELETE", base+"/audit?days=1", nil)
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = doJSON(t, "DELETE", base+"/audit?days=abc", nil)
	expectStatus(t, resp, body, http.StatusBadRequest)
}

func TestAPI_HealthAndLogs(t *testing.T) {
	base := setupAPI(t)

	resp, body := doJSON(t, "GET", base+"/health", nil)
	expectStatus(t, resp, body, http.StatusOK)
	var health map[string]interface{}
	json.Unmarshal(body, &health)
	if _, ok := health["events_dropped"]; !ok {
		t.Errorf("health misses events_dropped: %s", body)
	}
	if health["terminals"] != float64(0) {
		t.Errorf("terminals = %v", health["terminals"])
	}
	if health["connections"] != float64(0) {
		t.Errorf("connections = %v", health["connections"])
	}

	resp, body = doJSON(t, "GET", base+"/logs?lines=abc", nil)
	expectStatus(t, resp, body, http.StatusBadRequest)
}

func TestHandlers_NotInitialized(t *testing.T) {
	for name, h := range map[string]http.HandlerFunc{
		"connections": ListConnections,
		"audit":       GetAuditLogs,
		"events":      EventStreamWS,
	} {
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest("GET", "/", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status %d", name, w.Code)
		}
	}
}
