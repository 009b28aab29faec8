package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dotside-studios/davi-pcsc-bridge/lifecycle"
	"github.com/dotside-studios/davi-pcsc-bridge/protocol"
)

// fakeController records commands and returns a fixed snapshot
type fakeController struct {
	mu         sync.Mutex
	manual     int
	force      int
	manualErr  error
	forceErr   error
	snap       lifecycle.Snapshot
	inspectErr error
}

func (c *fakeController) ManualReinitialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manual++
	return c.manualErr
}

func (c *fakeController) ForceReinitialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.force++
	return c.forceErr
}

func (c *fakeController) Inspect(ctx context.Context) (lifecycle.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap, c.inspectErr
}

func (c *fakeController) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manual, c.force
}

// wireMessage is a superset of the outbound envelopes
type wireMessage struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Payload json.RawMessage `json:"payload"`
}

func newTestServer(t *testing.T, config Config) (*Server, *httptest.Server) {
	t.Helper()
	config.Logger = log.New(io.Discard, "", 0)
	s := New(config)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + PathWebSocket + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wireMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return msg
}

func TestServer_InitialStatus(t *testing.T) {
	s, ts := newTestServer(t, Config{})

	s.StatusUpdate(protocol.StatusUpdatePayload{ReaderConnected: true, ReaderName: "ACS ACR122U"})

	conn := dial(t, ts, "")
	msg := readMessage(t, conn)

	if msg.Type != protocol.WSTypeStatusUpdate {
		t.Fatalf("Expected statusUpdate, got %s", msg.Type)
	}
	var status protocol.StatusUpdatePayload
	if err := json.Unmarshal(msg.Payload, &status); err != nil {
		t.Fatal(err)
	}
	if !status.ReaderConnected || status.ReaderName != "ACS ACR122U" {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestServer_InitialStatusEmpty(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	conn := dial(t, ts, "")
	msg := readMessage(t, conn)

	if msg.Type != protocol.WSTypeStatusUpdate {
		t.Fatalf("Expected statusUpdate, got %s", msg.Type)
	}
	if !strings.Contains(string(msg.Payload), `"lastCardInfo":null`) {
		t.Errorf("Expected empty status, got %s", msg.Payload)
	}
}

// TestServer_InitialStatusOrdering tests that an observer connecting during
// a burst of updates never receives an older snapshot after a newer one.
func TestServer_InitialStatusOrdering(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	const updates = 50

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= updates; i++ {
			s.StatusUpdate(protocol.StatusUpdatePayload{
				ReaderConnected: true,
				ReaderName:      fmt.Sprintf("reader-%d", i),
			})
		}
	}()

	conn := dial(t, ts, "")
	<-done

	last := 0
	for last != updates {
		msg := readMessage(t, conn)
		if msg.Type != protocol.WSTypeStatusUpdate {
			t.Fatalf("Expected statusUpdate, got %s", msg.Type)
		}
		var status protocol.StatusUpdatePayload
		if err := json.Unmarshal(msg.Payload, &status); err != nil {
			t.Fatal(err)
		}
		n := 0
		if status.ReaderName != "" {
			fmt.Sscanf(status.ReaderName, "reader-%d", &n)
		}
		if n < last {
			t.Fatalf("Received reader-%d after reader-%d", n, last)
		}
		last = n
	}
}

// TestServer_StalledObserver tests that a client that stops reading cannot
// hold up broadcasts and is dropped once it falls behind.
func TestServer_StalledObserver(t *testing.T) {
	s, ts := newTestServer(t, Config{})

	stalled := dial(t, ts, "")
	readMessage(t, stalled)

	name := strings.Repeat("x", 1<<20)
	start := time.Now()
	for i := 0; i < 200; i++ {
		s.StatusUpdate(protocol.StatusUpdatePayload{ReaderConnected: true, ReaderName: name})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Expected broadcasts to return promptly, took %s", elapsed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.ObserverCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.ObserverCount() != 0 {
		t.Errorf("Expected the stalled observer to be dropped, got %d observers", s.ObserverCount())
	}
}

func TestServer_Broadcasts(t *testing.T) {
	s, ts := newTestServer(t, Config{})

	first := dial(t, ts, "")
	second := dial(t, ts, "")
	readMessage(t, first)
	readMessage(t, second)

	if s.ObserverCount() != 2 {
		t.Fatalf("Expected 2 observers, got %d", s.ObserverCount())
	}

	s.SystemMessage(protocol.SystemMessagePayload{Message: "Reader connected: X", Type: protocol.SeverityInfo})

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readMessage(t, conn)
		if msg.Type != protocol.WSTypeSystemMessage {
			t.Fatalf("Expected systemMessage, got %s", msg.Type)
		}
		var payload map[string]string
		json.Unmarshal(msg.Payload, &payload)
		if payload["message"] != "Reader connected: X" || payload["type"] != "info" {
			t.Errorf("Unexpected payload: %v", payload)
		}
	}

	s.ServiceRestartTip(protocol.ServiceRestartTipPayload{Message: "restart pcscd"})
	msg := readMessage(t, first)
	if msg.Type != protocol.WSTypeServiceRestartTip {
		t.Fatalf("Expected serviceRestartTip, got %s", msg.Type)
	}
}

func TestServer_RestartTipReplay(t *testing.T) {
	s, ts := newTestServer(t, Config{})

	s.ServiceRestartTip(protocol.ServiceRestartTipPayload{Message: "restart pcscd"})

	conn := dial(t, ts, "")
	readMessage(t, conn)
	msg := readMessage(t, conn)
	if msg.Type != protocol.WSTypeServiceRestartTip {
		t.Fatalf("Expected replayed tip, got %s", msg.Type)
	}

	// A success advisory clears the replayed tip
	s.SystemMessage(protocol.SystemMessagePayload{Message: "Reader subsystem reinitialized", Type: protocol.SeveritySuccess})
	readMessage(t, conn)

	late := dial(t, ts, "")
	readMessage(t, late)
	s.SystemMessage(protocol.SystemMessagePayload{Message: "marker", Type: protocol.SeverityInfo})
	if msg := readMessage(t, late); msg.Type != protocol.WSTypeSystemMessage {
		t.Errorf("Expected no tip after recovery, got %s", msg.Type)
	}
}

func TestServer_Commands(t *testing.T) {
	ctrl := &fakeController{}
	_, ts := newTestServer(t, Config{Controller: ctrl})

	conn := dial(t, ts, "")
	readMessage(t, conn)

	tests := []struct {
		name     string
		msgType  string
		err      error
		wantType string
		wantCode string
	}{
		{"manual accepted", protocol.WSTypeManualReinitialize, nil, protocol.WSTypeCommandResponse, ""},
		{"force accepted", protocol.WSTypeForceReinitialize, nil, protocol.WSTypeCommandResponse, ""},
		{"force throttled", protocol.WSTypeForceReinitialize, lifecycle.ErrThrottled, protocol.WSTypeError, protocol.ErrCodeThrottled},
		{"manual unavailable", protocol.WSTypeManualReinitialize, lifecycle.ErrStopped, protocol.WSTypeError, protocol.ErrCodeUnavailable},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl.mu.Lock()
			ctrl.manualErr = tt.err
			ctrl.forceErr = tt.err
			ctrl.mu.Unlock()

			id := string(rune('a' + i))
			if err := conn.WriteJSON(protocol.WebSocketRequest{ID: id, Type: tt.msgType}); err != nil {
				t.Fatal(err)
			}

			msg := readMessage(t, conn)
			if msg.Type != tt.wantType {
				t.Fatalf("Expected %s, got %s", tt.wantType, msg.Type)
			}
			if msg.ID != id {
				t.Errorf("Expected response id %q, got %q", id, msg.ID)
			}
			if msg.Code != tt.wantCode {
				t.Errorf("Expected code %q, got %q", tt.wantCode, msg.Code)
			}
			if msg.Success != (tt.err == nil) {
				t.Errorf("Expected success=%v", tt.err == nil)
			}
		})
	}

	manual, force := ctrl.counts()
	if manual != 2 || force != 2 {
		t.Errorf("Expected 2 manual and 2 force commands, got %d and %d", manual, force)
	}
}

func TestServer_BadRequests(t *testing.T) {
	_, ts := newTestServer(t, Config{Controller: &fakeController{}})

	conn := dial(t, ts, "")
	readMessage(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	if msg := readMessage(t, conn); msg.Code != protocol.ErrCodeParseError {
		t.Errorf("Expected PARSE_ERROR, got %+v", msg)
	}

	conn.WriteJSON(protocol.WebSocketRequest{ID: "x", Type: "writeRequest"})
	if msg := readMessage(t, conn); msg.Code != protocol.ErrCodeUnknownType {
		t.Errorf("Expected UNKNOWN_TYPE, got %+v", msg)
	}
}

func TestServer_APISecret(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
	}{
		{"Valid secret", "?secret=test-secret", http.StatusSwitchingProtocols},
		{"Invalid secret", "?secret=wrong", http.StatusUnauthorized},
		{"No secret", "", http.StatusUnauthorized},
	}

	_, ts := newTestServer(t, Config{APISecret: "test-secret"})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "ws" + strings.TrimPrefix(ts.URL, "http") + PathWebSocket + tt.query
			conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
			if conn != nil {
				defer conn.Close()
			}
			if resp == nil {
				t.Fatalf("No response: %v", err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}
		})
	}
}

func TestServer_Health(t *testing.T) {
	ctrl := &fakeController{snap: lifecycle.Snapshot{
		Driver:      "pcsc",
		State:       lifecycle.ReaderState{ReaderConnected: true, ReaderName: "ReaderX"},
		Recovery:    lifecycle.StateIdle,
		MaxAttempts: 5,
	}}
	s, _ := newTestServer(t, Config{Controller: ctrl})

	get := func() (*httptest.ResponseRecorder, protocol.HealthPayload) {
		req := httptest.NewRequest(http.MethodGet, PathHealth, nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		var health protocol.HealthPayload
		json.NewDecoder(w.Body).Decode(&health)
		return w, health
	}

	w, health := get()
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if health.Status != "ok" || health.Driver != "pcsc" || health.RecoveryState != "idle" {
		t.Errorf("Unexpected health: %+v", health)
	}
	if !health.Reader.ReaderConnected || health.Reader.ReaderName != "ReaderX" {
		t.Errorf("Unexpected reader: %+v", health.Reader)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != CORSAllowOrigin {
		t.Error("Expected CORS header")
	}

	ctrl.mu.Lock()
	ctrl.snap.Recovery = lifecycle.StateExhausted
	ctrl.snap.Attempts = 5
	ctrl.mu.Unlock()
	if _, health = get(); health.Status != "degraded" || health.RecoveryAttempts != 5 {
		t.Errorf("Expected degraded health, got %+v", health)
	}

	ctrl.mu.Lock()
	ctrl.inspectErr = errors.New("bridge stopped")
	ctrl.mu.Unlock()
	if w, _ = get(); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, PathHealth, nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, PathMetrics, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "pcsc_bridge_") {
		t.Error("Expected bridge metrics in the exposition")
	}
}

func TestTXTRecords(t *testing.T) {
	records := txtRecords("wss")
	want := map[string]bool{"protocol=websocket": true, "path=/ws": true, "scheme=wss": true}
	for _, r := range records {
		delete(want, r)
	}
	if len(want) != 0 {
		t.Errorf("Missing TXT records: %v in %v", want, records)
	}
}

func TestServer_CACert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rootCA.pem")
	pemData := "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n"
	if err := os.WriteFile(path, []byte(pemData), 0o600); err != nil {
		t.Fatal(err)
	}

	s, _ := newTestServer(t, Config{CACertFile: path})
	req := httptest.NewRequest(http.MethodGet, PathCACert, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w.Body.String() != pemData {
		t.Errorf("Unexpected body: %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-pem-file" {
		t.Errorf("Unexpected content type %q", ct)
	}

	// Without a CA file the route is absent
	plain, _ := newTestServer(t, Config{})
	w = httptest.NewRecorder()
	plain.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, PathCACert, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without a CA file, got %d", w.Code)
	}
}

func TestServer_Scheme(t *testing.T) {
	if got := New(Config{Logger: log.New(io.Discard, "", 0)}).Scheme(); got != "ws" {
		t.Errorf("Expected ws, got %s", got)
	}
	tlsServer := New(Config{CertFile: "server.crt", KeyFile: "server.key", Logger: log.New(io.Discard, "", 0)})
	if got := tlsServer.Scheme(); got != "wss" {
		t.Errorf("Expected wss, got %s", got)
	}
}
