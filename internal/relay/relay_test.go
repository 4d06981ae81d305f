package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testRelay struct {
	server *Server
	http   *httptest.Server
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	s := New(config.Relay{
		Token:      "tunnel-secret",
		Passphrase: "open sesame",
		JWTSecret:  "signing-secret",
		History:    5,
	}, nil, testLogger())

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testRelay{server: s, http: srv}
}

func (r *testRelay) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(r.http.URL, "http") + path
}

func (r *testRelay) mintToken(t *testing.T) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"passphrase": "open sesame"})
	resp, err := http.Post(r.http.URL+"/api/auth", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("auth status = %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out.Token
}

func (r *testRelay) dialTunnel(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.wsURL("/tunnel")+"?token=tunnel-secret", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	r.waitTunnel(t, true)
	return conn
}

func (r *testRelay) dialDashboard(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.wsURL("/ws")+"?token="+r.mintToken(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func (r *testRelay) waitTunnel(t *testing.T, want bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.server.mu.Lock()
		got := r.server.tunnel != nil
		r.server.mu.Unlock()
		if got == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("tunnel connected never became %v", want)
}

func readEvent(t *testing.T, conn *websocket.Conn) *models.Event {
	t.Helper()
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	event, err := models.DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return event
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != code {
		t.Errorf("close code = %d, want %d", closeErr.Code, code)
	}
}

func TestAuthWrongPassphraseRejected(t *testing.T) {
	relay := newTestRelay(t)
	body, _ := json.Marshal(map[string]string{"passphrase": "guess"})
	resp, err := http.Post(relay.http.URL+"/api/auth", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestTunnelBadTokenClosedWith4001(t *testing.T) {
	relay := newTestRelay(t)
	conn, _, err := websocket.DefaultDialer.Dial(relay.wsURL("/tunnel")+"?token=wrong", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	expectClose(t, conn, closeBadAuth)
}

func TestDashboardBadTokenClosedWith4001(t *testing.T) {
	relay := newTestRelay(t)
	conn, _, err := websocket.DefaultDialer.Dial(relay.wsURL("/ws")+"?token=garbage", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	expectClose(t, conn, closeBadAuth)
}

func TestDashboardSeesTunnelEventsAndStatus(t *testing.T) {
	relay := newTestRelay(t)
	tunnel := relay.dialTunnel(t)
	dash := relay.dialDashboard(t)

	// Empty history, so the first frame is the status snapshot.
	status := readEvent(t, dash)
	if status.Type != models.EventTunnelStatus || status.Data["connected"] != true {
		t.Fatalf("snapshot = %+v", status)
	}

	frame, _ := json.Marshal(&models.Event{Type: models.EventThinking, TS: time.Now(), Data: map[string]any{"text": "hi"}})
	if err := tunnel.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatal(err)
	}
	event := readEvent(t, dash)
	if event.Type != models.EventThinking || event.Data["text"] != "hi" {
		t.Errorf("event = %+v", event)
	}

	// Tunnel drop reaches the dashboard as a status change.
	tunnel.Close()
	status = readEvent(t, dash)
	if status.Type != models.EventTunnelStatus || status.Data["connected"] != false {
		t.Errorf("disconnect status = %+v", status)
	}
}

func TestDashboardCommandForwardedToTunnel(t *testing.T) {
	relay := newTestRelay(t)
	tunnel := relay.dialTunnel(t)
	dash := relay.dialDashboard(t)
	readEvent(t, dash) // status snapshot

	cmd, _ := json.Marshal(&models.Event{Type: models.EventTaskReceived, TS: time.Now(), Data: map[string]any{"task": "water plants"}})
	if err := dash.WriteMessage(websocket.TextMessage, cmd); err != nil {
		t.Fatal(err)
	}

	tunnel.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := tunnel.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	event, err := models.DecodeEvent(raw)
	if err != nil {
		t.Fatal(err)
	}
	if event.Data["task"] != "water plants" {
		t.Errorf("forwarded = %+v", event)
	}
}

func TestCommandWithoutTunnelReturnsError(t *testing.T) {
	relay := newTestRelay(t)
	dash := relay.dialDashboard(t)
	readEvent(t, dash) // status snapshot, connected=false

	cmd, _ := json.Marshal(&models.Event{Type: models.EventTaskReceived, TS: time.Now(), Data: map[string]any{"task": "x"}})
	if err := dash.WriteMessage(websocket.TextMessage, cmd); err != nil {
		t.Fatal(err)
	}
	event := readEvent(t, dash)
	if event.Type != models.EventError || event.Data["error"] != "agent not connected" {
		t.Errorf("reply = %+v", event)
	}
}

func TestHistoryReplayIsBounded(t *testing.T) {
	relay := newTestRelay(t)
	tunnel := relay.dialTunnel(t)

	// Seven frames into a five-slot ring: only the last five replay.
	for i := 0; i < 7; i++ {
		frame, _ := json.Marshal(&models.Event{Type: models.EventThinking, TS: time.Now(), Data: map[string]any{"seq": i}})
		if err := tunnel.WriteMessage(websocket.TextMessage, frame); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		relay.server.mu.Lock()
		n := len(relay.server.history)
		relay.server.mu.Unlock()
		if n == 5 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	dash := relay.dialDashboard(t)
	for i := 0; i < 5; i++ {
		event := readEvent(t, dash)
		if want := float64(i + 2); event.Data["seq"] != want {
			t.Errorf("replay[%d] seq = %v, want %v", i, event.Data["seq"], want)
		}
	}
	if status := readEvent(t, dash); status.Type != models.EventTunnelStatus {
		t.Errorf("frame after replay = %+v", status)
	}
}

func TestHealthReportsState(t *testing.T) {
	relay := newTestRelay(t)

	var health map[string]any
	get := func() {
		t.Helper()
		resp, err := http.Get(relay.http.URL + "/api/health")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			t.Fatal(err)
		}
	}

	get()
	if health["status"] != "ok" || health["tunnel_connected"] != false {
		t.Errorf("health = %v", health)
	}

	relay.dialTunnel(t)
	get()
	if health["tunnel_connected"] != true {
		t.Errorf("health after connect = %v", health)
	}
}
