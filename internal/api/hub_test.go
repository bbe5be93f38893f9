package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/defpool/defpool-server/internal/switchlog"
)

func dialHub(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

type rawEvent struct {
	Type string          `json:"type"`
	Time int64           `json:"time"`
	Data json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) rawEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev rawEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return ev
}

func TestHubGreetsAndBroadcasts(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	conn := dialHub(t, env)

	greeting := readEvent(t, conn)
	if greeting.Type != EventScores {
		t.Fatalf("first event = %q, want %q", greeting.Type, EventScores)
	}

	env.setPrice("KAS", 2.40)
	env.setPrice("RVN", 2.30)
	env.tick()
	if ev := readEvent(t, conn); ev.Type != EventScores {
		t.Fatalf("event after tick = %q, want %q", ev.Type, EventScores)
	}

	env.setPrice("RVN", 2.55)
	env.tick()

	// the switch is announced before the scores that caused it
	ev := readEvent(t, conn)
	if ev.Type != EventSwitch {
		t.Fatalf("event = %q, want %q", ev.Type, EventSwitch)
	}
	var entry switchlog.Entry
	if err := json.Unmarshal(ev.Data, &entry); err != nil {
		t.Fatalf("decode switch: %v", err)
	}
	if entry.From != "KAS" || entry.To != "RVN" || entry.Reason != "+6.3% profit" {
		t.Errorf("switch = %+v, want KAS -> RVN +6.3%% profit", entry)
	}
	if ev := readEvent(t, conn); ev.Type != EventScores {
		t.Errorf("event = %q, want %q", ev.Type, EventScores)
	}
}

func TestHubStopDisconnectsClients(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	conn := dialHub(t, env)
	readEvent(t, conn)

	if got := env.server.hub.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}

	env.server.hub.Stop()
	if got := env.server.hub.Count(); got != 0 {
		t.Errorf("Count() after Stop = %d, want 0", got)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("ReadMessage() should fail after the hub stopped")
	}
}

func TestHubDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.API.Websocket = false
	env := newTestEnv(t, cfg, nil)

	if rec := env.do(http.MethodGet, "/api/v1/ws", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when websocket is disabled", rec.Code)
	}
}
