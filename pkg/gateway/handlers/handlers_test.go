package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/proctor/pkg/gateway/config"
	"github.com/vango-go/proctor/pkg/gateway/lifecycle"
	"github.com/vango-go/proctor/pkg/gateway/live/hub"
	"github.com/vango-go/proctor/pkg/gateway/live/sessions"
)

func testConfig() config.Config {
	return config.Config{
		Addr:                   ":0",
		AuthMode:               config.AuthModeDisabled,
		MaxFrameBytes:          1 << 20,
		MaxTickFPS:             50,
		MaxAudioBytesPerSecond: 1 << 20,
		InboundBurstSeconds:    2,
		WSPingInterval:         time.Hour,
		WSWriteTimeout:         2 * time.Second,
		HandshakeTimeout:       2 * time.Second,
		ReadHeaderTimeout:      time.Second,
		ReadTimeout:            time.Second,
		ShutdownGracePeriod:    time.Second,
		InferenceTimeout:       time.Second,
		AudioMaxInFlight:       2,
		StoreDriver:            config.StoreNone,
		LogFormat:              "text",
	}
}

// gateway wires both sockets against one registry and hub.
type gateway struct {
	cfg       config.Config
	hub       *hub.Hub
	registry  *sessions.Registry
	lifecycle *lifecycle.Lifecycle
	server    *httptest.Server
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{
		cfg:       testConfig(),
		hub:       hub.New(nil),
		registry:  sessions.NewRegistry(),
		lifecycle: &lifecycle.Lifecycle{},
	}
	mux := http.NewServeMux()
	mux.Handle("/v1/session", SessionHandler{
		Config:    g.cfg,
		Lanes:     Lanes{Settings: config.DefaultSettings(), Publisher: g.hub},
		Registry:  g.registry,
		Lifecycle: g.lifecycle,
	})
	mux.Handle("/v1/review", ReviewHandler{Config: g.cfg, Hub: g.hub, Registry: g.registry})
	g.server = httptest.NewServer(mux)
	t.Cleanup(g.server.Close)
	return g
}

func (g *gateway) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := g.dialErr(path)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (g *gateway) dialErr(path string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + path
	return websocket.DefaultDialer.Dial(url, nil)
}

func (g *gateway) join(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	conn := g.dial(t, "/v1/session")
	writeText(t, conn, `{"type":"join","protocol_version":"1","session_id":"`+sessionID+`"}`)
	if got := readFrame(t, conn); got["type"] != "join_ack" {
		t.Fatalf("first frame=%v, want join_ack", got)
	}
	return conn
}

func writeText(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

// readUntil skips frames until one has the wanted type.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 50; i++ {
		if msg := readFrame(t, conn); msg["type"] == typ {
			return msg
		}
	}
	t.Fatalf("no %q frame", typ)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
