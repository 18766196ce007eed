package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/proctor/pkg/core/audio"
)

type fakeSocket struct {
	fakeWSWriter
	in        chan []byte
	closeOnce sync.Once
	closedCh  chan struct{}
}

func newFakeSocket(frames ...string) *fakeSocket {
	s := &fakeSocket{in: make(chan []byte, len(frames)+8), closedCh: make(chan struct{})}
	for _, f := range frames {
		s.in <- []byte(f)
	}
	return s
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.closedCh:
		return 0, nil, io.EOF
	}
}

func (f *fakeSocket) Close() error {
	f.closeOnce.Do(func() { close(f.closedCh) })
	return f.fakeWSWriter.Close()
}

func (f *fakeSocket) texts() []string {
	var out []string
	for _, w := range f.snapshot() {
		if w.messageType == websocket.TextMessage {
			out = append(out, w.data)
		}
	}
	return out
}

func newConnSession(t *testing.T, conn *Conn, pub *recordingPublisher) *Session {
	t.Helper()
	scorer, err := audio.NewScorer(audio.DefaultScorerConfig())
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}
	s, err := New(Dependencies{SessionID: "exam-7", Scorer: scorer, Outbox: conn, Publisher: pub})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func serve(t *testing.T, conn *Conn, s *Session) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- conn.Serve(context.Background(), s, nil) }()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestConn_LeaveEndsSession(t *testing.T) {
	sock := newFakeSocket(
		`{"type":"tick","features":{"face_count":1}}`,
		`{"type":"leave","reason":"finished"}`,
	)
	conn := NewConn(sock, Config{PingInterval: time.Hour, WriteTimeout: time.Second}, nil, nil)
	pub := &recordingPublisher{}
	s := newConnSession(t, conn, pub)

	if err := serve(t, conn, s); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if got := pub.leftReasons(); len(got) != 1 || got[0] != EndLeave {
		t.Fatalf("left=%v, want leave", got)
	}
	if !sock.closed {
		t.Fatal("socket not closed")
	}
}

func countTexts(sock *fakeSocket, needle string) int {
	n := 0
	for _, text := range sock.texts() {
		if strings.Contains(text, needle) {
			n++
		}
	}
	return n
}

func TestConn_DecodeErrorsAnsweredWithoutClosing(t *testing.T) {
	sock := newFakeSocket(
		`{"type":"nope"}`,
		`{"type":"join","protocol_version":"1","session_id":"exam-7"}`,
		`{"type":"tick","frame_b64":"%%%"}`,
	)
	conn := NewConn(sock, Config{PingInterval: time.Hour, WriteTimeout: time.Second}, nil, nil)
	s := newConnSession(t, conn, &recordingPublisher{})

	errc := make(chan error, 1)
	go func() { errc <- conn.Serve(context.Background(), s, nil) }()
	waitFor(t, "three error frames", func() bool { return countTexts(sock, `"type":"error"`) == 3 })

	_ = sock.Close()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	if s.EndReason() != EndDisconnect {
		t.Fatalf("end reason=%s, want disconnect", s.EndReason())
	}
}

func TestConn_TickRateLimited(t *testing.T) {
	sock := newFakeSocket(
		`{"type":"tick","features":{"face_count":1}}`,
		`{"type":"tick","features":{"face_count":1}}`,
		`{"type":"tick","features":{"face_count":1}}`,
	)
	conn := NewConn(sock, Config{
		MaxTickFPS:          1,
		InboundBurstSeconds: 1,
		PingInterval:        time.Hour,
		WriteTimeout:        time.Second,
	}, nil, nil)
	fixed := t0
	conn.now = func() time.Time { return fixed }
	s := newConnSession(t, conn, &recordingPublisher{})

	errc := make(chan error, 1)
	go func() { errc <- conn.Serve(context.Background(), s, nil) }()
	waitFor(t, "rate limit warning", func() bool { return countTexts(sock, `"code":"rate_limited"`) >= 1 })

	sock.in <- []byte(`{"type":"leave"}`)
	if err := <-errc; err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if n := countTexts(sock, `"code":"rate_limited"`); n != 1 {
		t.Fatalf("rate_limited warnings=%d, want 1 (throttled): %v", n, sock.texts())
	}
}

func TestConn_KickFlushesBeforeClose(t *testing.T) {
	sock := newFakeSocket()
	conn := NewConn(sock, Config{PingInterval: time.Hour, WriteTimeout: time.Second}, nil, nil)
	pub := &recordingPublisher{}
	s := newConnSession(t, conn, pub)

	errc := make(chan error, 1)
	go func() { errc <- conn.Serve(context.Background(), s, nil) }()

	if _, err := s.Act(context.Background(), "kick"); err != nil {
		t.Fatalf("Act: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrKicked) {
			t.Fatalf("Serve err=%v, want ErrKicked", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after kick")
	}

	writes := sock.snapshot()
	kickedAt, closeAt := -1, -1
	for i, w := range writes {
		if strings.Contains(w.data, `"type":"kicked"`) {
			kickedAt = i
		}
		if w.messageType == websocket.CloseMessage {
			closeAt = i
		}
	}
	if kickedAt < 0 || closeAt < kickedAt {
		t.Fatalf("kicked=%d close=%d writes=%+v", kickedAt, closeAt, writes)
	}
	if got := pub.leftReasons(); len(got) != 1 || got[0] != EndKicked {
		t.Fatalf("left=%v", got)
	}
}

func TestConn_SendDropsWhenQueueFull(t *testing.T) {
	conn := NewConn(newFakeSocket(), Config{OutboundQueueSize: 1}, nil, nil)
	if err := conn.Send(map[string]string{"type": "status"}); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := conn.Send(map[string]string{"type": "status"}); !errors.Is(err, errBackpressure) {
		t.Fatalf("second Send err=%v, want backpressure", err)
	}
}
