package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
	closed bool
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, deadline time.Time) error {
	_ = deadline
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

// runWriter queues the frames, closes both queues and runs the writer to
// completion.
func runWriter(t *testing.T, ctx context.Context, priority, normal []string) *fakeWSWriter {
	t.Helper()
	pq := make(chan wireFrame, len(priority))
	nq := make(chan wireFrame, len(normal))
	for _, f := range priority {
		pq <- wireFrame(f)
	}
	for _, f := range normal {
		nq <- wireFrame(f)
	}
	close(pq)
	close(nq)

	ws := &fakeWSWriter{}
	w := outboundWriter{ws: ws, ctx: ctx, cfg: Config{PingInterval: time.Hour, WriteTimeout: time.Second}, priority: pq, normal: nq}
	if err := w.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return ws
}

func TestOutboundWriter_Ordering(t *testing.T) {
	tests := []struct {
		name     string
		priority []string
		normal   []string
		want     []string
	}{
		{
			name:     "kicked before queued status",
			priority: []string{`{"type":"kicked"}`},
			normal:   []string{`{"type":"status","status":"away"}`},
			want:     []string{"kicked", "status"},
		},
		{
			name:   "normal frames keep order",
			normal: []string{`{"type":"status","status":"present"}`, `{"type":"warning","code":"x"}`},
			want:   []string{"status", "warning"},
		},
		{
			name:   "empty frame skipped",
			normal: []string{"", `{"type":"warning","code":"x","message":"y"}`},
			want:   []string{"warning"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writes := runWriter(t, context.Background(), tt.priority, tt.normal).snapshot()
			if len(writes) != len(tt.want) {
				t.Fatalf("writes=%+v, want types %v", writes, tt.want)
			}
			for i, typ := range tt.want {
				if writes[i].messageType != websocket.TextMessage || !strings.Contains(writes[i].data, `"type":"`+typ+`"`) {
					t.Fatalf("write %d=%+v, want %s", i, writes[i], typ)
				}
			}
		})
	}
}

func TestOutboundWriter_CancelFlushesPriorityThenCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ws := runWriter(t, ctx,
		[]string{`{"type":"kicked","reason":"removed by a proctor"}`},
		[]string{`{"type":"status","status":"away"}`},
	)
	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("writes=%+v", writes)
	}
	if !strings.Contains(writes[0].data, `"type":"kicked"`) {
		t.Fatalf("first write=%q", writes[0].data)
	}
	if writes[1].messageType != websocket.CloseMessage {
		t.Fatalf("last write type=%d, want close", writes[1].messageType)
	}
	if !ws.closed {
		t.Fatal("socket not closed")
	}
}
