package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/proctor/pkg/gateway/live/protocol"
)

func next(t *testing.T, s *Subscriber) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return msg
}

func TestHub_CoalescesUpdatesPerSession(t *testing.T) {
	h := New(nil)
	sub := h.Subscribe()
	defer sub.Close()

	for score := 100; score >= 90; score-- {
		h.PublishUpdate(protocol.SessionSnapshot{SessionID: "a", Score: score})
	}
	h.PublishUpdate(protocol.SessionSnapshot{SessionID: "b", Score: 77})

	first := next(t, sub).(protocol.ServerSessionUpdate)
	if first.Session.SessionID != "a" || first.Session.Score != 90 {
		t.Fatalf("first=%+v, want latest snapshot of a", first.Session)
	}
	second := next(t, sub).(protocol.ServerSessionUpdate)
	if second.Session.SessionID != "b" {
		t.Fatalf("second=%+v, want b", second.Session)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want no more messages", err)
	}
}

func TestHub_AlertsAreFIFOAndNotCoalesced(t *testing.T) {
	h := New(nil)
	sub := h.Subscribe()
	defer sub.Close()

	h.PublishUpdate(protocol.SessionSnapshot{SessionID: "a"})
	for _, id := range []string{"1", "2", "3"} {
		h.PublishAlert(protocol.Alert{ID: id, SessionID: "a"})
	}
	for _, want := range []string{"1", "2", "3"} {
		got := next(t, sub).(protocol.ServerAlert)
		if got.Alert.ID != want {
			t.Fatalf("alert=%q, want %q", got.Alert.ID, want)
		}
	}
	if _, ok := next(t, sub).(protocol.ServerSessionUpdate); !ok {
		t.Fatal("expected the pending update after alerts")
	}
}

func TestHub_LeftDropsPendingUpdate(t *testing.T) {
	h := New(nil)
	sub := h.Subscribe()
	defer sub.Close()

	h.PublishUpdate(protocol.SessionSnapshot{SessionID: "a"})
	h.PublishLeft("a", "leave")

	left := next(t, sub).(protocol.ServerSessionLeft)
	if left.SessionID != "a" {
		t.Fatalf("left=%+v", left)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if msg, err := sub.Next(ctx); err == nil {
		t.Fatalf("unexpected message after leave: %#v", msg)
	}
}

func TestHub_SubscribersAreIndependent(t *testing.T) {
	h := New(nil)
	fast := h.Subscribe()
	slow := h.Subscribe()
	defer fast.Close()
	defer slow.Close()

	h.PublishAlert(protocol.Alert{ID: "x"})
	if got := next(t, fast).(protocol.ServerAlert); got.Alert.ID != "x" {
		t.Fatalf("fast got %+v", got)
	}
	if got := next(t, slow).(protocol.ServerAlert); got.Alert.ID != "x" {
		t.Fatalf("slow got %+v", got)
	}
}

func TestHub_OverflowDropsOldest(t *testing.T) {
	h := New(nil)
	h.maxQueued = 2
	sub := h.Subscribe()
	defer sub.Close()

	for _, id := range []string{"1", "2", "3"} {
		h.PublishAlert(protocol.Alert{ID: id})
	}
	if sub.Dropped() != 1 {
		t.Fatalf("dropped=%d, want 1", sub.Dropped())
	}
	if got := next(t, sub).(protocol.ServerAlert); got.Alert.ID != "2" {
		t.Fatalf("first=%q, want 2", got.Alert.ID)
	}
}

func TestSubscriber_CloseUnblocksNext(t *testing.T) {
	h := New(nil)
	sub := h.Subscribe()

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	sub.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err=%v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers=%d, want 0", h.Subscribers())
	}
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []any
}

func (r *recordingSink) Consume(msg any) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func TestHub_SinkSeesOrderedEventsOnly(t *testing.T) {
	h := New(nil)
	sink := &recordingSink{}
	h.AddSink(sink)

	h.PublishJoined(protocol.SessionSnapshot{SessionID: "a"})
	h.PublishUpdate(protocol.SessionSnapshot{SessionID: "a"})
	h.PublishAlert(protocol.Alert{ID: "1", SessionID: "a"})
	h.PublishLeft("a", "kicked")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.msgs) != 3 {
		t.Fatalf("sink got %d messages, want 3", len(sink.msgs))
	}
	if _, ok := sink.msgs[0].(protocol.ServerSessionJoined); !ok {
		t.Fatalf("first=%T", sink.msgs[0])
	}
	if _, ok := sink.msgs[2].(protocol.ServerSessionLeft); !ok {
		t.Fatalf("last=%T", sink.msgs[2])
	}
}
