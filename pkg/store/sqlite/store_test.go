package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vango-go/proctor/pkg/gateway/live/protocol"
	"github.com/vango-go/proctor/pkg/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_ListAlertsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"a1", "a2", "a3"} {
		err := s.RecordAlert(ctx, store.AlertRecord{
			ID: id, SessionID: "exam-1", Severity: "warning", Source: "video",
			Message: "away", Status: "Away", Score: 100 - 15*(i+1), At: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("RecordAlert %s: %v", id, err)
		}
	}
	if err := s.RecordAlert(ctx, store.AlertRecord{ID: "other", SessionID: "exam-2", Severity: "info", Source: "system", Message: "x", At: base}); err != nil {
		t.Fatalf("RecordAlert other: %v", err)
	}

	got, err := s.ListAlerts(ctx, "exam-1", 2)
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a3" || got[1].ID != "a2" {
		t.Fatalf("alerts=%+v", got)
	}
	if got[0].Score != 55 || !got[0].At.Equal(base.Add(2*time.Second)) {
		t.Fatalf("a3=%+v", got[0])
	}
}

func TestStore_RecordAlertIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := store.AlertRecord{ID: "dup", SessionID: "exam-1", Severity: "critical", Source: "phone", Message: "phone", Score: 75}
	for i := 0; i < 2; i++ {
		if err := s.RecordAlert(ctx, a); err != nil {
			t.Fatalf("RecordAlert #%d: %v", i, err)
		}
	}
	got, err := s.ListAlerts(ctx, "exam-1", 10)
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("alerts=%d, want 1", len(got))
	}
}

func TestStore_ListAlertsUnknownVsQuietSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.ListAlerts(ctx, "ghost", 10); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}

	if err := s.RecordSessionEvent(ctx, store.SessionEvent{SessionID: "quiet", Kind: store.EventJoined, Status: "Focused", Score: 100}); err != nil {
		t.Fatalf("RecordSessionEvent: %v", err)
	}
	got, err := s.ListAlerts(ctx, "quiet", 10)
	if err != nil {
		t.Fatalf("ListAlerts quiet: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("alerts=%d, want 0", len(got))
	}
}

func TestStore_Validation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.RecordAlert(ctx, store.AlertRecord{SessionID: "exam-1"}); err == nil {
		t.Fatal("expected error for missing alert id")
	}
	if err := s.RecordSessionEvent(ctx, store.SessionEvent{SessionID: "exam-1"}); err == nil {
		t.Fatal("expected error for missing kind")
	}
	if _, err := s.ListAlerts(ctx, "exam-1", 0); err == nil {
		t.Fatal("expected error for zero limit")
	}
	if _, err := Open(" "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proctor.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.RecordAlert(ctx, store.AlertRecord{ID: "a1", SessionID: "exam-1", Severity: "warning", Source: "audio", Message: "m", Score: 88}); err != nil {
		t.Fatalf("RecordAlert: %v", err)
	}
	_ = s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.ListAlerts(ctx, "exam-1", 5)
	if err != nil || len(got) != 1 || got[0].Source != "audio" {
		t.Fatalf("alerts=%+v err=%v", got, err)
	}
}

func TestRecorderIntoSQLite(t *testing.T) {
	s := openTestStore(t)
	r := store.NewRecorder(s, nil)
	r.Consume(storeAlert("a1"))
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, err := s.ListAlerts(context.Background(), "exam-1", 5)
	if err != nil || len(got) != 1 {
		t.Fatalf("alerts=%+v err=%v", got, err)
	}
}

func storeAlert(id string) protocol.ServerAlert {
	return protocol.ServerAlert{Type: "alert", Alert: protocol.Alert{
		ID: id, SessionID: "exam-1", Severity: "warning", Source: "video", Message: "away", Score: 85, AtMS: 1000,
	}}
}
