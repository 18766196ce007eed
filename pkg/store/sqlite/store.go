// Package sqlite is the single-node store backend on the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/vango-go/proctor/pkg/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies
// migrations. ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file::memory:?_pragma=foreign_keys(1)"
	if path != ":memory:" {
		dsn = "file:" + filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return err
	}
	_, err = provider.Up(context.Background())
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) RecordAlert(ctx context.Context, a store.AlertRecord) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("alert id is required")
	}
	if strings.TrimSpace(a.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO alerts (id, session_id, severity, source, message, status, score, evidence_ref, at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING
`,
		a.ID, a.SessionID, a.Severity, a.Source, a.Message, a.Status, a.Score, a.EvidenceRef, a.At.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}

func (s *Store) RecordSessionEvent(ctx context.Context, ev store.SessionEvent) error {
	if strings.TrimSpace(ev.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(ev.Kind) == "" {
		return fmt.Errorf("event kind is required")
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_events (session_id, kind, reason, status, score, at_ms)
VALUES (?, ?, ?, ?, ?, ?)
`,
		ev.SessionID, ev.Kind, ev.Reason, ev.Status, ev.Score, ev.At.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record session event: %w", err)
	}
	return nil
}

func (s *Store) ListAlerts(ctx context.Context, sessionID string, limit int) ([]store.AlertRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, severity, source, message, status, score, evidence_ref, at_ms
FROM alerts
WHERE session_id = ?
ORDER BY at_ms DESC, id DESC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	out := make([]store.AlertRecord, 0)
	for rows.Next() {
		var (
			a    store.AlertRecord
			atMS int64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Severity, &a.Source, &a.Message, &a.Status, &a.Score, &a.EvidenceRef, &atMS); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.At = time.UnixMilli(atMS).UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	if len(out) > 0 {
		return out, nil
	}

	var known int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM session_events WHERE session_id = ?`, sessionID).Scan(&known); err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if known == 0 {
		return nil, store.ErrNotFound
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
