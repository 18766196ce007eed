// Package postgres is the shared store backend for multi-node deployments.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/proctor/pkg/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = migrate(ctx, db)
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{pool: pool}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
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
	_, err := s.pool.Exec(ctx, `
INSERT INTO alerts (id, session_id, severity, source, message, status, score, evidence_ref, at_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
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
	_, err := s.pool.Exec(ctx, `
INSERT INTO session_events (session_id, kind, reason, status, score, at_ms)
VALUES ($1, $2, $3, $4, $5, $6)
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
	rows, err := s.pool.Query(ctx, `
SELECT id, session_id, severity, source, message, status, score, evidence_ref, at_ms
FROM alerts
WHERE session_id = $1
ORDER BY at_ms DESC, id DESC
LIMIT $2
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

	var known bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM session_events WHERE session_id = $1)`, sessionID).Scan(&known); err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if !known {
		return nil, store.ErrNotFound
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
