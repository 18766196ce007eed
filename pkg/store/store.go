// Package store persists alerts and session lifecycle events so reviewers can
// read a session's history after the fact.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when nothing was ever recorded for a session.
var ErrNotFound = errors.New("store: session not found")

const (
	EventJoined = "joined"
	EventLeft   = "left"
)

type AlertRecord struct {
	ID          string
	SessionID   string
	Severity    string
	Source      string
	Message     string
	Status      string
	Score       int
	EvidenceRef string
	At          time.Time
}

type SessionEvent struct {
	SessionID string
	Kind      string
	Reason    string
	Status    string
	Score     int
	At        time.Time
}

type Store interface {
	RecordAlert(ctx context.Context, a AlertRecord) error
	RecordSessionEvent(ctx context.Context, ev SessionEvent) error

	// ListAlerts returns up to limit alerts for sessionID, newest first. It
	// returns ErrNotFound when the session has no events and no alerts.
	ListAlerts(ctx context.Context, sessionID string, limit int) ([]AlertRecord, error)

	Close() error
}
