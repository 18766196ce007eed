package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/vango-go/proctor/pkg/core"
	"github.com/vango-go/proctor/pkg/gateway/live/protocol"
	"github.com/vango-go/proctor/pkg/gateway/live/session"
	"github.com/vango-go/proctor/pkg/gateway/live/sessions"
	"github.com/vango-go/proctor/pkg/store"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 500
)

// SessionsHandler is the reviewer REST surface over live sessions and
// recorded alert history. Store may be nil when history is not configured.
type SessionsHandler struct {
	Registry *sessions.Registry
	Store    store.Store
	Logger   *slog.Logger
}

type sessionListResponse struct {
	Sessions []protocol.SessionSnapshot `json:"sessions"`
}

type sessionResponse struct {
	Session protocol.SessionSnapshot `json:"session"`
}

type alertListResponse struct {
	SessionID string           `json:"session_id"`
	Alerts    []protocol.Alert `json:"alerts"`
}

// List serves GET /v1/sessions.
func (h SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionListResponse{Sessions: h.Registry.Snapshots()})
}

// Get serves GET /v1/sessions/{id}.
func (h SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	id := r.PathValue("id")
	handle, err := h.Registry.Lookup(id)
	if err != nil {
		writeCoreErrorJSON(w, reqID, sessionNotLive(id), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: handle.Snapshot()})
}

// Alerts serves GET /v1/sessions/{id}/alerts?limit=N, newest first.
func (h SessionsHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	id := r.PathValue("id")

	limit := defaultAlertLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAlertLimit {
			writeCoreErrorJSON(w, reqID, core.NewInvalidRequestErrorWithParam("limit must be an integer between 1 and 500", "limit"), http.StatusBadRequest)
			return
		}
		limit = n
	}
	if h.Store == nil {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrAPI, Message: "alert history is not configured", Code: "history_disabled"}, http.StatusNotImplemented)
		return
	}

	records, err := h.Store.ListAlerts(r.Context(), id, limit)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// The recorder is asynchronous; a session that just joined may not
		// have reached the store yet.
		if _, lerr := h.Registry.Lookup(id); lerr != nil {
			writeCoreErrorJSON(w, reqID, core.NewNotFoundError("no history for session"), http.StatusNotFound)
			return
		}
	case err != nil:
		h.logger().Error("list alerts failed", "session_id", id, "request_id", reqID, "error", err)
		writeErrorJSON(w, reqID, err)
		return
	}

	alerts := make([]protocol.Alert, 0, len(records))
	for _, rec := range records {
		alerts = append(alerts, protocol.Alert{
			ID:          rec.ID,
			SessionID:   rec.SessionID,
			Message:     rec.Message,
			Severity:    rec.Severity,
			Source:      rec.Source,
			Status:      rec.Status,
			Score:       rec.Score,
			AtMS:        rec.At.UnixMilli(),
			EvidenceRef: rec.EvidenceRef,
		})
	}
	writeJSON(w, http.StatusOK, alertListResponse{SessionID: id, Alerts: alerts})
}

// Action serves POST /v1/sessions/{id}/actions/{action}.
func (h SessionsHandler) Action(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()

	ack, cerr := act(ctx, h.Registry, r.PathValue("id"), r.PathValue("action"))
	if cerr != nil {
		writeErrorJSON(w, reqID, cerr)
		return
	}
	h.logger().Info("reviewer action", "session_id", ack.SessionID, "action", ack.Action, "changed", ack.Changed, "request_id", reqID)
	writeJSON(w, http.StatusOK, ack)
}

func (h SessionsHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// act runs a reviewer action against a live session. The REST and socket
// surfaces share it so both report the same errors.
func act(ctx context.Context, reg *sessions.Registry, sessionID, action string) (protocol.ServerActionAck, *core.Error) {
	if !protocol.IsAction(action) {
		e := core.NewInvalidRequestErrorWithParam("unknown action "+strconv.Quote(action), "action")
		e.Code = "unsupported"
		return protocol.ServerActionAck{}, e
	}
	handle, err := reg.Lookup(sessionID)
	if err != nil {
		return protocol.ServerActionAck{}, sessionNotLive(sessionID)
	}
	res, err := handle.Act(ctx, action)
	if err != nil {
		if errors.Is(err, session.ErrClosed) {
			return protocol.ServerActionAck{}, sessionNotLive(sessionID)
		}
		coreErr, _ := coreErrorFrom(err, "")
		return protocol.ServerActionAck{}, coreErr
	}
	return protocol.ServerActionAck{
		Type:      "action_ack",
		Action:    res.Action,
		SessionID: sessionID,
		Changed:   res.Changed,
	}, nil
}

func sessionNotLive(id string) *core.Error {
	e := core.NewNotFoundError("session is not live")
	e.Code = "session_not_found"
	e.SessionID = id
	return e
}
