package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/proctor/pkg/core"
	"github.com/vango-go/proctor/pkg/gateway/live/protocol"
	"github.com/vango-go/proctor/pkg/gateway/mw"
)

const closeWriteTimeout = 2 * time.Second

// Origins are checked against the CORS allowlist before upgrading.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func writeWSError(conn *websocket.Conn, scope, code, message string, close bool, details map[string]any) {
	_ = conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Scope: scope, Code: code, Message: message, Close: close, Details: details})
	if close {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(closeWriteTimeout))
	}
}

// wsErrorFrom renders a canonical error as a socket error frame.
func wsErrorFrom(scope string, err *core.Error) protocol.ServerError {
	code := err.Code
	if code == "" {
		code = string(err.Type)
	}
	msg := protocol.ServerError{Type: "error", Scope: scope, Code: code, Message: err.Message, Retryable: err.IsRetryable()}
	if err.Param != "" || err.SessionID != "" {
		msg.Details = map[string]any{}
		if err.Param != "" {
			msg.Details["param"] = err.Param
		}
		if err.SessionID != "" {
			msg.Details["session_id"] = err.SessionID
		}
	}
	return msg
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}

func rejectMethod(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID}, http.StatusMethodNotAllowed)
}

func rejectOrigin(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrPermission, Message: "origin is not allowed", Param: "Origin", RequestID: reqID}, http.StatusForbidden)
}
