// Package apierror maps Go errors onto the JSON error envelope shared by the
// REST and socket surfaces.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vango-go/proctor/pkg/core"
)

// StatusOverloaded is sent while the gateway drains or sheds load.
const StatusOverloaded = 529

type Envelope struct {
	Error *core.Error `json:"error"`
}

var statusByType = map[core.ErrorType]int{
	core.ErrInvalidRequest: http.StatusBadRequest,
	core.ErrAuthentication: http.StatusUnauthorized,
	core.ErrPermission:     http.StatusForbidden,
	core.ErrNotFound:       http.StatusNotFound,
	core.ErrConflict:       http.StatusConflict,
	core.ErrRateLimit:      http.StatusTooManyRequests,
	core.ErrOverloaded:     StatusOverloaded,
	core.ErrCapability:     http.StatusBadGateway,
}

// StatusFromType returns the HTTP status for an error type, 500 when unknown.
func StatusFromType(t core.ErrorType) int {
	if s, ok := statusByType[t]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// FromError converts err into an envelope error stamped with requestID.
// Canonical errors are copied, never mutated. Anything else is reported as
// an opaque internal error.
func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}
	var ce *core.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &core.Error{Type: core.ErrAPI, Message: "request timeout", Code: "timeout", RequestID: requestID}, http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return &core.Error{Type: core.ErrAPI, Message: "request cancelled", Code: "cancelled", RequestID: requestID}, http.StatusRequestTimeout
	case errors.As(err, &ce) && ce != nil:
		out := *ce
		out.RequestID = requestID
		return &out, StatusFromType(ce.Type)
	}
	return &core.Error{Type: core.ErrAPI, Message: "internal error", RequestID: requestID}, http.StatusInternalServerError
}

// Write sends ce as a JSON envelope. A missing request id is filled in.
func Write(w http.ResponseWriter, status int, requestID string, ce *core.Error) {
	if ce != nil && ce.RequestID == "" {
		ce.RequestID = requestID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: ce})
}
