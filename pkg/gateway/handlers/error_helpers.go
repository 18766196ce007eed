package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/proctor/pkg/core"
	"github.com/vango-go/proctor/pkg/gateway/apierror"
)

func coreErrorFrom(err error, reqID string) (*core.Error, int) {
	return apierror.FromError(err, reqID)
}

func writeCoreErrorJSON(w http.ResponseWriter, reqID string, coreErr *core.Error, status int) {
	apierror.Write(w, status, reqID, coreErr)
}

func writeErrorJSON(w http.ResponseWriter, reqID string, err error) {
	coreErr, status := apierror.FromError(err, reqID)
	apierror.Write(w, status, reqID, coreErr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
