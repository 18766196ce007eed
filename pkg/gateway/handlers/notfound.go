package handlers

import (
	"net/http"

	"github.com/vango-go/proctor/pkg/core"
)

// NotFoundHandler answers every unrouted path with the canonical envelope.
type NotFoundHandler struct{}

func (NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	writeCoreErrorJSON(w, reqID, &core.Error{
		Type:    core.ErrNotFound,
		Message: "no route for " + r.Method + " " + r.URL.Path,
		Code:    "route_not_found",
	}, http.StatusNotFound)
}
