package mw

import (
	"net/http"
	"slices"
	"strings"

	"github.com/vango-go/proctor/pkg/core"
	"github.com/vango-go/proctor/pkg/gateway/config"
)

const (
	corsMaxAge  = "600"
	corsMethods = "GET, POST, OPTIONS"
)

var (
	corsRequestHeaders = strings.Join([]string{"Authorization", "Content-Type", RequestIDHeader, VersionHeader}, ", ")
	corsExposeHeaders  = strings.Join([]string{RequestIDHeader, "Retry-After", VersionHeader}, ", ")
)

// CORS answers preflights for allowlisted origins and tags their responses.
// With no configured origins every preflight is refused and no CORS headers
// are sent.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		listed := origin != "" && slices.Contains(cfg.CORSOrigins, origin)

		if isPreflight(r) {
			if !listed {
				reqID, _ := RequestIDFrom(r.Context())
				writeJSONError(w, http.StatusForbidden, &core.Error{
					Type:      core.ErrPermission,
					Message:   "origin not allowed",
					Code:      "cors_denied",
					RequestID: reqID,
				})
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsRequestHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if listed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
		}
		next.ServeHTTP(w, r)
	})
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
}

// OriginAllowed reports whether a browser socket from origin may connect.
// Non-browser clients send no Origin and are always allowed.
func OriginAllowed(cfg config.Config, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	return origin == "" || slices.Contains(cfg.CORSOrigins, origin)
}
