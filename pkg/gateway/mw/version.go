package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/proctor/pkg/core"
	"github.com/vango-go/proctor/pkg/gateway/auth"
)

const (
	// VersionHeader pins a REST call to an API version. Responses echo the
	// version that served them.
	VersionHeader  = "X-Proctor-Version"
	currentVersion = "1"
)

// APIVersion rejects REST calls pinned to any version but the current one.
// Sockets negotiate in their join frame and probes are unversioned.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !versioned(r) {
			next.ServeHTTP(w, r)
			return
		}
		if bad, ok := pinnedElsewhere(r.Header.Values(VersionHeader)); ok {
			reqID, _ := RequestIDFrom(r.Context())
			writeJSONError(w, http.StatusBadRequest, &core.Error{
				Type:      core.ErrInvalidRequest,
				Message:   "unsupported API version " + bad,
				Param:     VersionHeader,
				Code:      "unsupported_version",
				RequestID: reqID,
			})
			return
		}
		w.Header().Set(VersionHeader, currentVersion)
		next.ServeHTTP(w, r)
	})
}

func versioned(r *http.Request) bool {
	if r.Method == http.MethodOptions || auth.IsWebSocketUpgrade(r) {
		return false
	}
	p := r.URL.Path
	return p == "/v1" || strings.HasPrefix(p, "/v1/")
}

// pinnedElsewhere returns the first listed version that is not current.
// Empty list members are ignored.
func pinnedElsewhere(values []string) (string, bool) {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" && p != currentVersion {
				return p, true
			}
		}
	}
	return "", false
}
