package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/proctor/pkg/core"
	"github.com/vango-go/proctor/pkg/gateway/auth"
	"github.com/vango-go/proctor/pkg/gateway/config"
	"github.com/vango-go/proctor/pkg/gateway/metrics"
	"github.com/vango-go/proctor/pkg/gateway/principal"
	"github.com/vango-go/proctor/pkg/gateway/ratelimit"
)

// RateLimit applies the per-principal REST budget. Probes, preflights and
// socket upgrades are exempt; sockets carry their own limits.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, m *metrics.Metrics, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !metered(r) {
			next.ServeHTTP(w, r)
			return
		}
		dec := limiter.AcquireRequest(principal.Resolve(r, cfg).Key, time.Now())
		if !dec.Allowed {
			m.RecordRateLimitHit(dec.Reason)
			reqID, _ := RequestIDFrom(r.Context())
			ce := core.NewRateLimitError("rate limit exceeded", dec.RetryAfter)
			ce.Code, ce.RequestID = dec.Reason, reqID
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			writeJSONError(w, http.StatusTooManyRequests, ce)
			return
		}
		defer dec.Permit.Release()
		next.ServeHTTP(w, r)
	})
}

func metered(r *http.Request) bool {
	return !isProbePath(r.URL.Path) && r.Method != http.MethodOptions && !auth.IsWebSocketUpgrade(r)
}
