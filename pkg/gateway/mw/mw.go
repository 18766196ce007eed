package mw

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/proctor/pkg/core"
	"github.com/vango-go/proctor/pkg/gateway/apierror"
	"github.com/vango-go/proctor/pkg/gateway/auth"
	"github.com/vango-go/proctor/pkg/gateway/config"
	"github.com/vango-go/proctor/pkg/gateway/metrics"
)

type ctxKeyRequestID struct{}

func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return id, ok && id != ""
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 128

// RequestID adopts a sane caller-supplied id or mints one, echoes it and
// stores it on the context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if !validRequestID(id) {
			id = newRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

func newRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// validRequestID accepts short printable ASCII ids so they are safe to log.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

// Auth resolves the caller's credential to a role. Unknown credentials are
// always rejected; a missing one is only tolerated in optional mode.
func Auth(cfg config.Config, keys auth.Keys, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := RequestIDFrom(r.Context())

		if isProbePath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		switch cfg.AuthMode {
		case config.AuthModeDisabled:
			next.ServeHTTP(w, r)
			return
		case config.AuthModeOptional, config.AuthModeRequired:
		default:
			writeJSONError(w, http.StatusInternalServerError, &core.Error{
				Type:      core.ErrAPI,
				Message:   "invalid auth_mode",
				RequestID: reqID,
			})
			return
		}

		token, ok := auth.Credential(r)
		if !ok {
			if cfg.AuthMode == config.AuthModeRequired {
				writeJSONError(w, http.StatusUnauthorized, missingCredential(reqID))
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		role, ok := keys.RoleFor(token)
		if !ok {
			ce := core.NewAuthenticationError("invalid api key")
			ce.RequestID = reqID
			writeJSONError(w, http.StatusUnauthorized, ce)
			return
		}
		p := &auth.Principal{APIKey: token, Role: role}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func missingCredential(reqID string) *core.Error {
	ce := core.NewAuthenticationError("missing bearer token")
	ce.Param, ce.RequestID = "Authorization", reqID
	return ce
}

// Probes and scrapes never carry credentials.
func isProbePath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}

// RequireRole guards a route. With auth disabled every caller passes. In
// optional mode an anonymous caller may act as an examinee but never as a
// reviewer.
func RequireRole(cfg config.Config, role auth.Role, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.AuthMode == config.AuthModeDisabled {
			next.ServeHTTP(w, r)
			return
		}
		reqID, _ := RequestIDFrom(r.Context())
		p, ok := auth.PrincipalFrom(r.Context())
		switch {
		case ok && p.Role == role:
			next.ServeHTTP(w, r)
		case ok:
			ce := core.NewPermissionError(string(role) + " role required")
			ce.RequestID = reqID
			writeJSONError(w, http.StatusForbidden, ce)
		case cfg.AuthMode == config.AuthModeOptional && role == auth.RoleExaminee:
			next.ServeHTTP(w, r)
		default:
			writeJSONError(w, http.StatusUnauthorized, missingCredential(reqID))
		}
	})
}

// Recover turns a handler panic into a canonical 500. When the response has
// already started, or the socket was hijacked for a WebSocket, the panic is
// only logged.
func Recover(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped, sw := wrapStatus(w)
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			reqID, _ := RequestIDFrom(r.Context())
			logger.Error("handler panic",
				"panic", v,
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			if sw.wroteHeader {
				return
			}
			writeJSONError(w, http.StatusInternalServerError, &core.Error{
				Type:      core.ErrAPI,
				Message:   "internal error",
				RequestID: reqID,
			})
		}()
		next.ServeHTTP(wrapped, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

type flushStatusWriter struct{ *statusWriter }

func (w flushStatusWriter) Flush() { w.ResponseWriter.(http.Flusher).Flush() }

type hijackStatusWriter struct{ *statusWriter }

func (w hijackStatusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.status = http.StatusSwitchingProtocols
	w.wroteHeader = true
	return w.ResponseWriter.(http.Hijacker).Hijack()
}

type flushHijackStatusWriter struct{ *statusWriter }

func (w flushHijackStatusWriter) Flush() { w.ResponseWriter.(http.Flusher).Flush() }

func (w flushHijackStatusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return hijackStatusWriter(w).Hijack()
}

// wrapStatus records the response status while advertising exactly the
// optional interfaces the underlying writer supports. WebSocket upgrades need
// Hijacker to survive the wrap.
func wrapStatus(w http.ResponseWriter) (http.ResponseWriter, *statusWriter) {
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	_, canFlush := w.(http.Flusher)
	_, canHijack := w.(http.Hijacker)
	switch {
	case canFlush && canHijack:
		return flushHijackStatusWriter{sw}, sw
	case canHijack:
		return hijackStatusWriter{sw}, sw
	case canFlush:
		return flushStatusWriter{sw}, sw
	default:
		return sw, sw
	}
}

// AccessLog writes one line per request. A WebSocket is logged once, when it
// closes, so its duration is the socket's lifetime.
func AccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped, sw := wrapStatus(w)
		next.ServeHTTP(wrapped, r)
		if logger == nil {
			return
		}
		reqID, _ := RequestIDFrom(r.Context())
		msg, level := "request", slog.LevelInfo
		switch {
		case sw.status == http.StatusSwitchingProtocols:
			msg = "socket closed"
		case sw.status >= http.StatusInternalServerError:
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, msg,
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// Metrics records request counts and latency by route pattern. It must wrap
// the mux directly so the matched pattern is visible after serving.
func Metrics(m *metrics.Metrics, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped, sw := wrapStatus(w)
		next.ServeHTTP(wrapped, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.RecordRequest(route, strconv.Itoa(sw.status), time.Since(start))
	})
}

func writeJSONError(w http.ResponseWriter, status int, err *core.Error) {
	apierror.Write(w, status, err.RequestID, err)
}
