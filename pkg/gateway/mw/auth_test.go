package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/proctor/pkg/gateway/auth"
	"github.com/vango-go/proctor/pkg/gateway/config"
)

var testKeys = auth.NewKeys([]string{"exam_key"}, []string{"rev_key"})

func roleEcho(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := auth.PrincipalFrom(r.Context()); ok {
			w.Header().Set("X-Test-Role", string(p.Role))
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func serveAuth(h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	h.ServeHTTP(rr, req)
	return rr
}

func TestAuth_RequiredRejectsMissingBearer(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeRequired}, testKeys, roleEcho(t))
	if rr := serveAuth(h, http.MethodGet, "/v1/sessions", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAuth_ResolvesRoles(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeRequired}, testKeys, roleEcho(t))

	rr := serveAuth(h, http.MethodGet, "/v1/sessions", "rev_key")
	if rr.Code != http.StatusNoContent || rr.Header().Get("X-Test-Role") != "reviewer" {
		t.Fatalf("reviewer: status=%d role=%q", rr.Code, rr.Header().Get("X-Test-Role"))
	}
	rr = serveAuth(h, http.MethodGet, "/v1/sessions", "exam_key")
	if rr.Header().Get("X-Test-Role") != "examinee" {
		t.Fatalf("examinee: role=%q", rr.Header().Get("X-Test-Role"))
	}
	if rr := serveAuth(h, http.MethodGet, "/v1/sessions", "stolen"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unknown key status=%d", rr.Code)
	}
}

func TestAuth_OptionalStillRejectsUnknownKey(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeOptional}, testKeys, roleEcho(t))
	if rr := serveAuth(h, http.MethodGet, "/v1/sessions", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("anonymous status=%d", rr.Code)
	}
	if rr := serveAuth(h, http.MethodGet, "/v1/sessions", "stolen"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unknown key status=%d", rr.Code)
	}
}

func TestAuth_WebSocketQueryToken(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeRequired}, testKeys, roleEcho(t))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/session?access_token=exam_key", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || rr.Header().Get("X-Test-Role") != "examinee" {
		t.Fatalf("status=%d role=%q", rr.Code, rr.Header().Get("X-Test-Role"))
	}
}

func TestRequireRole(t *testing.T) {
	cases := []struct {
		name  string
		mode  config.AuthMode
		role  auth.Role
		token string
		want  int
	}{
		{"reviewer ok", config.AuthModeRequired, auth.RoleReviewer, "rev_key", http.StatusNoContent},
		{"examinee on reviewer route", config.AuthModeRequired, auth.RoleReviewer, "exam_key", http.StatusForbidden},
		{"reviewer on examinee route", config.AuthModeRequired, auth.RoleExaminee, "rev_key", http.StatusForbidden},
		{"optional anonymous examinee", config.AuthModeOptional, auth.RoleExaminee, "", http.StatusNoContent},
		{"optional anonymous reviewer", config.AuthModeOptional, auth.RoleReviewer, "", http.StatusUnauthorized},
		{"disabled", config.AuthModeDisabled, auth.RoleReviewer, "", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Config{AuthMode: tc.mode}
			h := Auth(cfg, testKeys, RequireRole(cfg, tc.role, roleEcho(t)))
			if rr := serveAuth(h, http.MethodGet, "/v1/sessions", tc.token); rr.Code != tc.want {
				t.Fatalf("status=%d, want %d body=%q", rr.Code, tc.want, rr.Body.String())
			}
		})
	}
}

func TestAuth_ProbesNeedNoCredential(t *testing.T) {
	cfg := config.Config{AuthMode: config.AuthModeRequired}
	h := Auth(cfg, testKeys, roleEcho(t))
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if rr := serveAuth(h, http.MethodGet, path, ""); rr.Code != http.StatusNoContent {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
	}
}
