package auth

import (
	"context"
	"net/http"
	"strings"
)

// Role is what a credential is allowed to do.
type Role string

const (
	RoleExaminee Role = "examinee"
	RoleReviewer Role = "reviewer"
)

type Principal struct {
	APIKey string
	Role   Role
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// Keys maps configured credentials to their role.
type Keys struct {
	examinee map[string]struct{}
	reviewer map[string]struct{}
}

func NewKeys(examinee, reviewer []string) Keys {
	k := Keys{
		examinee: make(map[string]struct{}, len(examinee)),
		reviewer: make(map[string]struct{}, len(reviewer)),
	}
	for _, key := range examinee {
		if key = strings.TrimSpace(key); key != "" {
			k.examinee[key] = struct{}{}
		}
	}
	for _, key := range reviewer {
		if key = strings.TrimSpace(key); key != "" {
			k.reviewer[key] = struct{}{}
		}
	}
	return k
}

// RoleFor reports the role granted to token. Reviewer keys win if a key was
// somehow configured for both.
func (k Keys) RoleFor(token string) (Role, bool) {
	if _, ok := k.reviewer[token]; ok {
		return RoleReviewer, true
	}
	if _, ok := k.examinee[token]; ok {
		return RoleExaminee, true
	}
	return "", false
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// Credential returns the bearer token, or for WebSocket upgrades the
// access_token query parameter, since browsers cannot set headers on sockets.
func Credential(r *http.Request) (string, bool) {
	if token, ok := ParseBearer(r); ok {
		return token, true
	}
	if !IsWebSocketUpgrade(r) {
		return "", false
	}
	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	return token, token != ""
}

func IsWebSocketUpgrade(r *http.Request) bool {
	if !headerHasToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
