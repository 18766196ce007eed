// Package principal names the caller a per-principal budget is charged to:
// the authenticated key when there is one, otherwise the client address.
package principal

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/vango-go/proctor/pkg/gateway/auth"
	"github.com/vango-go/proctor/pkg/gateway/config"
	"github.com/vango-go/proctor/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindIP     Kind = "ip"
	KindAnon   Kind = "anonymous"
)

// Client address headers set by trusted edges, most specific first.
var proxyHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

type Resolved struct {
	Kind Kind
	// Role is empty unless the caller authenticated.
	Role auth.Role
	// Raw is the API key or IP. It must not be logged.
	Raw string
	// Key is a hashed identifier safe for in-memory maps and logs.
	Key string
}

// LogValue keeps Raw out of structured logs.
func (p Resolved) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", string(p.Kind)), slog.String("key", p.Key)}
	if p.Role != "" {
		attrs = append(attrs, slog.String("role", string(p.Role)))
	}
	return slog.GroupValue(attrs...)
}

var anonymous = Resolved{Kind: KindAnon, Key: "anonymous"}

func Resolve(r *http.Request, cfg config.Config) Resolved {
	if r == nil {
		return anonymous
	}
	if p, ok := auth.PrincipalFrom(r.Context()); ok && strings.TrimSpace(p.APIKey) != "" {
		return Resolved{
			Kind: KindAPIKey,
			Role: p.Role,
			Raw:  p.APIKey,
			Key:  ratelimit.PrincipalKeyFromAPIKey(p.APIKey),
		}
	}
	addr, ok := clientAddr(r, cfg.TrustProxyHeaders)
	if !ok {
		return anonymous
	}
	ip := addr.String()
	return Resolved{Kind: KindIP, Raw: ip, Key: ratelimit.PrincipalKeyFromIP(ip)}
}

func clientAddr(r *http.Request, trustProxyHeaders bool) (netip.Addr, bool) {
	if trustProxyHeaders {
		for _, h := range proxyHeaders {
			raw := r.Header.Get(h)
			// X-Forwarded-For is "client, proxy1, proxy2"; the client is left-most.
			first, _, _ := strings.Cut(raw, ",")
			if addr, ok := parseAddr(first); ok {
				return addr, true
			}
		}
	}
	return parseAddr(r.RemoteAddr)
}

// parseAddr accepts a bare IP or host:port and unmaps IPv4-in-IPv6.
func parseAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
