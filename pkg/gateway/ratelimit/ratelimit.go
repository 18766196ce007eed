// Package ratelimit keeps per-principal budgets in memory: a token bucket for
// REST calls, an in-flight request cap and a cap on open reviewer sockets.
// State is single-process.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

// Reasons reported on a denied Decision.
const (
	ReasonRate        = "rate"
	ReasonConcurrency = "concurrency"
	ReasonSockets     = "reviewer_sockets"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests int

	// MaxConcurrentWSSessions caps open reviewer sockets per principal.
	MaxConcurrentWSSessions int

	// MaxEntries and EntryTTL bound the principal table. Defaults: 10000, 30m
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	tokens   float64
	filled   time.Time
	requests int
	sockets  int
	lastSeen time.Time
}

// busy entries hold permits and are never evicted.
func (e *entry) busy() bool { return e.requests > 0 || e.sockets > 0 }

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{cfg: cfg, entries: make(map[string]*entry)}
}

func PrincipalKeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return "k_" + hex.EncodeToString(sum[:16])
}

func PrincipalKeyFromIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "ip_" + hex.EncodeToString(sum[:16])
}

type Permit struct {
	once    sync.Once
	release func()
}

// Release returns the permit. Extra calls do nothing.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	// Reason names the exhausted budget when Allowed is false.
	Reason string
	Permit *Permit
}

func denied(reason string, retryAfter int) Decision {
	return Decision{Reason: reason, RetryAfter: max(retryAfter, 1)}
}

func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryLocked(principal, now)

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		if ok, retryAfter := l.takeTokenLocked(e, now); !ok {
			return denied(ReasonRate, retryAfter)
		}
	}
	if n := l.cfg.MaxConcurrentRequests; n > 0 && e.requests >= n {
		return denied(ReasonConcurrency, 1)
	}
	e.requests++
	return Decision{Allowed: true, Permit: l.permit(func(e *entry) { e.requests-- }, e)}
}

func (l *Limiter) AcquireWSSession(principal string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryLocked(principal, now)

	if n := l.cfg.MaxConcurrentWSSessions; n > 0 && e.sockets >= n {
		return denied(ReasonSockets, 1)
	}
	e.sockets++
	return Decision{Allowed: true, Permit: l.permit(func(e *entry) { e.sockets-- }, e)}
}

// Len reports how many principals are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Limiter) permit(undo func(*entry), e *entry) *Permit {
	return &Permit{release: func() {
		l.mu.Lock()
		undo(e)
		l.mu.Unlock()
	}}
}

func (l *Limiter) entryLocked(principal string, now time.Time) *entry {
	if principal == "" {
		principal = "anonymous"
	}
	if e, ok := l.entries[principal]; ok {
		e.lastSeen = now
		return e
	}
	if len(l.entries) >= l.cfg.MaxEntries {
		l.evictLocked(now)
	}
	e := &entry{tokens: float64(l.cfg.Burst), filled: now, lastSeen: now}
	l.entries[principal] = e
	return e
}

// evictLocked drops idle entries past their TTL and, if the table is still
// full, the least recently seen idle entry.
func (l *Limiter) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, e := range l.entries {
		if e.busy() {
			continue
		}
		if now.Sub(e.lastSeen) > l.cfg.EntryTTL {
			delete(l.entries, k)
			continue
		}
		if oldestKey == "" || e.lastSeen.Before(oldest) {
			oldestKey, oldest = k, e.lastSeen
		}
	}
	if len(l.entries) >= l.cfg.MaxEntries && oldestKey != "" {
		delete(l.entries, oldestKey)
	}
}

func (l *Limiter) takeTokenLocked(e *entry, now time.Time) (bool, int) {
	capacity := float64(l.cfg.Burst)
	if elapsed := now.Sub(e.filled).Seconds(); elapsed > 0 {
		e.tokens = math.Min(capacity, e.tokens+elapsed*l.cfg.RPS)
		e.filled = now
	}
	if e.tokens >= 1 {
		e.tokens--
		return true, 0
	}
	return false, int(math.Ceil((1 - e.tokens) / l.cfg.RPS))
}
