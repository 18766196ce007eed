package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestError_String(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{&Error{Type: ErrInvalidRequest, Message: "unknown message type"}, "invalid_request_error: unknown message type"},
		{&Error{Type: ErrRateLimit, Message: "too many ticks", Code: "tick_rate_exceeded"}, "rate_limit_error: too many ticks (code: tick_rate_exceeded)"},
		{NewCapabilityError("transcriber", errors.New("503")), "capability_error: transcriber: 503"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error()=%q, want %q", got, tt.want)
		}
	}
}

func TestConstructors(t *testing.T) {
	rl := NewRateLimitError("slow down", 3)
	if rl.Type != ErrRateLimit || rl.RetryAfter == nil || *rl.RetryAfter != 3 {
		t.Fatalf("rate limit=%+v", rl)
	}
	p := NewInvalidRequestErrorWithParam("limit out of range", "limit")
	if p.Type != ErrInvalidRequest || p.Param != "limit" {
		t.Fatalf("invalid request=%+v", p)
	}
	for typ, e := range map[ErrorType]*Error{
		ErrAuthentication: NewAuthenticationError("x"),
		ErrPermission:     NewPermissionError("x"),
		ErrNotFound:       NewNotFoundError("x"),
		ErrOverloaded:     NewOverloadedError("x"),
	} {
		if e.Type != typ {
			t.Errorf("type=%q, want %q", e.Type, typ)
		}
	}
}

func TestCapabilityError_WrapsCause(t *testing.T) {
	err := fmt.Errorf("verify: %w", NewCapabilityError("identity_verifier", context.DeadlineExceeded))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("cause not reachable")
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Capability != "identity_verifier" {
		t.Fatalf("capability=%+v", ce)
	}
}

func TestError_IsRetryable(t *testing.T) {
	retryable := map[ErrorType]bool{
		ErrRateLimit:      true,
		ErrOverloaded:     true,
		ErrAPI:            true,
		ErrCapability:     true,
		ErrInvalidRequest: false,
		ErrAuthentication: false,
		ErrPermission:     false,
		ErrConflict:       false,
		ErrNotFound:       false,
	}
	for typ, want := range retryable {
		if got := (&Error{Type: typ}).IsRetryable(); got != want {
			t.Errorf("IsRetryable(%s)=%v, want %v", typ, got, want)
		}
	}
}
