package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

var proctorEnvKeys = []string{
	"PROCTOR_ADDR",
	"PROCTOR_AUTH_MODE",
	"PROCTOR_EXAMINEE_KEYS",
	"PROCTOR_REVIEWER_KEYS",
	"PROCTOR_TRUST_PROXY_HEADERS",
	"PROCTOR_CORS_ORIGINS",
	"PROCTOR_MAX_FRAME_BYTES",
	"PROCTOR_MAX_TICK_FPS",
	"PROCTOR_MAX_AUDIO_BPS",
	"PROCTOR_INBOUND_BURST_SECONDS",
	"PROCTOR_WS_PING_INTERVAL",
	"PROCTOR_WS_WRITE_TIMEOUT",
	"PROCTOR_HANDSHAKE_TIMEOUT",
	"PROCTOR_RATE_LIMIT_RPS",
	"PROCTOR_RATE_LIMIT_BURST",
	"PROCTOR_MAX_REVIEWER_SOCKETS",
	"PROCTOR_READ_HEADER_TIMEOUT",
	"PROCTOR_READ_TIMEOUT",
	"PROCTOR_SHUTDOWN_GRACE_PERIOD",
	"PROCTOR_FALLBACK_REFERENCE",
	"PROCTOR_INFERENCE_URL",
	"PROCTOR_INFERENCE_TIMEOUT",
	"PROCTOR_GEMINI_API_KEY",
	"PROCTOR_GEMINI_MODEL",
	"PROCTOR_CARTESIA_API_KEY",
	"PROCTOR_INFERENCE_API_KEY",
	"PROCTOR_AUDIO_MAX_IN_FLIGHT",
	"PROCTOR_STORE_DRIVER",
	"PROCTOR_STORE_DSN",
	"PROCTOR_THRESHOLDS_FILE",
	"PROCTOR_OTEL_ENDPOINT",
	"PROCTOR_OTEL_ENABLED",
	"PROCTOR_LOG_FORMAT",
}

func clearProctorEnv(t *testing.T) {
	t.Helper()
	for _, key := range proctorEnvKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearProctorEnv(t)
	t.Setenv("PROCTOR_EXAMINEE_KEYS", "ex_test")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeRequired {
		t.Fatalf("AuthMode = %q, want %q", cfg.AuthMode, AuthModeRequired)
	}
	if cfg.MaxFrameBytes != 2<<20 {
		t.Fatalf("MaxFrameBytes = %d, want %d", cfg.MaxFrameBytes, int64(2<<20))
	}
	if cfg.MaxTickFPS != 10 || cfg.MaxAudioBytesPerSecond != 256<<10 || cfg.InboundBurstSeconds != 2 {
		t.Fatalf("inbound limits = %d/%d/%d", cfg.MaxTickFPS, cfg.MaxAudioBytesPerSecond, cfg.InboundBurstSeconds)
	}
	if cfg.WSPingInterval != 20*time.Second || cfg.WSWriteTimeout != 5*time.Second || cfg.HandshakeTimeout != 5*time.Second {
		t.Fatalf("ws timings = %v/%v/%v", cfg.WSPingInterval, cfg.WSWriteTimeout, cfg.HandshakeTimeout)
	}
	if cfg.LimitRPS != 5 || cfg.LimitBurst != 10 {
		t.Fatalf("rate limit = %v/%d, want 5/10", cfg.LimitRPS, cfg.LimitBurst)
	}
	if cfg.ReadHeaderTimeout != 10*time.Second || cfg.ReadTimeout != 30*time.Second || cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("server timeouts = %v/%v/%v", cfg.ReadHeaderTimeout, cfg.ReadTimeout, cfg.ShutdownGracePeriod)
	}
	if cfg.InferenceTimeout != 3*time.Second {
		t.Fatalf("InferenceTimeout = %v, want 3s", cfg.InferenceTimeout)
	}
	if cfg.GeminiModel != "gemini-2.0-flash" {
		t.Fatalf("GeminiModel = %q", cfg.GeminiModel)
	}
	if cfg.AudioMaxInFlight != 2 {
		t.Fatalf("AudioMaxInFlight = %d, want 2", cfg.AudioMaxInFlight)
	}
	if cfg.StoreDriver != StoreNone {
		t.Fatalf("StoreDriver = %q, want none", cfg.StoreDriver)
	}
	if cfg.LogFormat != "text" {
		t.Fatalf("LogFormat = %q, want text", cfg.LogFormat)
	}
	if cfg.TrustProxyHeaders || cfg.OTelEnabled {
		t.Fatalf("bool defaults should be false: %+v", cfg)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearProctorEnv(t)
	t.Setenv("PROCTOR_ADDR", ":9090")
	t.Setenv("PROCTOR_AUTH_MODE", "optional")
	t.Setenv("PROCTOR_EXAMINEE_KEYS", "e1, e2,,")
	t.Setenv("PROCTOR_REVIEWER_KEYS", "r1")
	t.Setenv("PROCTOR_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("PROCTOR_MAX_TICK_FPS", "0")
	t.Setenv("PROCTOR_MAX_AUDIO_BPS", "0")
	t.Setenv("PROCTOR_INBOUND_BURST_SECONDS", "0")
	t.Setenv("PROCTOR_RATE_LIMIT_RPS", "2.5")
	t.Setenv("PROCTOR_SHUTDOWN_GRACE_PERIOD", "45s")
	t.Setenv("PROCTOR_STORE_DRIVER", "sqlite")
	t.Setenv("PROCTOR_STORE_DSN", "/tmp/proctor.db")
	t.Setenv("PROCTOR_LOG_FORMAT", "JSON")
	t.Setenv("PROCTOR_OTEL_ENABLED", "true")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":9090" || cfg.AuthMode != AuthModeOptional {
		t.Fatalf("Addr/AuthMode = %q/%q", cfg.Addr, cfg.AuthMode)
	}
	if len(cfg.ExamineeKeys) != 2 || cfg.ExamineeKeys[1] != "e2" {
		t.Fatalf("ExamineeKeys = %q", cfg.ExamineeKeys)
	}
	if _, ok := KeySet(cfg.ReviewerKeys)["r1"]; !ok {
		t.Fatalf("ReviewerKeys = %q", cfg.ReviewerKeys)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("CORSOrigins = %q", cfg.CORSOrigins)
	}
	if cfg.MaxTickFPS != 0 || cfg.MaxAudioBytesPerSecond != 0 || cfg.InboundBurstSeconds != 0 {
		t.Fatalf("inbound limits should be disabled")
	}
	if cfg.LimitRPS != 2.5 || cfg.ShutdownGracePeriod != 45*time.Second {
		t.Fatalf("LimitRPS/Grace = %v/%v", cfg.LimitRPS, cfg.ShutdownGracePeriod)
	}
	if cfg.StoreDriver != StoreSQLite || cfg.StoreDSN != "/tmp/proctor.db" {
		t.Fatalf("store = %q/%q", cfg.StoreDriver, cfg.StoreDSN)
	}
	if cfg.LogFormat != "json" || !cfg.OTelEnabled {
		t.Fatalf("LogFormat/OTel = %q/%v", cfg.LogFormat, cfg.OTelEnabled)
	}
}

func TestLoadFromEnv_RequiredAuthNeedsKeys(t *testing.T) {
	clearProctorEnv(t)
	t.Setenv("PROCTOR_AUTH_MODE", "required")

	_, err := LoadFromEnv()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "PROCTOR_EXAMINEE_KEYS") {
		t.Fatalf("error = %v, expected PROCTOR_EXAMINEE_KEYS in message", err)
	}
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	cases := []struct {
		name      string
		env       map[string]string
		errSubstr string
	}{
		{
			name:      "bad auth mode",
			env:       map[string]string{"PROCTOR_AUTH_MODE": "sometimes"},
			errSubstr: "PROCTOR_AUTH_MODE",
		},
		{
			name:      "zero frame bytes",
			env:       map[string]string{"PROCTOR_AUTH_MODE": "disabled", "PROCTOR_MAX_FRAME_BYTES": "0"},
			errSubstr: "PROCTOR_MAX_FRAME_BYTES",
		},
		{
			name:      "limits without burst",
			env:       map[string]string{"PROCTOR_AUTH_MODE": "disabled", "PROCTOR_INBOUND_BURST_SECONDS": "0"},
			errSubstr: "PROCTOR_INBOUND_BURST_SECONDS",
		},
		{
			name:      "zero ping interval",
			env:       map[string]string{"PROCTOR_AUTH_MODE": "disabled", "PROCTOR_WS_PING_INTERVAL": "0s"},
			errSubstr: "PROCTOR_WS_PING_INTERVAL",
		},
		{
			name:      "store without dsn",
			env:       map[string]string{"PROCTOR_AUTH_MODE": "disabled", "PROCTOR_STORE_DRIVER": "postgres"},
			errSubstr: "PROCTOR_STORE_DSN",
		},
		{
			name:      "unknown store",
			env:       map[string]string{"PROCTOR_AUTH_MODE": "disabled", "PROCTOR_STORE_DRIVER": "mysql"},
			errSubstr: "PROCTOR_STORE_DRIVER",
		},
		{
			name:      "shared key",
			env:       map[string]string{"PROCTOR_EXAMINEE_KEYS": "k", "PROCTOR_REVIEWER_KEYS": "k"},
			errSubstr: "both",
		},
		{
			name:      "unparseable duration",
			env:       map[string]string{"PROCTOR_AUTH_MODE": "disabled", "PROCTOR_READ_TIMEOUT": "soon"},
			errSubstr: "parse env",
		},
		{
			name:      "bad log format",
			env:       map[string]string{"PROCTOR_AUTH_MODE": "disabled", "PROCTOR_LOG_FORMAT": "xml"},
			errSubstr: "PROCTOR_LOG_FORMAT",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearProctorEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if err == nil {
				t.Fatalf("expected error containing %q", tc.errSubstr)
			}
			if !strings.Contains(err.Error(), tc.errSubstr) {
				t.Fatalf("error = %v, want substring %q", err, tc.errSubstr)
			}
		})
	}
}
