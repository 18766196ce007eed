package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type StoreDriver string

const (
	StoreNone     StoreDriver = "none"
	StoreSQLite   StoreDriver = "sqlite"
	StorePostgres StoreDriver = "postgres"
)

type Config struct {
	Addr string `env:"PROCTOR_ADDR" envDefault:":8080"`

	AuthMode     AuthMode `env:"PROCTOR_AUTH_MODE" envDefault:"required"`
	ExamineeKeys []string `env:"PROCTOR_EXAMINEE_KEYS" envSeparator:","`
	ReviewerKeys []string `env:"PROCTOR_REVIEWER_KEYS" envSeparator:","`

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool `env:"PROCTOR_TRUST_PROXY_HEADERS"`

	// CORS; empty => disabled
	CORSOrigins []string `env:"PROCTOR_CORS_ORIGINS" envSeparator:","`

	// Examinee socket inbound limits. Zero disables the rate limits.
	MaxFrameBytes          int64 `env:"PROCTOR_MAX_FRAME_BYTES" envDefault:"2097152"`
	MaxTickFPS             int   `env:"PROCTOR_MAX_TICK_FPS" envDefault:"10"`
	MaxAudioBytesPerSecond int64 `env:"PROCTOR_MAX_AUDIO_BPS" envDefault:"262144"`
	InboundBurstSeconds    int   `env:"PROCTOR_INBOUND_BURST_SECONDS" envDefault:"2"`

	WSPingInterval   time.Duration `env:"PROCTOR_WS_PING_INTERVAL" envDefault:"20s"`
	WSWriteTimeout   time.Duration `env:"PROCTOR_WS_WRITE_TIMEOUT" envDefault:"5s"`
	HandshakeTimeout time.Duration `env:"PROCTOR_HANDSHAKE_TIMEOUT" envDefault:"5s"`

	// REST limits (per principal).
	LimitRPS   float64 `env:"PROCTOR_RATE_LIMIT_RPS" envDefault:"5"`
	LimitBurst int     `env:"PROCTOR_RATE_LIMIT_BURST" envDefault:"10"`

	// Open reviewer dashboards per credential; 0 disables the cap.
	MaxReviewerSockets int `env:"PROCTOR_MAX_REVIEWER_SOCKETS" envDefault:"16"`

	ReadHeaderTimeout   time.Duration `env:"PROCTOR_READ_HEADER_TIMEOUT" envDefault:"10s"`
	ReadTimeout         time.Duration `env:"PROCTOR_READ_TIMEOUT" envDefault:"30s"`
	ShutdownGracePeriod time.Duration `env:"PROCTOR_SHUTDOWN_GRACE_PERIOD" envDefault:"30s"`

	// FallbackReference is used when a join carries no enrolled reference.
	FallbackReference string `env:"PROCTOR_FALLBACK_REFERENCE"`

	// Capability providers.
	InferenceURL     string        `env:"PROCTOR_INFERENCE_URL"`
	InferenceAPIKey  string        `env:"PROCTOR_INFERENCE_API_KEY"`
	InferenceTimeout time.Duration `env:"PROCTOR_INFERENCE_TIMEOUT" envDefault:"3s"`
	GeminiAPIKey     string        `env:"PROCTOR_GEMINI_API_KEY"`
	GeminiModel      string        `env:"PROCTOR_GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	CartesiaAPIKey   string        `env:"PROCTOR_CARTESIA_API_KEY"`
	AudioMaxInFlight int           `env:"PROCTOR_AUDIO_MAX_IN_FLIGHT" envDefault:"2"`

	StoreDriver StoreDriver `env:"PROCTOR_STORE_DRIVER" envDefault:"none"`
	StoreDSN    string      `env:"PROCTOR_STORE_DSN"`

	ThresholdsFile string `env:"PROCTOR_THRESHOLDS_FILE"`

	OTelEndpoint string `env:"PROCTOR_OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"PROCTOR_OTEL_ENABLED"`

	LogFormat string `env:"PROCTOR_LOG_FORMAT" envDefault:"text"`
}

func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.ExamineeKeys = trimCSV(cfg.ExamineeKeys)
	cfg.ReviewerKeys = trimCSV(cfg.ReviewerKeys)
	cfg.CORSOrigins = trimCSV(cfg.CORSOrigins)
	cfg.GeminiModel = strings.TrimSpace(cfg.GeminiModel)
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return fmt.Errorf("PROCTOR_AUTH_MODE must be one of required|optional|disabled")
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.ExamineeKeys) == 0 && len(cfg.ReviewerKeys) == 0 {
		return fmt.Errorf("PROCTOR_EXAMINEE_KEYS or PROCTOR_REVIEWER_KEYS must be set when PROCTOR_AUTH_MODE=required")
	}
	for _, k := range cfg.ExamineeKeys {
		for _, r := range cfg.ReviewerKeys {
			if k == r {
				return fmt.Errorf("a key must not be both an examinee key and a reviewer key")
			}
		}
	}

	if cfg.MaxFrameBytes <= 0 {
		return fmt.Errorf("PROCTOR_MAX_FRAME_BYTES must be > 0")
	}
	if cfg.MaxTickFPS < 0 {
		return fmt.Errorf("PROCTOR_MAX_TICK_FPS must be >= 0")
	}
	if cfg.MaxAudioBytesPerSecond < 0 {
		return fmt.Errorf("PROCTOR_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.InboundBurstSeconds < 0 {
		return fmt.Errorf("PROCTOR_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.MaxTickFPS > 0 || cfg.MaxAudioBytesPerSecond > 0) && cfg.InboundBurstSeconds < 1 {
		return fmt.Errorf("PROCTOR_INBOUND_BURST_SECONDS must be >= 1 when inbound limits are enabled")
	}
	if cfg.WSPingInterval <= 0 {
		return fmt.Errorf("PROCTOR_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return fmt.Errorf("PROCTOR_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return fmt.Errorf("PROCTOR_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return fmt.Errorf("PROCTOR_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return fmt.Errorf("PROCTOR_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.MaxReviewerSockets < 0 {
		return fmt.Errorf("PROCTOR_MAX_REVIEWER_SOCKETS must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("PROCTOR_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return fmt.Errorf("PROCTOR_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("PROCTOR_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.InferenceTimeout <= 0 {
		return fmt.Errorf("PROCTOR_INFERENCE_TIMEOUT must be > 0")
	}
	if cfg.AudioMaxInFlight <= 0 {
		return fmt.Errorf("PROCTOR_AUDIO_MAX_IN_FLIGHT must be > 0")
	}
	if cfg.GeminiAPIKey != "" && cfg.GeminiModel == "" {
		return fmt.Errorf("PROCTOR_GEMINI_MODEL must not be empty when PROCTOR_GEMINI_API_KEY is set")
	}

	switch cfg.StoreDriver {
	case StoreNone:
	case StoreSQLite, StorePostgres:
		if strings.TrimSpace(cfg.StoreDSN) == "" {
			return fmt.Errorf("PROCTOR_STORE_DSN must be set when PROCTOR_STORE_DRIVER=%s", cfg.StoreDriver)
		}
	default:
		return fmt.Errorf("PROCTOR_STORE_DRIVER must be one of none|sqlite|postgres")
	}

	switch cfg.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("PROCTOR_LOG_FORMAT must be one of text|json")
	}
	return nil
}

// KeySet returns the configured keys as a lookup set.
func KeySet(keys []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

func trimCSV(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
