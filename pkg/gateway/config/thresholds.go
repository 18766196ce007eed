package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yaml "go.yaml.in/yaml/v2"

	"github.com/vango-go/proctor/pkg/core/audio"
	"github.com/vango-go/proctor/pkg/core/proctor"
)

// Settings are the detection thresholds and tuning knobs loaded from the
// optional thresholds file.
type Settings struct {
	Proctor      proctor.Thresholds       `yaml:"proctor" json:"proctor"`
	Audio        audio.ScorerConfig       `yaml:"audio" json:"audio"`
	Conversation audio.ConversationConfig `yaml:"conversation" json:"conversation"`
	Gate         audio.Gate               `yaml:"gate" json:"gate"`

	VerificationTimeout        time.Duration `yaml:"verification_timeout" json:"verification_timeout"`
	MaxConcurrentVerifications int           `yaml:"max_concurrent_verifications" json:"max_concurrent_verifications"`

	DedupSize   int `yaml:"dedup_size" json:"dedup_size"`
	HistorySize int `yaml:"history_size" json:"history_size"`
}

func DefaultSettings() Settings {
	return Settings{
		Proctor:                    proctor.DefaultThresholds(),
		Audio:                      audio.DefaultScorerConfig(),
		Conversation:               audio.DefaultConversationConfig(),
		Gate:                       audio.DefaultGate(),
		VerificationTimeout:        20 * time.Second,
		MaxConcurrentVerifications: 16,
		DedupSize:                  20,
		HistorySize:                20,
	}
}

// Validate reports every misconfiguration at once. Any error is fatal at
// startup.
func (s Settings) Validate() error {
	var errs []error
	if err := s.Proctor.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := audio.NewScorer(s.Audio); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}
	if err := s.Conversation.Validate(); err != nil {
		errs = append(errs, err)
	}
	if s.Gate.MinEnergy < 0 || s.Gate.MinSpeechConfidence < 0 || s.Gate.MinSpeechConfidence > 1 {
		errs = append(errs, errors.New("gate min_energy must be >= 0 and min_speech_confidence within [0,1]"))
	}
	if s.VerificationTimeout <= 0 {
		errs = append(errs, errors.New("verification_timeout must be > 0"))
	}
	if s.MaxConcurrentVerifications <= 0 {
		errs = append(errs, errors.New("max_concurrent_verifications must be > 0"))
	}
	if s.DedupSize <= 0 || s.HistorySize <= 0 {
		errs = append(errs, errors.New("dedup_size and history_size must be > 0"))
	}
	return errors.Join(errs...)
}

// LoadThresholds reads a YAML or JSON thresholds file over the defaults. An
// empty path returns the defaults. Omitted keys keep their default values.
func LoadThresholds(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read thresholds: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse json thresholds: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse yaml thresholds: %w", err)
		}
	}

	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid thresholds in %s: %w", path, err)
	}
	return s, nil
}
