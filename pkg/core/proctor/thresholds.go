package proctor

import (
	"errors"
	"fmt"
	"time"
)

// Thresholds holds every tunable constant used by the video side of the engine.
type Thresholds struct {
	// AwayThreshold is how long no face may be seen before the session is Away.
	// Default: 5s
	AwayThreshold time.Duration `yaml:"away_threshold" json:"away_threshold"`

	// WelcomeBackDelay is how long a returning face must stay before identity
	// is re-verified. Default: 4s
	WelcomeBackDelay time.Duration `yaml:"welcome_back_delay" json:"welcome_back_delay"`

	// GazeThreshold is how long gaze may stay off-center before alerting.
	// Default: 5s
	GazeThreshold time.Duration `yaml:"gaze_threshold" json:"gaze_threshold"`

	// Head pose bounds in degrees. Defaults: 35, 30, -20
	MaxAbsYaw    float64 `yaml:"max_abs_yaw" json:"max_abs_yaw"`
	MaxPitchUp   float64 `yaml:"max_pitch_up" json:"max_pitch_up"`
	MinPitchDown float64 `yaml:"min_pitch_down" json:"min_pitch_down"`

	// VerificationDistance is the largest identity distance still treated as a match.
	// Default: 0.50
	VerificationDistance float64 `yaml:"verification_distance" json:"verification_distance"`

	// PhoneAlertThreshold is how long a prohibited object must stay visible.
	// Default: 1s
	PhoneAlertThreshold time.Duration `yaml:"phone_alert_threshold" json:"phone_alert_threshold"`

	// PhoneMinConfidence is the detector confidence needed to count a phone.
	// Default: 0.30
	PhoneMinConfidence float64 `yaml:"phone_min_confidence" json:"phone_min_confidence"`

	Penalties Penalties `yaml:"penalties" json:"penalties"`
}

// Penalties are the score deductions per alerting condition.
type Penalties struct {
	HeadPose      int `yaml:"head_pose" json:"head_pose"`
	Gaze          int `yaml:"gaze" json:"gaze"`
	MultipleFaces int `yaml:"multiple_faces" json:"multiple_faces"`
	Away          int `yaml:"away" json:"away"`
	Impersonation int `yaml:"impersonation" json:"impersonation"`
	Phone         int `yaml:"phone" json:"phone"`
}

// DefaultThresholds returns the reference tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AwayThreshold:        5 * time.Second,
		WelcomeBackDelay:     4 * time.Second,
		GazeThreshold:        5 * time.Second,
		MaxAbsYaw:            35,
		MaxPitchUp:           30,
		MinPitchDown:         -20,
		VerificationDistance: 0.50,
		PhoneAlertThreshold:  time.Second,
		PhoneMinConfidence:   0.30,
		Penalties: Penalties{
			HeadPose:      5,
			Gaze:          2,
			MultipleFaces: 25,
			Away:          15,
			Impersonation: 100,
			Phone:         25,
		},
	}
}

// Validate rejects tunings the engine cannot run with.
func (t Thresholds) Validate() error {
	var errs []error
	if t.AwayThreshold <= 0 {
		errs = append(errs, errors.New("away_threshold must be > 0"))
	}
	if t.WelcomeBackDelay < 0 {
		errs = append(errs, errors.New("welcome_back_delay must be >= 0"))
	}
	if t.GazeThreshold <= 0 {
		errs = append(errs, errors.New("gaze_threshold must be > 0"))
	}
	if t.PhoneAlertThreshold < 0 {
		errs = append(errs, errors.New("phone_alert_threshold must be >= 0"))
	}
	if t.MaxAbsYaw <= 0 {
		errs = append(errs, errors.New("max_abs_yaw must be > 0"))
	}
	if t.MaxPitchUp <= t.MinPitchDown {
		errs = append(errs, fmt.Errorf("max_pitch_up (%.1f) must be > min_pitch_down (%.1f)", t.MaxPitchUp, t.MinPitchDown))
	}
	if t.VerificationDistance <= 0 {
		errs = append(errs, errors.New("verification_distance must be > 0"))
	}
	if t.PhoneMinConfidence < 0 || t.PhoneMinConfidence > 1 {
		errs = append(errs, errors.New("phone_min_confidence must be within [0,1]"))
	}
	p := t.Penalties
	if p.HeadPose < 0 || p.Gaze < 0 || p.MultipleFaces < 0 || p.Away < 0 || p.Impersonation < 0 || p.Phone < 0 {
		errs = append(errs, errors.New("penalties must be >= 0"))
	}
	return errors.Join(errs...)
}
