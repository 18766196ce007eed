package proctor

// Status is the externally reported integrity status of a session.
type Status int

const (
	StatusFocused Status = iota
	StatusDistracted
	StatusAway
	StatusWelcomeBack
	StatusVerifying
	StatusCriticalImpersonation
	StatusCriticalMultipleFaces
	StatusError
	// Phone statuses only appear after fusion.
	StatusPhoneDetected
	StatusCriticalPhone
)

func (s Status) String() string {
	switch s {
	case StatusFocused:
		return "focused"
	case StatusDistracted:
		return "distracted"
	case StatusAway:
		return "away"
	case StatusWelcomeBack:
		return "welcome_back"
	case StatusVerifying:
		return "verifying"
	case StatusCriticalImpersonation:
		return "critical_impersonation"
	case StatusCriticalMultipleFaces:
		return "critical_multiple_faces"
	case StatusError:
		return "error"
	case StatusPhoneDetected:
		return "phone_detected"
	case StatusCriticalPhone:
		return "critical_phone"
	default:
		return "unknown"
	}
}

// Critical reports whether s is one of the critical statuses.
func (s Status) Critical() bool {
	switch s {
	case StatusCriticalImpersonation, StatusCriticalMultipleFaces, StatusCriticalPhone:
		return true
	default:
		return false
	}
}

// Reason qualifies StatusDistracted.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonHeadPose
	ReasonGaze
	ReasonMultipleFaces
)

func (r Reason) String() string {
	switch r {
	case ReasonHeadPose:
		return "head_pose"
	case ReasonGaze:
		return "gaze"
	case ReasonMultipleFaces:
		return "multiple_faces"
	default:
		return ""
	}
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Source names the detector family that raised an alert.
type Source string

const (
	SourceVideo    Source = "video"
	SourcePhone    Source = "phone"
	SourceAudio    Source = "audio"
	SourceIdentity Source = "identity"
	SourceSystem   Source = "system"
	SourceReviewer Source = "reviewer"
)

// Alert is a new condition worth showing to a reviewer.
type Alert struct {
	Message  string
	Severity Severity
	Source   Source
}

// Informational reports whether the alert must not count as a warning.
func (a *Alert) Informational() bool {
	return a == nil || a.Severity == SeverityInfo
}

// Analysis is the outcome of one machine step.
type Analysis struct {
	Status  Status
	Reason  Reason
	Alert   *Alert
	Penalty int

	// Verify is set when this step reserved a verification job.
	Verify *Job

	// VerificationError carries a consumed capability error for the caller to log.
	VerificationError string
}
