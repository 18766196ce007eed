package proctor

import (
	"fmt"
	"strings"
	"time"
)

// Machine is the per-session video state machine. It is owned by exactly one
// session lane and is not safe for concurrent use.
type Machine struct {
	th        Thresholds
	sessionID string
	reference string
	fallback  string

	status Status
	reason Reason

	awaySince        time.Time
	welcomeBackSince time.Time
	gazeSince        time.Time
	gazeAlerted      bool

	slot      VerificationSlot
	lastFrame []byte
}

// NewMachine returns a machine in StatusFocused. referencePath is the
// session's enrolled identity image; fallbackPath is used when it is empty.
func NewMachine(sessionID, referencePath, fallbackPath string, th Thresholds) *Machine {
	return &Machine{
		th:        th,
		sessionID: sessionID,
		reference: strings.TrimSpace(referencePath),
		fallback:  strings.TrimSpace(fallbackPath),
		status:    StatusFocused,
	}
}

func (m *Machine) Status() (Status, Reason) { return m.status, m.reason }

// Step evaluates one perception tick.
func (m *Machine) Step(t Tick) Analysis {
	now := t.At
	prev := m.status
	var out Analysis

	// Only frames showing a face can serve as a verification sample.
	if len(t.Frame) > 0 && t.FaceCount > 0 {
		m.lastFrame = t.Frame
	}

	if res, ok := m.slot.Take(); ok {
		switch {
		case res.Error != "":
			m.set(StatusFocused, ReasonNone)
			out.VerificationError = res.Error
		case res.Distance > m.th.VerificationDistance:
			m.set(StatusCriticalImpersonation, ReasonNone)
			out.Alert = &Alert{
				Message:  fmt.Sprintf("Identity mismatch (distance %.2f)", res.Distance),
				Severity: SeverityCritical,
				Source:   SourceIdentity,
			}
			out.Penalty = m.th.Penalties.Impersonation
		default:
			m.set(StatusFocused, ReasonNone)
			out.Alert = &Alert{Message: "Identity verified", Severity: SeverityInfo, Source: SourceIdentity}
		}
	}

	if t.FaceCount <= 0 {
		m.stepAbsent(now, &out)
		return m.finish(out, prev)
	}

	m.awaySince = time.Time{}
	switch m.status {
	case StatusAway:
		m.set(StatusWelcomeBack, ReasonNone)
		m.welcomeBackSince = now
	case StatusWelcomeBack:
		if m.welcomeBackSince.IsZero() {
			m.welcomeBackSince = now
			break
		}
		// Wait for a frame captured after the return before verifying.
		if now.Sub(m.welcomeBackSince) > m.th.WelcomeBackDelay && len(m.lastFrame) > 0 {
			if id, ok := m.slot.Begin(); ok {
				m.welcomeBackSince = time.Time{}
				m.set(StatusVerifying, ReasonNone)
				out.Verify = &Job{
					ID:            id,
					SessionID:     m.sessionID,
					ReferencePath: m.referencePath(),
					Frame:         m.lastFrame,
				}
			}
		}
	}

	switch m.status {
	case StatusVerifying, StatusWelcomeBack, StatusCriticalImpersonation:
		return m.finish(out, prev)
	}

	if t.FaceCount > 1 {
		m.clearGaze()
		if m.status != StatusCriticalMultipleFaces {
			m.set(StatusCriticalMultipleFaces, ReasonMultipleFaces)
			out.Alert = &Alert{
				Message:  fmt.Sprintf("%d faces detected", t.FaceCount),
				Severity: SeverityCritical,
				Source:   SourceVideo,
			}
			out.Penalty = m.th.Penalties.MultipleFaces
		}
		return m.finish(out, prev)
	}

	if t.Pose != nil && m.poseOutOfBounds(*t.Pose) {
		m.clearGaze()
		if m.status != StatusDistracted || m.reason != ReasonHeadPose {
			m.set(StatusDistracted, ReasonHeadPose)
			out.Alert = &Alert{
				Message:  fmt.Sprintf("Head pose out of bounds (yaw %.1f, pitch %.1f)", t.Pose.Yaw, t.Pose.Pitch),
				Severity: SeverityWarning,
				Source:   SourceVideo,
			}
			out.Penalty = m.th.Penalties.HeadPose
		}
		return m.finish(out, prev)
	}

	m.stepGaze(now, t.Gaze, &out)
	return m.finish(out, prev)
}

func (m *Machine) stepAbsent(now time.Time, out *Analysis) {
	m.clearGaze()
	// The away timer owns the presence concern while no face is visible.
	m.welcomeBackSince = time.Time{}
	if m.awaySince.IsZero() {
		m.awaySince = now
	}
	if m.status == StatusAway || now.Sub(m.awaySince) <= m.th.AwayThreshold {
		return
	}
	m.slot.Cancel()
	m.lastFrame = nil
	m.set(StatusAway, ReasonNone)
	// An identity mismatch consumed on this tick keeps its alert; both
	// penalties apply.
	if out.Alert != nil && out.Alert.Severity == SeverityCritical {
		out.Penalty += m.th.Penalties.Away
		return
	}
	out.Alert = &Alert{Message: "No examinee detected", Severity: SeverityWarning, Source: SourceVideo}
	out.Penalty = m.th.Penalties.Away
}

func (m *Machine) stepGaze(now time.Time, g *Gaze, out *Analysis) {
	gaze := GazeCenter
	if g != nil && *g != "" {
		gaze = *g
	}
	if gaze == GazeCenter {
		m.clearGaze()
		m.set(StatusFocused, ReasonNone)
		return
	}

	if m.gazeSince.IsZero() {
		m.gazeSince = now
		m.gazeAlerted = false
	}
	if m.gazeAlerted {
		m.set(StatusDistracted, ReasonGaze)
		return
	}
	if now.Sub(m.gazeSince) <= m.th.GazeThreshold {
		m.set(StatusFocused, ReasonNone)
		return
	}
	m.gazeAlerted = true
	m.set(StatusDistracted, ReasonGaze)
	out.Alert = &Alert{
		Message:  fmt.Sprintf("Gaze %s for more than %.0fs", gaze, m.th.GazeThreshold.Seconds()),
		Severity: SeverityWarning,
		Source:   SourceVideo,
	}
	out.Penalty = m.th.Penalties.Gaze
}

// finish suppresses "Identity verified" unless it moved the session back to
// Focused from some other status.
func (m *Machine) finish(out Analysis, prev Status) Analysis {
	if out.Alert != nil && out.Alert.Source == SourceIdentity && out.Alert.Severity == SeverityInfo {
		if m.status != StatusFocused || prev == StatusFocused {
			out.Alert = nil
		}
	}
	out.Status = m.status
	out.Reason = m.reason
	return out
}

// Degrade records a tick whose face geometry could not be computed. Busy and
// presence states are kept so a provider outage cannot skip re-verification.
func (m *Machine) Degrade() Analysis {
	switch m.status {
	case StatusAway, StatusWelcomeBack, StatusVerifying, StatusCriticalImpersonation:
	default:
		m.set(StatusError, ReasonNone)
	}
	return Analysis{Status: m.status, Reason: m.reason}
}

// Deliver hands a finished verification result to the machine. It returns
// false when the job is no longer the one the session is waiting for.
func (m *Machine) Deliver(jobID uint64, res VerificationResult) bool {
	return m.slot.Complete(jobID, res)
}

// ClearFalseAlarm resets a multiple-faces critical status after a reviewer
// dismissed it.
func (m *Machine) ClearFalseAlarm() bool {
	if m.status != StatusCriticalMultipleFaces {
		return false
	}
	m.set(StatusFocused, ReasonNone)
	return true
}

// MachineSnapshot is a read-only view of the machine for diagnostics.
type MachineSnapshot struct {
	Status               Status
	Reason               Reason
	AwaySince            time.Time
	WelcomeBackSince     time.Time
	GazeSince            time.Time
	GazeAlerted          bool
	VerificationInFlight bool
}

func (m *Machine) Snapshot() MachineSnapshot {
	return MachineSnapshot{
		Status:               m.status,
		Reason:               m.reason,
		AwaySince:            m.awaySince,
		WelcomeBackSince:     m.welcomeBackSince,
		GazeSince:            m.gazeSince,
		GazeAlerted:          m.gazeAlerted,
		VerificationInFlight: m.slot.InFlight(),
	}
}

func (m *Machine) set(s Status, r Reason) {
	m.status = s
	m.reason = r
}

func (m *Machine) clearGaze() {
	m.gazeSince = time.Time{}
	m.gazeAlerted = false
}

func (m *Machine) poseOutOfBounds(p Pose) bool {
	yaw := p.Yaw
	if yaw < 0 {
		yaw = -yaw
	}
	return yaw > m.th.MaxAbsYaw || p.Pitch > m.th.MaxPitchUp || p.Pitch < m.th.MinPitchDown
}

func (m *Machine) referencePath() string {
	if m.reference != "" {
		return m.reference
	}
	return m.fallback
}
