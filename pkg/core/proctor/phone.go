package proctor

import (
	"fmt"
	"time"
)

type PhoneState int

const (
	PhoneNone PhoneState = iota
	PhonePending
	PhoneCritical
)

func (s PhoneState) String() string {
	switch s {
	case PhonePending:
		return "pending"
	case PhoneCritical:
		return "critical"
	default:
		return "none"
	}
}

// PhoneAnalysis is the PhoneTimer's verdict for one tick.
type PhoneAnalysis struct {
	State   PhoneState
	Alert   *Alert
	Penalty int
}

// PhoneTimer latches a prohibited object that stays visible longer than the
// threshold. It resets as soon as the object is not visible; there is no grace
// period.
type PhoneTimer struct {
	threshold time.Duration
	penalty   int
	since     time.Time
	alerted   bool
}

func NewPhoneTimer(threshold time.Duration, penalty int) *PhoneTimer {
	return &PhoneTimer{threshold: threshold, penalty: penalty}
}

func (p *PhoneTimer) Observe(now time.Time, visible bool) PhoneAnalysis {
	if !visible {
		p.since = time.Time{}
		p.alerted = false
		return PhoneAnalysis{State: PhoneNone}
	}
	if p.since.IsZero() {
		p.since = now
		return PhoneAnalysis{State: PhonePending}
	}
	if p.alerted {
		return PhoneAnalysis{State: PhoneCritical}
	}
	elapsed := now.Sub(p.since)
	if elapsed <= p.threshold {
		return PhoneAnalysis{State: PhonePending}
	}
	p.alerted = true
	return PhoneAnalysis{
		State: PhoneCritical,
		Alert: &Alert{
			Message:  fmt.Sprintf("Cell phone visible for %.1fs", elapsed.Seconds()),
			Severity: SeverityCritical,
			Source:   SourcePhone,
		},
		Penalty: p.penalty,
	}
}

func (p *PhoneTimer) State() PhoneState {
	switch {
	case p.alerted:
		return PhoneCritical
	case !p.since.IsZero():
		return PhonePending
	default:
		return PhoneNone
	}
}
