package proctor

// Decision is the single merged outcome of one tick.
type Decision struct {
	Status  Status
	Reason  Reason
	Alert   *Alert
	Penalty int
}

const (
	tierNone = iota - 1
	tierDefault
	tierPhonePending
	tierAttention
	tierCritical
)

func videoTier(s Status) int {
	switch {
	case s.Critical():
		return tierCritical
	case s == StatusAway || s == StatusDistracted:
		return tierAttention
	default:
		return tierDefault
	}
}

func phoneTier(s PhoneState) int {
	switch s {
	case PhoneCritical:
		return tierCritical
	case PhonePending:
		return tierPhonePending
	default:
		return tierNone
	}
}

// Fuse merges the video and phone analyses of one tick. Exactly one source
// wins; penalties are never summed. When both are critical the source that
// raised an alert this tick wins, and the phone wins a tie.
func Fuse(video Analysis, phone PhoneAnalysis) Decision {
	vd := Decision{Status: video.Status, Reason: video.Reason, Alert: video.Alert, Penalty: video.Penalty}

	var pd Decision
	switch phone.State {
	case PhoneCritical:
		pd = Decision{Status: StatusCriticalPhone, Alert: phone.Alert, Penalty: phone.Penalty}
	case PhonePending:
		pd = Decision{Status: StatusPhoneDetected}
	}

	vt, pt := videoTier(video.Status), phoneTier(phone.State)
	switch {
	case pt > vt:
		return pd
	case vt > pt:
		return vd
	}
	if phone.Alert != nil || video.Alert == nil {
		return pd
	}
	return vd
}

// MaxScore is the score every session starts with.
const MaxScore = 100

// Ledger is a session's score and warning counter. Owned by the session lane.
type Ledger struct {
	score    int
	warnings int
	status   Status
	reason   Reason
}

func NewLedger() *Ledger {
	return &Ledger{score: MaxScore, status: StatusFocused}
}

// Apply records a tick decision and reports whether an update must be broadcast.
func (l *Ledger) Apply(d Decision) bool {
	changed := l.Charge(d.Alert, d.Penalty)
	if d.Status != l.status || d.Reason != l.reason {
		l.status = d.Status
		l.reason = d.Reason
		changed = true
	}
	return changed
}

// Charge applies an alert and penalty that do not carry a status, such as an
// audio finding. Informational alerts do not count as warnings.
func (l *Ledger) Charge(a *Alert, penalty int) bool {
	changed := false
	if penalty > 0 {
		next := l.score - penalty
		if next < 0 {
			next = 0
		}
		if next != l.score {
			l.score = next
			changed = true
		}
	}
	if a != nil {
		changed = true
		if !a.Informational() {
			l.warnings++
		}
	}
	return changed
}

// Reset restores the score after an explicit reviewer action. Warnings are kept.
func (l *Ledger) Reset() bool {
	if l.score == MaxScore {
		return false
	}
	l.score = MaxScore
	return true
}

// SetStatus overrides the reported status outside of a tick.
func (l *Ledger) SetStatus(s Status, r Reason) bool {
	if l.status == s && l.reason == r {
		return false
	}
	l.status = s
	l.reason = r
	return true
}

func (l *Ledger) Score() int               { return l.score }
func (l *Ledger) Warnings() int            { return l.warnings }
func (l *Ledger) Status() (Status, Reason) { return l.status, l.reason }
