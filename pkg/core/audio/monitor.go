package audio

import (
	"strings"
	"time"
)

// Finding is a scored, de-duplicated utterance.
type Finding struct {
	Analysis
	Text         string
	Conversation Conversation
}

// Suspicious reports whether the finding should raise an alert.
func (f Finding) Suspicious() bool {
	return f.Tier == TierHigh || f.Tier == TierCritical
}

// Monitor is one session's audio state: dedup cache, conversation window and
// speech history around a shared Scorer.
type Monitor struct {
	scorer  *Scorer
	conv    *ConversationTracker
	bonus   int
	dedup   *DedupCache
	history *History
}

func NewMonitor(scorer *Scorer, conv ConversationConfig, dedupSize, historySize int) *Monitor {
	return &Monitor{
		scorer:  scorer,
		conv:    NewConversationTracker(conv),
		bonus:   conv.Bonus,
		dedup:   NewDedupCache(dedupSize),
		history: NewHistory(historySize),
	}
}

// Observe scores text heard at now. It returns false for empty, too short or
// repeated transcripts, which are not events.
func (m *Monitor) Observe(now time.Time, text string) (Finding, bool) {
	text = strings.TrimSpace(text)
	if text == "" || len(text) < m.scorer.cfg.MinTextLength {
		return Finding{}, false
	}
	if m.dedup.Seen(text) {
		return Finding{}, false
	}

	f := Finding{Analysis: m.scorer.Score(text), Text: text}
	f.Conversation = m.conv.Observe(now)
	if f.Conversation.Detected {
		f.Score += m.bonus
		f.Tier = maxTier(f.Tier.Escalate(), m.scorer.Classify(f.Score))
	}

	m.history.Append(SpeechEvent{At: now, Text: text, Score: f.Score, Tier: f.Tier})
	return f, true
}

func (m *Monitor) History() []SpeechEvent { return m.history.Snapshot() }

func tierRank(t Tier) int {
	switch t {
	case TierCritical:
		return 2
	case TierHigh:
		return 1
	default:
		return 0
	}
}

func maxTier(a, b Tier) Tier {
	if tierRank(b) > tierRank(a) {
		return b
	}
	return a
}
