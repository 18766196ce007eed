package audio

import "time"

// SpeechEvent is one scored utterance.
type SpeechEvent struct {
	At    time.Time `json:"at"`
	Text  string    `json:"text"`
	Score int       `json:"score"`
	Tier  Tier      `json:"tier"`
}

// History is a bounded ring of the most recent speech events.
type History struct {
	events []SpeechEvent
	max    int
}

func NewHistory(max int) *History {
	if max <= 0 {
		max = 20
	}
	return &History{events: make([]SpeechEvent, 0, max), max: max}
}

func (h *History) Append(ev SpeechEvent) {
	if len(h.events) == h.max {
		copy(h.events, h.events[1:])
		h.events = h.events[:h.max-1]
	}
	h.events = append(h.events, ev)
}

// Snapshot returns a copy, oldest first.
func (h *History) Snapshot() []SpeechEvent {
	out := make([]SpeechEvent, len(h.events))
	copy(out, h.events)
	return out
}
