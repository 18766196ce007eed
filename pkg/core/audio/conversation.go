package audio

import (
	"errors"
	"time"
)

type ConversationConfig struct {
	// Window and MinExchanges detect sustained back-and-forth. Defaults: 45s, 4
	Window       time.Duration `yaml:"window" json:"window"`
	MinExchanges int           `yaml:"min_exchanges" json:"min_exchanges"`

	// RapidWindow and RapidMinExchanges detect a quick burst. Defaults: 15s, 3
	RapidWindow       time.Duration `yaml:"rapid_window" json:"rapid_window"`
	RapidMinExchanges int           `yaml:"rapid_min_exchanges" json:"rapid_min_exchanges"`

	// Bonus is added to the score of the utterance that completes a conversation.
	// Default: 10
	Bonus int `yaml:"bonus" json:"bonus"`
}

func DefaultConversationConfig() ConversationConfig {
	return ConversationConfig{
		Window:            45 * time.Second,
		MinExchanges:      4,
		RapidWindow:       15 * time.Second,
		RapidMinExchanges: 3,
		Bonus:             10,
	}
}

func (c ConversationConfig) Validate() error {
	if c.Window <= 0 || c.MinExchanges <= 0 {
		return errors.New("conversation window and min_exchanges must be > 0")
	}
	if c.RapidWindow < 0 || c.RapidMinExchanges < 0 {
		return errors.New("conversation rapid_window and rapid_min_exchanges must be >= 0")
	}
	if c.RapidWindow > c.Window {
		return errors.New("conversation rapid_window must be <= window")
	}
	if c.Bonus < 0 {
		return errors.New("conversation bonus must be >= 0")
	}
	return nil
}

const (
	PatternSustained = "sustained_conversation"
	PatternRapid     = "rapid_exchange"
)

// Conversation is the tracker's verdict after observing one utterance.
type Conversation struct {
	Detected  bool
	Pattern   string
	Exchanges int
}

// ConversationTracker counts recent utterances in a sliding window.
type ConversationTracker struct {
	cfg   ConversationConfig
	times []time.Time
}

func NewConversationTracker(cfg ConversationConfig) *ConversationTracker {
	return &ConversationTracker{cfg: cfg}
}

// Observe records an utterance at now and evaluates both windows.
func (c *ConversationTracker) Observe(now time.Time) Conversation {
	c.times = append(c.times, now)
	c.prune(now)

	total := len(c.times)
	if total >= c.cfg.MinExchanges {
		return Conversation{Detected: true, Pattern: PatternSustained, Exchanges: total}
	}
	if c.cfg.RapidMinExchanges > 0 && c.cfg.RapidWindow > 0 {
		rapid := 0
		for _, t := range c.times {
			if now.Sub(t) <= c.cfg.RapidWindow {
				rapid++
			}
		}
		if rapid >= c.cfg.RapidMinExchanges {
			return Conversation{Detected: true, Pattern: PatternRapid, Exchanges: rapid}
		}
	}
	return Conversation{Exchanges: total}
}

func (c *ConversationTracker) prune(now time.Time) {
	keep := c.times[:0]
	for _, t := range c.times {
		if now.Sub(t) <= c.cfg.Window {
			keep = append(keep, t)
		}
	}
	c.times = keep
}

// Len is the number of utterances currently inside the window.
func (c *ConversationTracker) Len() int { return len(c.times) }
