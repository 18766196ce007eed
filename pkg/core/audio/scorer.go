// Package audio scores exam-room speech transcripts for signs of cheating.
//
// The Scorer is a pure function of its configuration and the transcript text.
// ConversationTracker, DedupCache and History carry the small amount of
// per-session state the audio path needs; they are owned by the session lane
// and are not safe for concurrent use.
package audio

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Tier is the risk classification of a transcript.
type Tier string

const (
	TierLow      Tier = "low"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// Escalate returns the next tier up, saturating at critical.
func (t Tier) Escalate() Tier {
	switch t {
	case TierLow:
		return TierHigh
	default:
		return TierCritical
	}
}

// Pattern is a scored regular expression over the lower-cased transcript.
type Pattern struct {
	Expr  string `yaml:"expr" json:"expr"`
	Score int    `yaml:"score" json:"score"`
}

// ScorerConfig is the keyword and pattern table plus tier thresholds.
type ScorerConfig struct {
	Keywords map[string]int `yaml:"keywords" json:"keywords"`
	Patterns []Pattern      `yaml:"patterns" json:"patterns"`

	// QuestionBonus is added when the text reads as a question.
	QuestionBonus   int      `yaml:"question_bonus" json:"question_bonus"`
	QuestionStarter []string `yaml:"question_starters" json:"question_starters"`

	// LongUtteranceWords enables a bonus of one point per word beyond it,
	// capped at LongUtteranceMaxBonus. Zero disables the bonus.
	LongUtteranceWords    int `yaml:"long_utterance_words" json:"long_utterance_words"`
	LongUtteranceMaxBonus int `yaml:"long_utterance_max_bonus" json:"long_utterance_max_bonus"`

	// Defaults: 12, 25
	SuspicionThreshold int `yaml:"suspicion_threshold" json:"suspicion_threshold"`
	CriticalThreshold  int `yaml:"critical_threshold" json:"critical_threshold"`

	// MinTextLength is the shortest transcript worth scoring. Default: 3
	MinTextLength int `yaml:"min_text_length" json:"min_text_length"`
}

// DefaultScorerConfig returns the reference keyword table.
func DefaultScorerConfig() ScorerConfig {
	kw := map[string]int{}
	for weight, words := range map[int][]string{
		10: {"answer", "answers", "solution", "solutions"},
		7:  {"question", "help", "tell", "google", "search", "phone", "calculator", "chatgpt", "gpt"},
		5:  {"test", "exam", "quiz", "option", "choice", "select", "calculate", "solve"},
		3:  {"what", "how", "why", "send", "give", "show", "find", "check", "define", "explain", "list", "name"},
	} {
		for _, w := range words {
			kw[w] = weight
		}
	}
	return ScorerConfig{
		Keywords: kw,
		Patterns: []Pattern{
			{Expr: `what\s+is\s+the\s+(answer|solution)`, Score: 15},
			{Expr: `question\s+(number\s+)?\d+`, Score: 12},
			{Expr: `option\s+[a-d]\b`, Score: 10},
			{Expr: `help\s+me\s+(with|solve|answer)`, Score: 12},
			{Expr: `tell\s+me\s+(the|how)`, Score: 10},
			{Expr: `(search|google)\s+(for|this)`, Score: 12},
			{Expr: `can\s+you\s+(help|tell|give)`, Score: 10},
			{Expr: `i\s+don'?t\s+know\s+(the\s+)?(answer|solution)`, Score: 8},
			{Expr: `(send|share|give)\s+me`, Score: 10},
			{Expr: `what\s+does\s+.{5,30}\s+mean`, Score: 7},
			{Expr: `how\s+do\s+(i|you)\s+(calculate|solve|find)`, Score: 12},
			{Expr: `(alexa|siri|hey\s+google)`, Score: 15},
		},
		QuestionBonus:      5,
		QuestionStarter:    []string{"what", "how", "why", "can", "could", "is", "are", "do", "does", "tell me", "explain", "define"},
		SuspicionThreshold: 12,
		CriticalThreshold:  25,
		MinTextLength:      3,
	}
}

// Analysis is the scored view of one transcript.
type Analysis struct {
	Score           int      `json:"score"`
	Tier            Tier     `json:"tier"`
	MatchedKeywords []string `json:"matched_keywords,omitempty"`
	MatchedPatterns []string `json:"matched_patterns,omitempty"`
	Question        bool     `json:"question,omitempty"`
}

type compiledPattern struct {
	expr  string
	re    *regexp.Regexp
	score int
}

// Scorer maps transcript text to a suspicion Analysis.
type Scorer struct {
	cfg      ScorerConfig
	patterns []compiledPattern
	starters []string
}

// NewScorer validates cfg and compiles its patterns.
func NewScorer(cfg ScorerConfig) (*Scorer, error) {
	if cfg.SuspicionThreshold <= 0 {
		return nil, errors.New("suspicion_threshold must be > 0")
	}
	if cfg.CriticalThreshold <= cfg.SuspicionThreshold {
		return nil, errors.New("critical_threshold must be > suspicion_threshold")
	}
	if cfg.QuestionBonus < 0 || cfg.LongUtteranceWords < 0 || cfg.LongUtteranceMaxBonus < 0 {
		return nil, errors.New("bonuses must be >= 0")
	}
	s := &Scorer{cfg: cfg}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", p.Expr, err)
		}
		s.patterns = append(s.patterns, compiledPattern{expr: p.Expr, re: re, score: p.Score})
	}
	for _, st := range cfg.QuestionStarter {
		st = strings.ToLower(strings.TrimSpace(st))
		if st != "" {
			s.starters = append(s.starters, st)
		}
	}
	return s, nil
}

// Score is deterministic and has no side effects.
func (s *Scorer) Score(text string) Analysis {
	lower := strings.ToLower(strings.TrimSpace(text))
	if len(lower) < s.cfg.MinTextLength {
		return Analysis{Tier: TierLow}
	}

	var out Analysis
	words := tokenize(lower)
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if weight, ok := s.cfg.Keywords[w]; ok {
			out.Score += weight
			out.MatchedKeywords = append(out.MatchedKeywords, w)
		}
	}
	sort.Strings(out.MatchedKeywords)

	for _, p := range s.patterns {
		if p.re.MatchString(lower) {
			out.Score += p.score
			out.MatchedPatterns = append(out.MatchedPatterns, p.expr)
		}
	}

	if s.isQuestion(lower, words) {
		out.Question = true
		out.Score += s.cfg.QuestionBonus
	}

	if n := s.cfg.LongUtteranceWords; n > 0 && len(words) > n {
		bonus := len(words) - n
		if bonus > s.cfg.LongUtteranceMaxBonus {
			bonus = s.cfg.LongUtteranceMaxBonus
		}
		out.Score += bonus
	}

	out.Tier = s.Classify(out.Score)
	return out
}

// Classify maps a score to a tier using the configured thresholds.
func (s *Scorer) Classify(score int) Tier {
	switch {
	case score >= s.cfg.CriticalThreshold:
		return TierCritical
	case score >= s.cfg.SuspicionThreshold:
		return TierHigh
	default:
		return TierLow
	}
}

func (s *Scorer) isQuestion(lower string, words []string) bool {
	if strings.Contains(lower, "?") {
		return true
	}
	for _, st := range s.starters {
		if !strings.HasPrefix(lower, st) {
			continue
		}
		// Require a word boundary so "however" does not read as "how".
		starterWords := strings.Fields(st)
		if len(words) >= len(starterWords) && strings.Join(words[:len(starterWords)], " ") == st {
			return true
		}
	}
	return false
}

func tokenize(lower string) []string {
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// Normalize lower-cases text, drops punctuation and collapses whitespace.
func Normalize(text string) string {
	return strings.Join(tokenize(strings.ToLower(text)), " ")
}
