package audio

// Features is the externally computed signal summary that accompanies an
// audio chunk. Nil fields are unknown.
type Features struct {
	Energy           *float64
	SpeechConfidence *float64
}

// Gate decides whether a chunk is worth transcribing.
type Gate struct {
	// MinEnergy is the RMS level below which a chunk is silence. Default: 0.01
	MinEnergy float64 `yaml:"min_energy" json:"min_energy"`

	// MinSpeechConfidence is the VAD confidence needed to transcribe. Default: 0.5
	MinSpeechConfidence float64 `yaml:"min_speech_confidence" json:"min_speech_confidence"`
}

func DefaultGate() Gate {
	return Gate{MinEnergy: 0.01, MinSpeechConfidence: 0.5}
}

// Allow is true unless a known feature falls below its floor.
func (g Gate) Allow(f Features) bool {
	if f.Energy != nil && *f.Energy < g.MinEnergy {
		return false
	}
	if f.SpeechConfidence != nil && *f.SpeechConfidence < g.MinSpeechConfidence {
		return false
	}
	return true
}
