package audio

import (
	"fmt"
	"testing"
)

func TestDedupCache_SuppressesRepeats(t *testing.T) {
	d := NewDedupCache(0)
	if d.Seen("What is the answer?") {
		t.Fatalf("first sighting reported as seen")
	}
	if !d.Seen("  what is THE answer ") {
		t.Fatalf("normalized repeat not suppressed")
	}
	if !d.Seen("...") {
		t.Fatalf("text with no words should be skipped")
	}
}

func TestDedupCache_Evicts(t *testing.T) {
	d := NewDedupCache(3)
	for i := 0; i < 4; i++ {
		if d.Seen(fmt.Sprintf("utterance %d", i)) {
			t.Fatalf("utterance %d reported as seen", i)
		}
	}
	if d.Seen("utterance 0") {
		t.Fatalf("evicted utterance still cached")
	}
	if !d.Seen("utterance 3") {
		t.Fatalf("recent utterance not cached")
	}
}
