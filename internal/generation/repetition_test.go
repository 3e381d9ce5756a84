package generation

import (
	"fmt"
	"testing"
)

func TestDetectorFiresOnThirdRepetition(t *testing.T) {
	d := NewDetector()
	seq := []string{"A", "B", "C", "D"}
	fired := -1
	for i := 0; i < 20; i++ {
		if d.Add(seq[i%4]) {
			fired = i + 1
			break
		}
	}
	if fired != 12 {
		t.Fatalf("want detection after 12 tokens, got %d", fired)
	}
}

func TestDetectorIgnoresVariedText(t *testing.T) {
	d := NewDetector()
	for i := 0; i < 200; i++ {
		if d.Add(fmt.Sprintf("w%d", i)) {
			t.Fatalf("false positive at %d", i)
		}
	}
	// two repetitions are tolerated
	d.Reset()
	for _, tok := range []string{"x", "the", "cat", "sat", "on", "the", "cat", "sat", "on", "mat"} {
		if d.Add(tok) {
			t.Fatalf("fired on %q", tok)
		}
	}
}

func TestDetectorLongerPeriod(t *testing.T) {
	d := NewDetector()
	seq := []string{"1", "2", "3", "4", "5", "6", "7"}
	for i := 0; i < 3*len(seq); i++ {
		if d.Add(seq[i%len(seq)]) {
			if i+1 != 21 {
				t.Fatalf("fired early at %d", i+1)
			}
			return
		}
	}
	t.Fatalf("period-7 repetition not detected")
}
