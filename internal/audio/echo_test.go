package audio

import (
	"testing"
	"time"
)

func TestCancellerFailsOpenBeforeBufferFills(t *testing.T) {
	c := NewCanceller(8000, 50*time.Millisecond)
	in := pcm16Of([]int16{100, 200, 300})
	out := c.Clean(in)
	if string(out) != string(in) {
		t.Fatalf("Clean before fill must pass through unmodified")
	}
}

func TestCancellerCleansOnceReferenceFilled(t *testing.T) {
	c := NewCanceller(8000, 10*time.Millisecond) // 80 samples
	ref := make([]int16, 80)
	for i := range ref {
		ref[i] = 1000
	}
	c.PushReference(pcm16Of(ref))

	mic := pcm16Of([]int16{1000, 1000, 1000})
	out := c.Clean(mic)
	samples := bytesToInt16(out)
	for _, s := range samples {
		if s == 1000 {
			t.Fatalf("expected echo to be attenuated, got unchanged sample %d", s)
		}
	}
}

func TestCancellerResetClearsReferenceState(t *testing.T) {
	c := NewCanceller(8000, 10*time.Millisecond)
	ref := make([]int16, 80)
	c.PushReference(pcm16Of(ref))
	c.Reset()

	in := pcm16Of([]int16{42})
	out := c.Clean(in)
	if string(out) != string(in) {
		t.Fatalf("Clean after Reset must fail open (pass through) again")
	}
}
