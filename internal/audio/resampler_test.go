package audio

import "testing"

func silentPCM16(samples int) []byte {
	return make([]byte, samples*2)
}

func TestResamplerIdentityPassesThrough(t *testing.T) {
	r := NewResampler(8000, 8000)
	pcm := pcm16Of([]int16{1, 2, 3, -4, -5})
	out := r.Process(pcm)
	if len(out) != len(pcm) {
		t.Fatalf("identity resampler changed length: got %d, want %d", len(out), len(pcm))
	}
}

func TestResamplerOutputSampleCountTracksRatioOverMultipleFrames(t *testing.T) {
	r := NewResampler(8000, 24000)
	frameSamplesIn := 160 // 20ms @ 8kHz
	wantPerFrame := 480   // 20ms @ 24kHz

	var totalOut int
	const frames = 20
	for i := 0; i < frames; i++ {
		out := r.Process(silentPCM16(frameSamplesIn))
		totalOut += len(out) / 2
	}

	wantTotal := frames * wantPerFrame
	// Allow one frame of slack for startup transient, per the resampler's
	// streaming warm-up behavior.
	if diff := abs16(totalOut - wantTotal); diff > wantPerFrame {
		t.Fatalf("totalOut = %d, want within one frame of %d", totalOut, wantTotal)
	}
}

func TestResamplerDownsamplingReducesSampleCount(t *testing.T) {
	r := NewResampler(24000, 8000)
	frameSamplesIn := 480 // 20ms @ 24kHz
	wantPerFrame := 160   // 20ms @ 8kHz

	var totalOut int
	const frames = 20
	for i := 0; i < frames; i++ {
		out := r.Process(silentPCM16(frameSamplesIn))
		totalOut += len(out) / 2
	}

	wantTotal := frames * wantPerFrame
	if diff := abs16(totalOut - wantTotal); diff > wantPerFrame {
		t.Fatalf("totalOut = %d, want within one frame of %d", totalOut, wantTotal)
	}
}

func TestGroupDelayIsConstantAcrossInstances(t *testing.T) {
	a := NewResampler(8000, 24000)
	b := NewResampler(8000, 24000)
	if a.GroupDelaySamples() != b.GroupDelaySamples() {
		t.Fatalf("group delay not deterministic across identical instances")
	}
	if a.GroupDelaySamples() < 0 {
		t.Fatalf("group delay must be non-negative")
	}
}

func TestSilenceStaysNearSilentAfterWarmup(t *testing.T) {
	r := NewResampler(8000, 24000)
	var out []byte
	for i := 0; i < 5; i++ {
		out = append(out, r.Process(silentPCM16(160))...)
	}
	samples := bytesToInt16(out)
	// Skip the startup transient; steady state must be silent.
	for _, s := range samples[len(samples)/2:] {
		if abs16(int(s)) > 4 {
			t.Fatalf("steady-state output of silence is not silent: %d", s)
		}
	}
}
