package audio

import "time"

// defaultEchoDelay is the measured round-trip echo the delay line is
// sized for absent tenant-specific tuning.
const defaultEchoDelay = 200 * time.Millisecond

// Canceller removes TTS echo from captured microphone audio using a
// reference delay line seeded by outbound playback: outbound frames are
// pushed in as they're played, and each inbound frame is cleaned against
// the head-of-line reference recorded one round-trip ago. It fails open:
// an inbound frame with no reference available passes through
// unmodified rather than blocking or erroring.
type Canceller struct {
	sampleRate int
	delay      []int16 // ring buffer of reference (outbound) samples
	writePos   int
	filled     int
	adaptGain  float64
}

// NewCanceller builds a Canceller sized for the given round-trip delay
// at sampleRate. A zero delay uses defaultEchoDelay.
func NewCanceller(sampleRate int, delay time.Duration) *Canceller {
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	if delay <= 0 {
		delay = defaultEchoDelay
	}
	size := int(delay.Seconds() * float64(sampleRate))
	if size < 1 {
		size = 1
	}
	return &Canceller{
		sampleRate: sampleRate,
		delay:      make([]int16, size),
		adaptGain:  0.5,
	}
}

// PushReference records outbound (TTS) samples as they are sent to the
// switch, to be consumed later as the echo reference.
func (c *Canceller) PushReference(pcm []byte) {
	samples := bytesToInt16(pcm)
	for _, s := range samples {
		c.delay[c.writePos] = s
		c.writePos = (c.writePos + 1) % len(c.delay)
		if c.filled < len(c.delay) {
			c.filled++
		}
	}
}

// Clean subtracts the delayed reference from an inbound mic frame. If
// the reference buffer has not yet filled (no outbound audio has played
// long enough ago), the frame passes through untouched.
func (c *Canceller) Clean(pcm []byte) []byte {
	if c.filled < len(c.delay) {
		return pcm
	}
	samples := bytesToInt16(pcm)
	out := make([]int16, len(samples))

	readPos := c.writePos
	for i, mic := range samples {
		ref := c.delay[readPos]
		readPos = (readPos + 1) % len(c.delay)
		cleaned := float64(mic) - c.adaptGain*float64(ref)
		out[i] = clampToInt16(cleaned)
	}
	return int16ToBytes(out)
}

// Reset clears accumulated reference state, e.g. on barge-in when the
// prior playback is abandoned mid-stream.
func (c *Canceller) Reset() {
	for i := range c.delay {
		c.delay[i] = 0
	}
	c.writePos = 0
	c.filled = 0
}
