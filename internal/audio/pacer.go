package audio

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	frameDuration   = 20 * time.Millisecond
	warmupDuration  = 300 * time.Millisecond
	lowQueueFrames  = 2
	pacerQueueDepth = 64
)

// BufferLowFunc is invoked, at most once per low-water crossing, when
// the outbound queue depth falls below lowQueueFrames while speaking.
type BufferLowFunc func()

// SpeakingDoneFunc is invoked immediately once a barge-in drains the
// queue, so the caller can emit ai.speaking.done without waiting for the
// queue to empty naturally.
type SpeakingDoneFunc func()

// Pacer owns a per-call outbound queue of 20ms frames and releases them
// to the switch at a strict wall-clock cadence: a 300ms warmup before
// the first release, then one frame every 20ms. It uses a
// golang.org/x/time/rate.Limiter to keep the release cadence honest
// even when the caller pushes frames in bursts.
type Pacer struct {
	mu       sync.Mutex
	queue    [][]byte
	speaking bool
	lowFired bool

	onRelease func([]byte)
	onLow     BufferLowFunc
	onDone    SpeakingDoneFunc

	limiter *rate.Limiter
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPacer creates a Pacer that calls onRelease for every frame it
// releases, onLow when the queue runs low during speech, and onDone
// when a barge-in finishes draining the queue.
func NewPacer(onRelease func([]byte), onLow BufferLowFunc, onDone SpeakingDoneFunc) *Pacer {
	return &Pacer{
		onRelease: onRelease,
		onLow:     onLow,
		onDone:    onDone,
		limiter:   rate.NewLimiter(rate.Every(frameDuration), 1),
		stopCh:    make(chan struct{}),
	}
}

// Enqueue pushes a 20ms outbound frame. Marks the pacer as speaking.
func (p *Pacer) Enqueue(frame []byte) {
	p.mu.Lock()
	p.speaking = true
	p.queue = append(p.queue, frame)
	if len(p.queue) > pacerQueueDepth {
		p.queue = p.queue[len(p.queue)-pacerQueueDepth:]
	}
	p.mu.Unlock()
}

// Start begins the warmup + release loop in a background goroutine. Safe
// to call once per Pacer.
func (p *Pacer) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run()
}

func (p *Pacer) run() {
	defer p.wg.Done()

	select {
	case <-time.After(warmupDuration):
	case <-p.stopCh:
		return
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.releaseOne()
		}
	}
}

func (p *Pacer) releaseOne() {
	if err := p.limiter.Wait(context.Background()); err != nil {
		return
	}

	p.mu.Lock()
	if len(p.queue) == 0 {
		p.speaking = false
		p.lowFired = false
		p.mu.Unlock()
		return
	}
	frame := p.queue[0]
	p.queue = p.queue[1:]
	remaining := len(p.queue)
	speaking := p.speaking
	lowAlready := p.lowFired
	if speaking && remaining < lowQueueFrames && !lowAlready {
		p.lowFired = true
	}
	fireLow := speaking && remaining < lowQueueFrames && !lowAlready
	p.mu.Unlock()

	if p.onRelease != nil {
		p.onRelease(frame)
	}
	if fireLow && p.onLow != nil {
		p.onLow()
	}
}

// BargeIn drains the queue within one frame period and signals
// completion immediately, instead of waiting for the pacer's natural
// cadence to empty it.
func (p *Pacer) BargeIn() {
	p.mu.Lock()
	p.queue = nil
	p.speaking = false
	p.lowFired = false
	p.mu.Unlock()

	if p.onDone != nil {
		p.onDone()
	}
}

// QueueDepth reports the number of frames currently queued.
func (p *Pacer) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stop halts the release loop and waits for it to exit.
func (p *Pacer) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}
