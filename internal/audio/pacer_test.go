package audio

import (
	"sync"
	"testing"
	"time"
)

func TestPacerReleasesAfterWarmupAtFrameCadence(t *testing.T) {
	var mu sync.Mutex
	var releases []time.Time

	p := NewPacer(func([]byte) {
		mu.Lock()
		releases = append(releases, time.Now())
		mu.Unlock()
	}, nil, nil)

	for i := 0; i < 5; i++ {
		p.Enqueue([]byte{byte(i)})
	}

	start := time.Now()
	p.Start()
	defer p.Stop()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(releases)
		mu.Unlock()
		if n >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pacer did not release 3 frames within 2s (got %d)", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	firstDelay := releases[0].Sub(start)
	if firstDelay < warmupDuration-20*time.Millisecond {
		t.Fatalf("first release happened before warmup elapsed: %v", firstDelay)
	}

	gap := releases[1].Sub(releases[0])
	if gap < frameDuration-15*time.Millisecond || gap > frameDuration+50*time.Millisecond {
		t.Fatalf("inter-release gap = %v, want ~%v", gap, frameDuration)
	}
}

func TestPacerFiresBufferLowBelowTwoFrames(t *testing.T) {
	lowCh := make(chan struct{}, 1)
	p := NewPacer(func([]byte) {}, func() {
		select {
		case lowCh <- struct{}{}:
		default:
		}
	}, nil)

	p.Enqueue([]byte{1})
	p.Enqueue([]byte{2})
	p.Start()
	defer p.Stop()

	select {
	case <-lowCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("buffer-low callback never fired")
	}
}

func TestPacerBargeInDrainsQueueAndSignalsDoneImmediately(t *testing.T) {
	done := make(chan struct{}, 1)
	p := NewPacer(func([]byte) {}, nil, func() {
		done <- struct{}{}
	})

	for i := 0; i < 10; i++ {
		p.Enqueue([]byte{byte(i)})
	}

	p.BargeIn()

	select {
	case <-done:
	default:
		t.Fatalf("BargeIn must call onDone synchronously")
	}

	if depth := p.QueueDepth(); depth != 0 {
		t.Fatalf("QueueDepth() after BargeIn = %d, want 0", depth)
	}
}
