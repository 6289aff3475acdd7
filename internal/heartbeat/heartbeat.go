// Package heartbeat watches a call's liveness: inbound/outbound audio
// and provider activity timestamps, emitting degradation events when
// expected traffic stalls. Timeout scopes are cancellable and
// composable so a state change can retire one without firing its
// callback.
package heartbeat

import (
	"sync"
	"time"

	"github.com/voicedesk/secretary/internal/calldata"
	"github.com/voicedesk/secretary/internal/eventbus"
)

const (
	defaultAudioSilenceThreshold    = 10 * time.Second
	defaultProviderTimeoutThreshold = 30 * time.Second
	defaultSweepInterval            = time.Second
)

// Config tunes the Monitor's thresholds; zero values take the defaults
// above.
type Config struct {
	AudioSilenceThreshold    time.Duration
	ProviderTimeoutThreshold time.Duration
	SweepInterval            time.Duration
}

// Monitor tracks liveness for one call and periodically sweeps for
// stalled traffic. It is paused during transferring/bridged states to
// avoid false positives while the main provider session is suspended.
type Monitor struct {
	callID string
	bus    *eventbus.Bus
	cfg    Config

	mu              sync.Mutex
	lastInboundAudio  time.Time
	lastOutboundAudio time.Time
	lastProviderEvent time.Time
	expectingResponse bool
	paused            bool
	degraded          bool
	timedOut          bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Monitor for callID. Call Start to begin sweeping.
func New(callID string, bus *eventbus.Bus, cfg Config) *Monitor {
	if cfg.AudioSilenceThreshold <= 0 {
		cfg.AudioSilenceThreshold = defaultAudioSilenceThreshold
	}
	if cfg.ProviderTimeoutThreshold <= 0 {
		cfg.ProviderTimeoutThreshold = defaultProviderTimeoutThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	now := time.Now()
	return &Monitor{
		callID:            callID,
		bus:               bus,
		cfg:               cfg,
		lastInboundAudio:  now,
		lastOutboundAudio: now,
		lastProviderEvent: now,
		stopCh:            make(chan struct{}),
	}
}

// NoteInboundAudio records an inbound audio frame arrival.
func (m *Monitor) NoteInboundAudio() {
	m.mu.Lock()
	m.lastInboundAudio = time.Now()
	m.degraded = false
	m.mu.Unlock()
}

// NoteOutboundAudio records an outbound audio frame departure.
func (m *Monitor) NoteOutboundAudio() {
	m.mu.Lock()
	m.lastOutboundAudio = time.Now()
	m.mu.Unlock()
}

// NoteProviderEvent records any event arriving from the provider
// session, resetting the provider-timeout clock.
func (m *Monitor) NoteProviderEvent() {
	m.mu.Lock()
	m.lastProviderEvent = time.Now()
	m.expectingResponse = false
	m.timedOut = false
	m.mu.Unlock()
}

// ExpectProviderResponse marks that a provider response is awaited
// (e.g. after response_create), arming the provider-timeout check.
func (m *Monitor) ExpectProviderResponse() {
	m.mu.Lock()
	m.lastProviderEvent = time.Now()
	m.expectingResponse = true
	m.mu.Unlock()
}

// Pause suspends degradation checks, used while transferring/bridged.
func (m *Monitor) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

// Resume re-enables degradation checks and resets clocks so a pause
// window is never counted as silence.
func (m *Monitor) Resume() {
	m.mu.Lock()
	m.paused = false
	now := time.Now()
	m.lastInboundAudio = now
	m.lastProviderEvent = now
	m.mu.Unlock()
}

// Start begins the periodic sweep in a background goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts the sweep goroutine and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

// NoteOutboundQueueLow republishes a buffer-low signal from the audio
// pacer onto the call's bus. The pacer already knows the queue depth
// and the speaking/not-speaking state; the monitor only relays it so
// every liveness-adjacent event flows through one place.
func (m *Monitor) NoteOutboundQueueLow() {
	m.bus.Publish(calldata.VoiceEvent{
		Kind:   calldata.EventAIAudioBufferLow,
		CallID: m.callID,
		Source: "heartbeat",
	})
}

func (m *Monitor) sweep() {
	m.mu.Lock()
	if m.paused {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	silentFor := now.Sub(m.lastInboundAudio)
	shouldDegrade := !m.degraded && silentFor >= m.cfg.AudioSilenceThreshold

	providerStale := m.expectingResponse && now.Sub(m.lastProviderEvent) >= m.cfg.ProviderTimeoutThreshold
	shouldTimeout := providerStale && !m.timedOut

	if shouldDegrade {
		m.degraded = true
	}
	if shouldTimeout {
		m.timedOut = true
	}
	m.mu.Unlock()

	if shouldDegrade {
		m.bus.Publish(calldata.VoiceEvent{
			Kind:    calldata.EventConnectionDegraded,
			CallID:  m.callID,
			Source:  "heartbeat",
			Payload: map[string]any{"silent_for_ms": silentFor.Milliseconds()},
		})
	}
	if shouldTimeout {
		m.bus.Publish(calldata.VoiceEvent{
			Kind:    calldata.EventProviderTimeout,
			CallID:  m.callID,
			Source:  "heartbeat",
		})
	}
}
