package heartbeat

import (
	"testing"
	"time"

	"github.com/voicedesk/secretary/internal/calldata"
	"github.com/voicedesk/secretary/internal/eventbus"
)

func TestMonitorEmitsConnectionDegradedAfterSilence(t *testing.T) {
	bus := eventbus.New()
	received := make(chan calldata.VoiceEvent, 1)
	bus.Subscribe(calldata.EventConnectionDegraded, func(e calldata.VoiceEvent) { received <- e })

	m := New("call-1", bus, Config{AudioSilenceThreshold: 20 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	m.Start()
	defer m.Stop()

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatalf("connection.degraded was not published")
	}
}

func TestNoteInboundAudioResetsDegradedClock(t *testing.T) {
	bus := eventbus.New()
	received := make(chan calldata.VoiceEvent, 4)
	bus.Subscribe(calldata.EventConnectionDegraded, func(e calldata.VoiceEvent) { received <- e })

	m := New("call-1", bus, Config{AudioSilenceThreshold: 30 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	m.Start()
	defer m.Stop()

	stop := time.After(60 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-time.After(10 * time.Millisecond):
			m.NoteInboundAudio()
		}
	}

	select {
	case evt := <-received:
		t.Fatalf("unexpected connection.degraded: %+v", evt)
	default:
	}
}

func TestMonitorEmitsProviderTimeoutWhenResponseExpectedAndStale(t *testing.T) {
	bus := eventbus.New()
	received := make(chan calldata.VoiceEvent, 1)
	bus.Subscribe(calldata.EventProviderTimeout, func(e calldata.VoiceEvent) { received <- e })

	m := New("call-1", bus, Config{ProviderTimeoutThreshold: 20 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	m.Start()
	defer m.Stop()
	m.ExpectProviderResponse()

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatalf("provider.timeout was not published")
	}
}

func TestMonitorDoesNotEmitProviderTimeoutWhenNoResponseExpected(t *testing.T) {
	bus := eventbus.New()
	received := make(chan calldata.VoiceEvent, 1)
	bus.Subscribe(calldata.EventProviderTimeout, func(e calldata.VoiceEvent) { received <- e })

	m := New("call-1", bus, Config{ProviderTimeoutThreshold: 15 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	m.Start()
	defer m.Stop()

	select {
	case evt := <-received:
		t.Fatalf("unexpected provider.timeout: %+v", evt)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestPauseSuppressesDegradedDetection(t *testing.T) {
	bus := eventbus.New()
	received := make(chan calldata.VoiceEvent, 1)
	bus.Subscribe(calldata.EventConnectionDegraded, func(e calldata.VoiceEvent) { received <- e })

	m := New("call-1", bus, Config{AudioSilenceThreshold: 15 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	m.Pause()
	m.Start()
	defer m.Stop()

	select {
	case evt := <-received:
		t.Fatalf("unexpected connection.degraded while paused: %+v", evt)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestScopeCancelPreventsCallback(t *testing.T) {
	fired := make(chan struct{}, 1)
	s := After(10*time.Millisecond, func() { fired <- struct{}{} })
	s.Cancel()

	select {
	case <-fired:
		t.Fatalf("callback fired after Cancel")
	case <-time.After(40 * time.Millisecond):
	}
}

func TestGroupCancelAllStopsEveryScope(t *testing.T) {
	var g Group
	fired := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		g.After(10*time.Millisecond, func() { fired <- struct{}{} })
	}
	g.CancelAll()

	select {
	case <-fired:
		t.Fatalf("a scope fired after CancelAll")
	case <-time.After(40 * time.Millisecond):
	}
}
