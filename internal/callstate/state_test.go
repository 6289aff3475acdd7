package callstate

import (
	"testing"

	"github.com/voicedesk/secretary/internal/calldata"
	"github.com/voicedesk/secretary/internal/eventbus"
)

func TestHappyPathTraversesActiveLoop(t *testing.T) {
	m := New("c1", eventbus.New())

	steps := []struct {
		trigger Trigger
		want    State
	}{
		{TriggerStartCall, StateConnecting},
		{TriggerCallConnected, StateActiveListening},
		{TriggerUserStopsSpeaking, StateActiveProcessing},
		{TriggerAIStartsSpeaking, StateActiveSpeaking},
		{TriggerAIStopsSpeaking, StateActiveListening},
	}

	for _, s := range steps {
		got, ok := m.Fire(s.trigger, nil)
		if !ok {
			t.Fatalf("Fire(%s) was blocked from state %s", s.trigger, m.Current())
		}
		if got != s.want {
			t.Fatalf("Fire(%s) = %s, want %s", s.trigger, got, s.want)
		}
	}
}

func TestUserStartsSpeakingIsSelfLoop(t *testing.T) {
	m := New("c1", eventbus.New())
	m.Fire(TriggerStartCall, nil)
	m.Fire(TriggerCallConnected, nil)

	got, ok := m.Fire(TriggerUserStartsSpeaking, nil)
	if !ok || got != StateActiveListening {
		t.Fatalf("Fire(user_starts_speaking) = (%s, %v), want (active.listening, true)", got, ok)
	}
}

func TestInvalidTriggerIsBlockedAndPublishesBlockedEvent(t *testing.T) {
	bus := eventbus.New()
	var blocked []calldata.VoiceEvent
	bus.Subscribe(calldata.EventStateTransitionBlocked, func(e calldata.VoiceEvent) {
		blocked = append(blocked, e)
	})

	m := New("c1", bus)
	// bridge_complete is only valid from transferring.bridging; machine starts idle.
	got, ok := m.Fire(TriggerBridgeComplete, nil)
	if ok {
		t.Fatalf("Fire(bridge_complete) from idle should be blocked")
	}
	if got != StateIdle {
		t.Fatalf("blocked Fire must not change state, got %s", got)
	}
	if len(blocked) != 1 {
		t.Fatalf("len(blocked) = %d, want 1", len(blocked))
	}
	if blocked[0].Payload["state"] != string(StateIdle) {
		t.Fatalf("blocked payload state = %v, want idle", blocked[0].Payload["state"])
	}
}

func TestStateChangedEventCarriesOldAndNew(t *testing.T) {
	bus := eventbus.New()
	var changed []calldata.VoiceEvent
	bus.Subscribe(calldata.EventStateChanged, func(e calldata.VoiceEvent) {
		changed = append(changed, e)
	})

	m := New("c1", bus)
	m.Fire(TriggerStartCall, nil)

	if len(changed) != 1 {
		t.Fatalf("len(changed) = %d, want 1", len(changed))
	}
	if changed[0].Payload["old"] != string(StateIdle) || changed[0].Payload["new"] != string(StateConnecting) {
		t.Fatalf("unexpected payload: %+v", changed[0].Payload)
	}
}

func TestRequestTransferGuardRequiresDestinationAndIdentifiedCaller(t *testing.T) {
	m := New("c1", eventbus.New())
	m.Fire(TriggerStartCall, nil)
	m.Fire(TriggerCallConnected, nil)

	if _, ok := m.Fire(TriggerRequestTransfer, map[string]any{"destination": "", "caller_identified": true}); ok {
		t.Fatalf("request_transfer with empty destination should be blocked")
	}
	if _, ok := m.Fire(TriggerRequestTransfer, map[string]any{"destination": "sales", "caller_identified": false}); ok {
		t.Fatalf("request_transfer with unidentified caller should be blocked")
	}
	got, ok := m.Fire(TriggerRequestTransfer, map[string]any{"destination": "sales", "caller_identified": true})
	if !ok || got != StateTransferValidating {
		t.Fatalf("Fire(request_transfer) = (%s, %v), want (transferring.validating, true)", got, ok)
	}
}

func TestTransferTimeoutFiresFromAnyTransferringSubstate(t *testing.T) {
	for _, start := range []State{StateTransferValidating, StateTransferDialing, StateTransferAnnouncing, StateTransferWaiting, StateTransferBridging} {
		m := New("c1", eventbus.New())
		m.current = start

		got, ok := m.Fire(TriggerTransferTimeout, nil)
		if !ok || got != StateActiveListening {
			t.Fatalf("from %s: Fire(transfer_timeout) = (%s, %v), want (active.listening, true)", start, got, ok)
		}
	}
}

func TestEndCallBlockedOnceAlreadyEnded(t *testing.T) {
	m := New("c1", eventbus.New())
	m.current = StateEnded

	if _, ok := m.Fire(TriggerEndCall, nil); ok {
		t.Fatalf("end_call from ended should be blocked")
	}
}

func TestForceEndReachableFromAnyState(t *testing.T) {
	for _, start := range []State{StateIdle, StateActiveListening, StateOnHold, StateTransferDialing, StateBridged, StateEnding} {
		m := New("c1", eventbus.New())
		m.current = start

		got, ok := m.Fire(TriggerForceEnd, nil)
		if !ok || got != StateEnded {
			t.Fatalf("from %s: Fire(force_end) = (%s, %v), want (ended, true)", start, got, ok)
		}
	}
}

func TestHistoryRecordsAppliedTransitionsOnly(t *testing.T) {
	m := New("c1", eventbus.New())
	m.Fire(TriggerStartCall, nil)
	m.Fire(TriggerBridgeComplete, nil) // blocked, must not appear
	m.Fire(TriggerCallConnected, nil)

	hist := m.History()
	if len(hist) != 2 {
		t.Fatalf("len(hist) = %d, want 2", len(hist))
	}
	if hist[0].Trigger != TriggerStartCall || hist[1].Trigger != TriggerCallConnected {
		t.Fatalf("unexpected history contents: %+v", hist)
	}
}
