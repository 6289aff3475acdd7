package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voicedesk/secretary/internal/calldata"
)

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	b := New()
	var order []int
	var mu sync.Mutex

	for i := 0; i < 3; i++ {
		i := i
		b.Subscribe(calldata.EventToolStarted, func(calldata.VoiceEvent) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	b.Publish(calldata.VoiceEvent{Kind: calldata.EventToolStarted, CallID: "c1"})

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("len(order) = %d, want 3", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestSubscribeOnceFiresOnce(t *testing.T) {
	b := New()
	calls := 0
	b.SubscribeOnce(calldata.EventHoldStarted, func(calldata.VoiceEvent) { calls++ })

	b.Publish(calldata.VoiceEvent{Kind: calldata.EventHoldStarted})
	b.Publish(calldata.VoiceEvent{Kind: calldata.EventHoldStarted})

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	unsub := b.Subscribe(calldata.EventHoldEnded, func(calldata.VoiceEvent) { calls++ })

	b.Publish(calldata.VoiceEvent{Kind: calldata.EventHoldEnded})
	unsub()
	b.Publish(calldata.VoiceEvent{Kind: calldata.EventHoldEnded})

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestFaultyHandlerDoesNotSuppressOthers(t *testing.T) {
	b := New()
	secondCalled := false

	b.Subscribe(calldata.EventToolFailed, func(calldata.VoiceEvent) { panic("boom") })
	b.Subscribe(calldata.EventToolFailed, func(calldata.VoiceEvent) { secondCalled = true })

	b.Publish(calldata.VoiceEvent{Kind: calldata.EventToolFailed})

	if !secondCalled {
		t.Fatalf("second handler was not invoked after first handler panicked")
	}
}

func TestHistoryBoundedAndFilterable(t *testing.T) {
	b := New()
	for i := 0; i < historyLimit+10; i++ {
		kind := calldata.EventUserDTMF
		if i%2 == 0 {
			kind = calldata.EventUserTranscript
		}
		b.Publish(calldata.VoiceEvent{Kind: kind})
	}

	all := b.History("", 0)
	if len(all) != historyLimit {
		t.Fatalf("len(all) = %d, want %d", len(all), historyLimit)
	}

	dtmfOnly := b.History(calldata.EventUserDTMF, 0)
	for _, e := range dtmfOnly {
		if e.Kind != calldata.EventUserDTMF {
			t.Fatalf("History(kind) returned event of kind %s", e.Kind)
		}
	}
}

func TestWaitForReturnsMatchingEvent(t *testing.T) {
	b := New()
	go func() {
		time.Sleep(5 * time.Millisecond)
		b.Publish(calldata.VoiceEvent{Kind: calldata.EventTransferAccepted, CallID: "c9"})
	}()

	evt, ok := b.WaitFor(context.Background(), calldata.EventTransferAccepted, time.Second, nil)
	if !ok {
		t.Fatalf("WaitFor() ok = false, want true")
	}
	if evt.CallID != "c9" {
		t.Fatalf("evt.CallID = %q, want c9", evt.CallID)
	}
}

func TestWaitForTimesOut(t *testing.T) {
	b := New()
	_, ok := b.WaitFor(context.Background(), calldata.EventTransferAccepted, 10*time.Millisecond, nil)
	if ok {
		t.Fatalf("WaitFor() ok = true, want false on timeout")
	}
}

func TestWaitForAnyRespectsPredicate(t *testing.T) {
	b := New()
	go func() {
		b.Publish(calldata.VoiceEvent{Kind: calldata.EventTransferRejected, Payload: map[string]any{"reason": "busy"}})
		b.Publish(calldata.VoiceEvent{Kind: calldata.EventTransferAccepted, Payload: map[string]any{"reason": "ok"}})
	}()

	evt, ok := b.WaitForAny(context.Background(), []calldata.EventKind{calldata.EventTransferRejected, calldata.EventTransferAccepted}, time.Second, func(e calldata.VoiceEvent) bool {
		return e.Payload["reason"] == "ok"
	})
	if !ok {
		t.Fatalf("WaitForAny() ok = false, want true")
	}
	if evt.Kind != calldata.EventTransferAccepted {
		t.Fatalf("evt.Kind = %s, want %s", evt.Kind, calldata.EventTransferAccepted)
	}
}

func TestReentrantPublishDoesNotDeadlockOrLoopForever(t *testing.T) {
	b := New()
	invocations := 0

	// Each handler re-publishes the same kind from within Publish. The bus
	// must tolerate this up to maxReentryDepth and then drop further
	// nesting rather than recursing unboundedly or deadlocking.
	b.Subscribe(calldata.EventHoldStarted, func(calldata.VoiceEvent) {
		invocations++
		if invocations < maxReentryDepth+5 {
			b.Publish(calldata.VoiceEvent{Kind: calldata.EventHoldStarted})
		}
	})

	done := make(chan struct{})
	go func() {
		b.Publish(calldata.VoiceEvent{Kind: calldata.EventHoldStarted})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish did not return; suspected deadlock or unbounded recursion")
	}

	if invocations > maxReentryDepth+1 {
		t.Fatalf("invocations = %d, want <= %d (reentry should be capped)", invocations, maxReentryDepth+1)
	}
}
