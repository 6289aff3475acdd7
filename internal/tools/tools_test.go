package tools

import (
	"context"
	"testing"

	"github.com/voicedesk/secretary/internal/calldata"
	"github.com/voicedesk/secretary/internal/eventbus"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(
		RequestHandoffTool{},
		TakeMessageTool{},
		AcceptTransferTool{},
		RejectTransferTool{},
		EndCallTool{},
		GetBusinessInfoTool{Lookup: func(tenantID, field string) (string, bool) {
			if field == "hours" {
				return "9 to 5 weekdays", true
			}
			return "", false
		}},
	)
	if err != nil {
		t.Fatalf("NewRegistry error = %v", err)
	}
	return reg
}

func dispatcherFor(reg *Registry, bus *eventbus.Bus, allow []string) *Dispatcher {
	return reg.ForCall(CallContext{
		CallID:   "call-1",
		TenantID: "tenant-1",
		Profile:  calldata.SecretaryProfile{ID: "profile-1", ToolAllowList: allow},
		Bus:      bus,
	})
}

func TestExecuteRejectsToolNotInAllowList(t *testing.T) {
	reg := newTestRegistry(t)
	d := dispatcherFor(reg, eventbus.New(), []string{"take_message"})

	_, err := d.Execute(context.Background(), "end_call", nil)
	if err == nil {
		t.Fatalf("expected permission error, got nil")
	}
}

func TestExecuteRejectsUnknownTool(t *testing.T) {
	reg := newTestRegistry(t)
	d := dispatcherFor(reg, eventbus.New(), []string{"does_not_exist"})

	_, err := d.Execute(context.Background(), "does_not_exist", nil)
	if err == nil {
		t.Fatalf("expected unregistered-tool error, got nil")
	}
}

func TestExecuteRequestHandoffPublishesTransferRequested(t *testing.T) {
	reg := newTestRegistry(t)
	bus := eventbus.New()
	received := make(chan calldata.VoiceEvent, 1)
	bus.Subscribe(calldata.EventTransferRequested, func(e calldata.VoiceEvent) { received <- e })

	d := dispatcherFor(reg, bus, []string{"request_handoff"})
	res, err := d.Execute(context.Background(), "request_handoff", map[string]any{"destination": "sales"})
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if !res.Success {
		t.Fatalf("Execute result.Success = false, want true")
	}

	select {
	case evt := <-received:
		if evt.Payload["destination"] != "sales" {
			t.Fatalf("payload destination = %v, want sales", evt.Payload["destination"])
		}
	default:
		t.Fatalf("transfer.requested was not published")
	}
}

func TestExecuteRequestHandoffRejectsMissingDestination(t *testing.T) {
	reg := newTestRegistry(t)
	d := dispatcherFor(reg, eventbus.New(), []string{"request_handoff"})

	_, err := d.Execute(context.Background(), "request_handoff", map[string]any{})
	if err == nil {
		t.Fatalf("expected validation error for missing destination")
	}
}

func TestExecuteTakeMessageReturnsData(t *testing.T) {
	reg := newTestRegistry(t)
	d := dispatcherFor(reg, eventbus.New(), []string{"take_message"})

	res, err := d.Execute(context.Background(), "take_message", map[string]any{
		"caller_name": "Ana",
		"message":     "order 12345 is late",
	})
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if res.Data["message"] != "order 12345 is late" {
		t.Fatalf("result data = %+v", res.Data)
	}
}

func TestExecuteGetBusinessInfoLooksUpField(t *testing.T) {
	reg := newTestRegistry(t)
	d := dispatcherFor(reg, eventbus.New(), []string{"get_business_info"})

	res, err := d.Execute(context.Background(), "get_business_info", map[string]any{"field": "hours"})
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if res.Speak != "9 to 5 weekdays" {
		t.Fatalf("Speak = %q, want hours fact", res.Speak)
	}
}

func TestExecuteIsSerializedPerDispatcher(t *testing.T) {
	reg := newTestRegistry(t)
	d := dispatcherFor(reg, eventbus.New(), []string{"take_message"})

	done := make(chan struct{})
	go func() {
		d.Execute(context.Background(), "take_message", map[string]any{"caller_name": "A", "message": "m1"})
		close(done)
	}()
	_, err := d.Execute(context.Background(), "take_message", map[string]any{"caller_name": "B", "message": "m2"})
	<-done
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
}

func TestFilteredForDropsUnregisteredNames(t *testing.T) {
	reg := newTestRegistry(t)
	got := reg.FilteredFor([]string{"end_call", "not_a_tool", "take_message"})
	if len(got) != 2 {
		t.Fatalf("FilteredFor = %v, want 2 entries", got)
	}
}
