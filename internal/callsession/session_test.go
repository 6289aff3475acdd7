package callsession

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicedesk/secretary/internal/calldata"
	"github.com/voicedesk/secretary/internal/callstate"
	"github.com/voicedesk/secretary/internal/eventbus"
	"github.com/voicedesk/secretary/internal/provider"
	"github.com/voicedesk/secretary/internal/switchadapter"
	"github.com/voicedesk/secretary/internal/tools"
)

var testUpgrader = websocket.Upgrader{}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestBuildInstructionsAppendsGreeting(t *testing.T) {
	p := calldata.SecretaryProfile{SystemInstructions: "be concise", Greeting: "Thanks for calling Acme."}
	got := buildInstructions(p)
	if !strings.Contains(got, "be concise") || !strings.Contains(got, "Thanks for calling Acme.") {
		t.Fatalf("buildInstructions = %q, want both instructions and greeting present", got)
	}

	noGreeting := buildInstructions(calldata.SecretaryProfile{SystemInstructions: "be concise"})
	if noGreeting != "be concise" {
		t.Fatalf("buildInstructions with no greeting = %q, want unchanged instructions", noGreeting)
	}
}

func TestToProviderToolSpecsConvertsFields(t *testing.T) {
	in := []tools.ToolSpec{{Name: "take_message", Description: "record a message", Parameters: map[string]any{"type": "object"}}}
	out := toProviderToolSpecs(in)
	if len(out) != 1 || out[0].Name != "take_message" || out[0].Description != "record a message" {
		t.Fatalf("toProviderToolSpecs = %+v", out)
	}
}

func TestPCMFrameBytesIs20MillisecondsOfPCM16(t *testing.T) {
	if got := pcmFrameBytes(8000); got != 320 {
		t.Fatalf("pcmFrameBytes(8000) = %d, want 320", got)
	}
}

func newTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(tools.EndCallTool{}, tools.TakeMessageTool{})
	if err != nil {
		t.Fatalf("NewRegistry error = %v", err)
	}
	return reg
}

func newTestSession(t *testing.T, providerURL string) (*Session, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	adapter := switchadapter.New("call-1", nil, nil, nil, eventbus.New())
	cfg := Config{
		CallID:       "call-1",
		TenantID:     "tenant-1",
		Profile:      calldata.SecretaryProfile{ID: "profile-1", SystemInstructions: "help the caller", ToolAllowList: []string{"end_call", "take_message"}},
		Adapter:      adapter,
		Provider:     provider.Config{URL: providerURL},
		ToolRegistry: newTestRegistry(t),
		Sink:         sink,
	}
	return New(cfg), sink
}

type fakeSink struct {
	record calldata.CallRecord
	called bool
}

func (f *fakeSink) Deliver(ctx context.Context, record calldata.CallRecord) error {
	f.record = record
	f.called = true
	return nil
}

func TestFinishIsIdempotent(t *testing.T) {
	s, _ := newTestSession(t, "ws://unused")

	s.finish(context.Background(), calldata.OutcomeCompleted, "ended", false, "first")
	s.finish(context.Background(), calldata.OutcomeError, "ended", true, "second")

	select {
	case <-s.ended:
	default:
		t.Fatalf("ended channel should be closed after finish")
	}
	if got := s.outcomeSnapshot(); got != calldata.OutcomeCompleted {
		t.Fatalf("outcome = %v, want the first finish's outcome to win", got)
	}
}

// noopProviderServer accepts the session configuration handshake and then
// idles, standing in for the streaming speech model in tests that only
// exercise the call session's event wiring.
func noopProviderServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var cfg provider.SessionConfiguration
		_ = conn.ReadJSON(&cfg)
		var raw map[string]any
		_ = conn.ReadJSON(&raw) // response_create from handleCallConnected
		time.Sleep(200 * time.Millisecond)
	}))
}

func TestHandleCallConnectedAdvancesStateAndRequestsResponse(t *testing.T) {
	ts := noopProviderServer(t)
	defer ts.Close()

	s, _ := newTestSession(t, wsURL(ts))
	if err := s.prov.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error = %v", err)
	}
	defer s.prov.Close()

	unsub := s.wireEvents()
	defer func() {
		for _, u := range unsub {
			u()
		}
	}()

	s.machine.Fire(callstate.TriggerStartCall, nil)
	s.bus.Publish(s.event(calldata.EventCallConnected, nil))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.machine.Current() == callstate.StateActiveListening {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %v, want active.listening", s.machine.Current())
}

func TestAIAudioCompleteFinalizesEndingEarly(t *testing.T) {
	s, _ := newTestSession(t, "ws://unused")

	unsub := s.wireEvents()
	defer func() {
		for _, u := range unsub {
			u()
		}
	}()

	// Walk the machine to active.listening so end_call is a legal trigger.
	s.machine.Fire(callstate.TriggerStartCall, nil)
	s.machine.Fire(callstate.TriggerCallConnected, nil)

	s.bus.Publish(s.event(calldata.EventCallEnding, map[string]any{"reason": "caller_said_goodbye"}))
	s.bus.Publish(s.event(calldata.EventAIAudioComplete, nil))

	select {
	case <-s.ended:
	case <-time.After(time.Second):
		t.Fatalf("session never finalized after ai.audio.complete during ending")
	}

	if got := s.outcomeSnapshot(); got != calldata.OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", got)
	}
	if got := s.hangupReason; got != "caller_said_goodbye" {
		t.Fatalf("hangupReason = %q, want caller_said_goodbye", got)
	}
}
