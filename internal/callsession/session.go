// Package callsession is the composition root for one call: it wires
// the Event Bus, state machine, switch adapter, provider session, tool
// dispatcher, audio pipeline, and call logger together, and drives the
// call from connecting through to a flushed CallRecord.
package callsession

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicedesk/secretary/internal/audio"
	"github.com/voicedesk/secretary/internal/calldata"
	"github.com/voicedesk/secretary/internal/callstate"
	"github.com/voicedesk/secretary/internal/calllog"
	"github.com/voicedesk/secretary/internal/eventbus"
	"github.com/voicedesk/secretary/internal/heartbeat"
	"github.com/voicedesk/secretary/internal/observability"
	"github.com/voicedesk/secretary/internal/provider"
	"github.com/voicedesk/secretary/internal/switchadapter"
	"github.com/voicedesk/secretary/internal/tools"
	"github.com/voicedesk/secretary/internal/transfer"
)

const (
	toolExecutionTimeout = 10 * time.Second
	transferTimeout      = 2 * time.Minute
	endingGracePeriod    = 8 * time.Second

	reconnectMaxAttempts   = 3
	reconnectAttemptBudget = 2 * time.Second

	defaultFallbackMessage = "Sorry, we're having trouble with the call right now. Please try again shortly."
)

// Config carries every dependency and setting needed to run one call.
// The switch listener (internal/switchlistener) fills this in per
// inbound call from the tenant's SecretaryProfile and process-wide
// singletons.
type Config struct {
	CallID     string
	TenantID   string
	CallerNum  string
	CallerName string
	Profile    calldata.SecretaryProfile

	Adapter      *switchadapter.Adapter
	Provider     provider.Config
	ToolRegistry *tools.Registry
	Availability transfer.AvailabilityChecker
	SideChannel  transfer.SideChannelFactory
	Sink         calllog.Sink
	Heartbeat    heartbeat.Config
	Metrics      *observability.Metrics

	// SwitchSampleRate and SwitchEncoding describe the wire format the
	// switch's media channel uses; ProviderSampleRate is the rate the
	// speech model streams PCM16 at. A resampler bridges the two when
	// they differ.
	SwitchSampleRate   int
	ProviderSampleRate int
	SwitchEncoding     calldata.AudioEncoding
	// EchoCancelDelay sizes the echo canceller's reference window; zero
	// disables echo cancellation.
	EchoCancelDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.SwitchSampleRate <= 0 {
		c.SwitchSampleRate = 8000
	}
	if c.ProviderSampleRate <= 0 {
		c.ProviderSampleRate = 24000
	}
	if c.SwitchEncoding == "" {
		c.SwitchEncoding = calldata.EncodingULaw
	}
}

// Session drives one call end to end.
type Session struct {
	cfg Config

	bus      *eventbus.Bus
	machine  *callstate.Machine
	monitor  *heartbeat.Monitor
	prov     *provider.Session
	dispatch *tools.Dispatcher
	recorder *calllog.Recorder
	pacer    *audio.Pacer

	ingressResampler *audio.Resampler
	egressResampler  *audio.Resampler
	canceller        *audio.Canceller

	egressMu   sync.Mutex
	egressBuf  []byte
	frameBytes int

	endMu        sync.Mutex
	endingScope  *heartbeat.Scope
	hangupCaller bool
	hangupReason string
	outcome      calldata.CallOutcome
	finalState   string

	ended   chan struct{}
	endOnce sync.Once

	metrics      *observability.Metrics
	startedAt    time.Time
	connectedAt  time.Time
	firstAudioMu sync.Mutex
	firstAudio   bool

	turnMu              sync.Mutex
	userSpeechDoneAt    time.Time
	transferRequestedAt time.Time
	endingAt            time.Time
}

// New builds a Session from cfg. The returned Session is not yet
// running; call Run to drive the call.
func New(cfg Config) *Session {
	cfg.setDefaults()
	cfg.Provider.Instructions = buildInstructions(cfg.Profile)
	cfg.Provider.Voice = cfg.Profile.VoiceID
	cfg.Provider.VADMode = cfg.Profile.VADMode
	cfg.Provider.Tools = toProviderToolSpecs(cfg.ToolRegistry.Specs(cfg.Profile.ToolAllowList))

	s := &Session{
		cfg:        cfg,
		bus:        eventbus.New(),
		ended:      make(chan struct{}),
		frameBytes: pcmFrameBytes(cfg.SwitchSampleRate),
		metrics:    cfg.Metrics,
		startedAt:  time.Now(),
	}

	s.machine = callstate.New(cfg.CallID, s.bus)
	s.monitor = heartbeat.New(cfg.CallID, s.bus, cfg.Heartbeat)
	s.dispatch = cfg.ToolRegistry.ForCall(tools.CallContext{
		CallID:   cfg.CallID,
		TenantID: cfg.TenantID,
		Profile:  cfg.Profile,
		Bus:      s.bus,
	})
	s.recorder = calllog.NewRecorder(cfg.CallID, cfg.TenantID, cfg.Profile.ID, cfg.CallerNum, cfg.CallerName, time.Now(), s.bus)
	s.pacer = audio.NewPacer(s.releaseEgressFrame, s.monitor.NoteOutboundQueueLow, s.onBargeInDone)

	if cfg.SwitchSampleRate != cfg.ProviderSampleRate {
		s.ingressResampler = audio.NewResampler(cfg.SwitchSampleRate, cfg.ProviderSampleRate)
		s.egressResampler = audio.NewResampler(cfg.ProviderSampleRate, cfg.SwitchSampleRate)
	}
	if cfg.EchoCancelDelay > 0 {
		s.canceller = audio.NewCanceller(cfg.SwitchSampleRate, cfg.EchoCancelDelay)
	}

	s.prov = provider.New(cfg.CallID, cfg.Provider, s.bus)
	return s
}

func buildInstructions(p calldata.SecretaryProfile) string {
	if p.Greeting == "" {
		return p.SystemInstructions
	}
	return p.SystemInstructions + "\n\nOpen the call by greeting the caller with: \"" + p.Greeting + "\""
}

func toProviderToolSpecs(specs []tools.ToolSpec) []provider.ToolSpec {
	out := make([]provider.ToolSpec, 0, len(specs))
	for _, sp := range specs {
		out = append(out, provider.ToolSpec{Name: sp.Name, Description: sp.Description, Parameters: sp.Parameters})
	}
	return out
}

func pcmFrameBytes(sampleRate int) int {
	return (sampleRate / 50) * 2 // 20ms of PCM16 mono
}

// Run drives the call from idle through to a flushed CallRecord,
// blocking until the call ends or ctx is cancelled. It returns the
// call's terminal outcome.
func (s *Session) Run(ctx context.Context) (calldata.CallOutcome, error) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	s.metrics.ActiveCallStarted()
	defer func() {
		s.metrics.ActiveCallEnded()
		s.metrics.ObserveCallOutcome(string(s.outcomeSnapshot()))
		s.metrics.ObserveCallDuration(time.Since(start))
	}()

	unsub := s.wireEvents()
	defer func() {
		for _, u := range unsub {
			u()
		}
	}()

	s.machine.Fire(callstate.TriggerStartCall, nil)
	s.cfg.Adapter.SetMediaRate(s.cfg.SwitchSampleRate)
	s.cfg.Adapter.Start(sessionCtx)

	if err := s.prov.Connect(sessionCtx); err != nil {
		s.speakFallback(ctx)
		s.finish(ctx, calldata.OutcomeError, string(callstate.StateEnded), false, "provider_connect_failed")
		s.recorder.Flush(context.Background(), s.cfg.Sink, s.finalStateSnapshot(), s.outcomeSnapshot())
		return s.outcomeSnapshot(), err
	}

	s.monitor.Start()
	s.pacer.Start()
	defer s.monitor.Stop()
	defer s.pacer.Stop()
	defer s.prov.Close()
	defer s.cfg.Adapter.Close()

	g, gctx := errgroup.WithContext(sessionCtx)
	g.Go(func() error { return s.ingressLoop(gctx) })
	g.Go(func() error {
		select {
		case <-s.ended:
		case <-gctx.Done():
		}
		cancel()
		return nil
	})
	_ = g.Wait()

	s.recorder.Flush(context.Background(), s.cfg.Sink, s.finalStateSnapshot(), s.outcomeSnapshot())
	return s.outcomeSnapshot(), nil
}

// CallID, TenantID, and State expose read-only identifying information
// about a running call for diagnostics listings.
func (s *Session) CallID() string     { return s.cfg.CallID }
func (s *Session) TenantID() string   { return s.cfg.TenantID }
func (s *Session) State() string      { return string(s.machine.Current()) }
func (s *Session) StartedAt() time.Time { return s.startedAt }

// ActiveTools returns the tool names this call's secretary profile is
// allowed to invoke, filtered down to tools actually registered.
func (s *Session) ActiveTools() []string {
	return s.cfg.ToolRegistry.FilteredFor(s.cfg.Profile.ToolAllowList)
}

func (s *Session) outcomeSnapshot() calldata.CallOutcome {
	s.endMu.Lock()
	defer s.endMu.Unlock()
	return s.outcome
}

func (s *Session) finalStateSnapshot() string {
	s.endMu.Lock()
	defer s.endMu.Unlock()
	return s.finalState
}

func (s *Session) event(kind calldata.EventKind, payload map[string]any) calldata.VoiceEvent {
	return calldata.VoiceEvent{Kind: kind, CallID: s.cfg.CallID, Source: "callsession", Payload: payload}
}

// wireEvents subscribes every handler the session needs and returns
// their unsubscribe functions.
func (s *Session) wireEvents() []func() {
	var unsub []func()
	sub := func(kind calldata.EventKind, h eventbus.Handler) {
		unsub = append(unsub, s.bus.Subscribe(kind, h))
	}

	sub(calldata.EventStateChanged, func(evt calldata.VoiceEvent) {
		trigger, _ := evt.Payload["trigger"].(string)
		newState, _ := evt.Payload["new"].(string)
		s.metrics.ObserveStateTransition(trigger, newState)
	})
	sub(calldata.EventStateTransitionBlocked, func(evt calldata.VoiceEvent) {
		trigger, _ := evt.Payload["trigger"].(string)
		state, _ := evt.Payload["state"].(string)
		s.metrics.ObserveTransitionBlocked(trigger, state)
	})
	sub(calldata.EventCallConnected, s.handleCallConnected)
	sub(calldata.EventUserSpeakingStart, s.handleUserSpeakingStart)
	sub(calldata.EventUserSpeakingDone, s.handleUserSpeakingDone)
	sub(calldata.EventAIAudioChunk, s.handleAIAudioChunk)
	sub(calldata.EventAIAudioComplete, s.handleAIAudioComplete)
	sub(calldata.EventAITranscriptDelta, func(calldata.VoiceEvent) { s.monitor.NoteProviderEvent() })
	sub(calldata.EventToolInvokeRequested, s.handleToolInvokeRequested)
	sub(calldata.EventTransferRequested, s.handleTransferRequested)
	sub(calldata.EventTransferValidated, func(calldata.VoiceEvent) { s.machine.Fire(callstate.TriggerDestinationValidated, nil) })
	sub(calldata.EventTransferAnswered, func(calldata.VoiceEvent) { s.machine.Fire(callstate.TriggerAttendantAnswered, nil) })
	sub(calldata.EventTransferCompleted, s.handleTransferCompleted)
	sub(calldata.EventTransferFailed, s.handleTransferFailed)
	sub(calldata.EventCallEnding, s.handleCallEnding)
	sub(calldata.EventConnectionLost, s.handleConnectionLost)
	sub(calldata.EventProviderTimeout, s.handleProviderTimeout)
	sub(calldata.EventHoldStarted, func(calldata.VoiceEvent) { s.machine.Fire(callstate.TriggerHold, nil); s.monitor.Pause() })
	sub(calldata.EventHoldEnded, func(calldata.VoiceEvent) { s.machine.Fire(callstate.TriggerUnhold, nil); s.monitor.Resume() })

	for _, kind := range []calldata.EventKind{
		calldata.EventConnectionDegraded, calldata.EventConnectionLost, calldata.EventProviderTimeout,
		calldata.EventTransferRequested, calldata.EventCallEnding, calldata.EventCallEnded,
	} {
		k := kind
		sub(k, func(calldata.VoiceEvent) { s.metrics.ObserveCallEvent(string(k)) })
	}

	return unsub
}

func (s *Session) handleCallConnected(evt calldata.VoiceEvent) {
	if _, ok := s.machine.Fire(callstate.TriggerCallConnected, nil); !ok {
		return
	}
	s.firstAudioMu.Lock()
	s.connectedAt = time.Now()
	s.firstAudio = false
	s.firstAudioMu.Unlock()
	s.monitor.ExpectProviderResponse()
	_ = s.prov.SendResponseCreate()
}

// ingressLoop ranges over the switch adapter's raw media channel,
// decoding, echo-cancelling, and resampling each 20ms frame before
// handing it to the provider.
func (s *Session) ingressLoop(ctx context.Context) error {
	frames := s.cfg.Adapter.AudioFrames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			s.handleInboundFrame(frame)
		}
	}
}

func (s *Session) handleInboundFrame(frame calldata.AudioFrame) {
	pcm := decodeToPCM16(frame)
	if s.canceller != nil {
		pcm = s.canceller.Clean(pcm)
	}
	if s.ingressResampler != nil {
		pcm = s.ingressResampler.Process(pcm)
	}
	s.monitor.NoteInboundAudio()
	if err := s.prov.SendAudioAppend(pcm); err != nil {
		s.bus.Publish(s.event(calldata.EventConnectionDegraded, map[string]any{"error": err.Error()}))
	}
}

func decodeToPCM16(frame calldata.AudioFrame) []byte {
	switch frame.Encoding {
	case calldata.EncodingULaw:
		return audio.ULawToPCM16(frame.Payload)
	case calldata.EncodingALaw:
		return audio.ALawToPCM16(frame.Payload)
	default:
		return frame.Payload
	}
}

func encodeFromPCM16(pcm []byte, enc calldata.AudioEncoding) []byte {
	switch enc {
	case calldata.EncodingULaw:
		return audio.PCM16ToULaw(pcm)
	case calldata.EncodingALaw:
		return audio.PCM16ToALaw(pcm)
	default:
		return pcm
	}
}

func (s *Session) handleUserSpeakingStart(calldata.VoiceEvent) {
	if s.machine.Current() == callstate.StateActiveSpeaking {
		s.pacer.BargeIn()
		if s.canceller != nil {
			s.canceller.Reset()
		}
		_ = s.prov.SendResponseCancel()
	}
	s.machine.Fire(callstate.TriggerUserStartsSpeaking, nil)
}

func (s *Session) handleUserSpeakingDone(calldata.VoiceEvent) {
	if _, ok := s.machine.Fire(callstate.TriggerUserStopsSpeaking, nil); !ok {
		return
	}
	s.turnMu.Lock()
	s.userSpeechDoneAt = time.Now()
	s.turnMu.Unlock()
	s.monitor.ExpectProviderResponse()
	_ = s.prov.SendCommit()
	_ = s.prov.SendResponseCreate()
}

// onBargeInDone runs synchronously inside Pacer.BargeIn once the
// outbound queue is drained, so ai.speaking.done reflects an
// interruption rather than waiting for handleAIAudioComplete.
func (s *Session) onBargeInDone() {
	if _, ok := s.machine.Fire(callstate.TriggerAIStopsSpeaking, nil); ok {
		s.bus.Publish(s.event(calldata.EventAISpeakingDone, map[string]any{"reason": "barge_in"}))
	}
}

func (s *Session) handleAIAudioChunk(evt calldata.VoiceEvent) {
	pcm, ok := evt.Payload["audio"].([]byte)
	if !ok || len(pcm) == 0 {
		return
	}
	s.monitor.NoteProviderEvent()

	s.firstAudioMu.Lock()
	if !s.firstAudio {
		s.firstAudio = true
		connectedAt := s.connectedAt
		s.firstAudioMu.Unlock()
		if !connectedAt.IsZero() {
			s.metrics.ObserveFirstAudioLatency(time.Since(connectedAt))
			s.metrics.ObserveTurnStage("connected_to_first_audio", time.Since(connectedAt))
		}
	} else {
		s.firstAudioMu.Unlock()
	}

	if s.machine.Current() == callstate.StateActiveProcessing {
		if _, ok := s.machine.Fire(callstate.TriggerAIStartsSpeaking, nil); ok {
			s.bus.Publish(s.event(calldata.EventAISpeakingStarted, nil))
			s.turnMu.Lock()
			since := s.userSpeechDoneAt
			s.userSpeechDoneAt = time.Time{}
			s.turnMu.Unlock()
			if !since.IsZero() {
				s.metrics.ObserveTurnStage("user_speech_end_to_ai_speech_start", time.Since(since))
			}
		}
	}

	if s.egressResampler != nil {
		pcm = s.egressResampler.Process(pcm)
	}

	s.egressMu.Lock()
	s.egressBuf = append(s.egressBuf, pcm...)
	var frames [][]byte
	for len(s.egressBuf) >= s.frameBytes {
		frame := make([]byte, s.frameBytes)
		copy(frame, s.egressBuf[:s.frameBytes])
		frames = append(frames, frame)
		s.egressBuf = s.egressBuf[s.frameBytes:]
	}
	s.egressMu.Unlock()

	_ = s.cfg.Adapter.SendPreamble(s.cfg.SwitchSampleRate)
	for _, f := range frames {
		s.pacer.Enqueue(f)
	}
	s.metrics.ObservePacerQueueDepth(s.pacer.QueueDepth())
}

// releaseEgressFrame is the pacer's onRelease callback: frame is PCM16
// at the switch's sample rate, pushed as the echo reference and
// encoded to the switch's wire format at the moment it is actually
// sent, so the reference and the inbound mic stream stay in the same
// domain.
func (s *Session) releaseEgressFrame(frame []byte) {
	if s.canceller != nil {
		s.canceller.PushReference(frame)
	}
	s.monitor.NoteOutboundAudio()
	encoded := encodeFromPCM16(frame, s.cfg.SwitchEncoding)
	if err := s.cfg.Adapter.SendAudioFrame(encoded); err != nil {
		s.bus.Publish(s.event(calldata.EventConnectionLost, map[string]any{"error": err.Error()}))
	}
}

// handleAIAudioComplete reacts to the provider's natural end-of-turn
// signal, as opposed to a barge-in interruption.
func (s *Session) handleAIAudioComplete(calldata.VoiceEvent) {
	if _, ok := s.machine.Fire(callstate.TriggerAIStopsSpeaking, nil); ok {
		s.bus.Publish(s.event(calldata.EventAISpeakingDone, map[string]any{"reason": "complete"}))
	}
	if s.machine.Current() == callstate.StateEnding {
		s.finalizeEnding()
	}
}

// handleToolInvokeRequested unmarshals the provider's raw JSON argument
// string (distinct from the already-parsed map the dispatcher's own
// events carry) and runs the tool off the event-delivery goroutine so a
// slow tool never blocks the provider's read loop.
func (s *Session) handleToolInvokeRequested(evt calldata.VoiceEvent) {
	providerCallID, _ := evt.Payload["call_id"].(string)
	name, _ := evt.Payload["name"].(string)
	rawArgs, _ := evt.Payload["arguments"].(string)

	var args map[string]any
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			_ = s.prov.SendFunctionCallOutput(providerCallID, map[string]any{"success": false, "error": "invalid arguments"})
			return
		}
	}

	go func() {
		invokedAt := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), toolExecutionTimeout)
		defer cancel()

		result, err := s.dispatch.Execute(ctx, name, args)
		defer s.metrics.ObserveTurnStage("tool_invoke_to_complete", time.Since(invokedAt))
		output := map[string]any{"success": result.Success}
		if err != nil {
			output["success"] = false
			output["error"] = err.Error()
			s.metrics.ObserveToolInvocation(name, false)
		} else {
			s.metrics.ObserveToolInvocation(name, result.Success)
			if result.Data != nil {
				output["data"] = result.Data
			}
			if result.Speak != "" {
				output["speak"] = result.Speak
			}
		}
		_ = s.prov.SendFunctionCallOutput(providerCallID, output)
	}()
}

func (s *Session) handleTransferRequested(evt calldata.VoiceEvent) {
	destination, _ := evt.Payload["destination"].(string)
	guardData := map[string]any{
		"destination":       destination,
		"caller_identified": evt.Payload["caller_identified"],
	}
	if _, ok := s.machine.Fire(callstate.TriggerRequestTransfer, guardData); !ok {
		s.bus.Publish(s.event(calldata.EventTransferFailed, map[string]any{"destination": destination, "reason": "blocked"}))
		return
	}
	s.turnMu.Lock()
	s.transferRequestedAt = time.Now()
	s.turnMu.Unlock()
	s.monitor.Pause()
	go s.runTransfer(destination)
}

func (s *Session) runTransfer(destination string) {
	orch := transfer.New(s.cfg.CallID, shortCallID(s.cfg.CallID), s.bus, s.cfg.Adapter,
		s.cfg.Profile.TransferDests, s.cfg.Availability, s.cfg.ToolRegistry, s.cfg.SideChannel)

	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()

	outcome, err := orch.Run(ctx, destination)
	if err != nil {
		s.metrics.ObserveTransferOutcome(false, "error")
		s.bus.Publish(s.event(calldata.EventTransferFailed, map[string]any{"destination": destination, "reason": err.Error()}))
		s.monitor.Resume()
		return
	}
	s.applyTransferOutcome(outcome)
}

func shortCallID(callID string) string {
	if len(callID) > 8 {
		return callID[:8]
	}
	return callID
}

func (s *Session) applyTransferOutcome(outcome transfer.Outcome) {
	s.metrics.ObserveTransferOutcome(outcome.Completed, string(outcome.Fallback))
	s.turnMu.Lock()
	requestedAt := s.transferRequestedAt
	s.turnMu.Unlock()
	if !requestedAt.IsZero() {
		s.metrics.ObserveTurnStage("transfer_requested_to_resolved", time.Since(requestedAt))
	}
	if outcome.Completed {
		s.finish(context.Background(), calldata.OutcomeTransferred, string(callstate.StateBridged), false, "transferred")
		return
	}
	s.monitor.Resume()
	// Some failure paths (no destination configured) return without
	// publishing transfer.failed, so handleTransferFailed's mirrored
	// trigger may never fire. Firing it here too is a no-op once the
	// machine has already left the transferring.* branch.
	s.machine.Fire(callstate.TriggerTransferTimeout, nil)
	if outcome.Fallback == calldata.FallbackHangup {
		s.finish(context.Background(), calldata.OutcomeNoAnswer, string(callstate.StateEnded), true, "transfer_failed_hangup")
	}
	// offer_ticket / auto_ticket / voicemail / return_to_agent: the
	// caller stays on the line; the model sees transfer.failed in its
	// context and decides how to continue.
}

// handleTransferCompleted and handleTransferFailed mirror the transfer
// orchestrator's own published events into the state machine, rather
// than waiting for runTransfer's goroutine to return an Outcome, so the
// call's authoritative state tracks transfer progress live for
// diagnostics and the call record.
func (s *Session) handleTransferCompleted(calldata.VoiceEvent) {
	s.machine.Fire(callstate.TriggerAnnouncementDone, nil)
	s.machine.Fire(callstate.TriggerTransferAccepted, nil)
	s.machine.Fire(callstate.TriggerBridgeComplete, nil)
}

func (s *Session) handleTransferFailed(calldata.VoiceEvent) {
	s.machine.Fire(callstate.TriggerTransferTimeout, nil)
}

func (s *Session) handleCallEnding(evt calldata.VoiceEvent) {
	reason, _ := evt.Payload["reason"].(string)
	if _, ok := s.machine.Fire(callstate.TriggerEndCall, nil); !ok {
		return
	}
	s.endMu.Lock()
	s.hangupCaller = true
	s.hangupReason = reason
	s.endMu.Unlock()
	s.turnMu.Lock()
	s.endingAt = time.Now()
	s.turnMu.Unlock()

	scope := heartbeat.After(endingGracePeriod, s.finalizeEnding)
	s.endMu.Lock()
	s.endingScope = scope
	s.endMu.Unlock()
}

// finalizeEnding is reached either once the model's goodbye finishes
// playing (handleAIAudioComplete) or after endingGracePeriod elapses,
// whichever comes first.
func (s *Session) finalizeEnding() {
	s.endMu.Lock()
	if s.endingScope != nil {
		s.endingScope.Cancel()
		s.endingScope = nil
	}
	hangup := s.hangupCaller
	reason := s.hangupReason
	s.endMu.Unlock()

	if reason == "" {
		reason = "completed"
	}
	s.turnMu.Lock()
	endingAt := s.endingAt
	s.turnMu.Unlock()
	if !endingAt.IsZero() {
		s.metrics.ObserveTurnStage("ending_to_ended", time.Since(endingAt))
	}
	s.finish(context.Background(), calldata.OutcomeCompleted, string(callstate.StateEnded), hangup, reason)
}

// handleConnectionLost reacts to a dropped provider transport. While the
// call is connected/active it is worth fighting for, so a reconnect is
// attempted with capped exponential backoff before giving up; once the
// call has moved into a transfer or is already bridged, a flaky
// provider session no longer matters to the caller's experience and the
// call just ends.
func (s *Session) handleConnectionLost(calldata.VoiceEvent) {
	if !isReconnectableState(s.machine.Current()) {
		s.speakFallback(context.Background())
		s.finish(context.Background(), calldata.OutcomeError, string(callstate.StateEnded), false, "connection_lost")
		return
	}
	go s.reconnectOrFinish()
}

// isReconnectableState reports whether a dropped provider transport is
// worth reconnecting, rather than ending the call outright.
func isReconnectableState(cur callstate.State) bool {
	return cur == callstate.StateConnected || strings.HasPrefix(string(cur), "active.")
}

// reconnectOrFinish retries provider.Session.Reconnect up to
// reconnectMaxAttempts times, each bounded by reconnectAttemptBudget, and
// finishes the call with a spoken fallback if every attempt fails.
func (s *Session) reconnectOrFinish() {
	for attempt := 0; attempt < reconnectMaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(context.Background(), reconnectAttemptBudget)
		err := s.prov.Reconnect(attemptCtx)
		cancel()
		s.metrics.ObserveProviderReconnect()
		if err == nil {
			return
		}
	}
	s.speakFallback(context.Background())
	s.finish(context.Background(), calldata.OutcomeError, string(callstate.StateEnded), false, "connection_lost")
}

func (s *Session) handleProviderTimeout(evt calldata.VoiceEvent) {
	reason, _ := evt.Payload["reason"].(string)
	if reason == "" {
		reason = "provider_timeout"
	}
	s.speakFallback(context.Background())
	s.finish(context.Background(), calldata.OutcomeError, string(callstate.StateEnded), true, reason)
}

// speakFallback plays the tenant-configured fallback message (or a
// generic one, if the tenant didn't set one) on the caller's leg before
// an abort path ends the call. Best-effort: a failed PlayAudio must
// never block the call from ending.
func (s *Session) speakFallback(ctx context.Context) {
	msg := s.cfg.Profile.FallbackMessage
	if msg == "" {
		msg = defaultFallbackMessage
	}
	_ = s.cfg.Adapter.PlayAudio(ctx, "tts:"+msg)
}

// finish moves the state machine to ended, optionally hangs up the
// caller's leg, publishes call.ended, and unblocks Run. Safe to call
// from multiple goroutines; only the first call has any effect.
func (s *Session) finish(ctx context.Context, outcome calldata.CallOutcome, finalState string, hangupCaller bool, reason string) {
	s.endOnce.Do(func() {
		if cur := s.machine.Current(); cur != callstate.StateEnding && cur != callstate.StateEnded {
			s.machine.Fire(callstate.TriggerEndCall, nil)
		}
		if s.machine.Current() != callstate.StateEnded {
			s.machine.Fire(callstate.TriggerCallEnded, nil)
		}
		if hangupCaller {
			_ = s.cfg.Adapter.Hangup(ctx, reason)
		}
		s.bus.Publish(s.event(calldata.EventCallEnded, map[string]any{"reason": reason}))

		s.endMu.Lock()
		s.outcome = outcome
		s.finalState = finalState
		s.endMu.Unlock()

		close(s.ended)
	})
}
