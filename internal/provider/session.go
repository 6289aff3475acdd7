// Package provider manages the websocket session to the streaming
// speech model: connecting, sending session configuration and audio,
// and normalizing inbound deltas onto the Event Bus.
package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker/v2"

	"github.com/voicedesk/secretary/internal/calldata"
	"github.com/voicedesk/secretary/internal/callerr"
	"github.com/voicedesk/secretary/internal/eventbus"
	"github.com/voicedesk/secretary/internal/reliability"
)

const (
	defaultDialTimeout  = 10 * time.Second
	reconnectBaseDelay  = 250 * time.Millisecond
	reconnectCapDelay   = 10 * time.Second
	cbMaxRequestsHalf   = 1
	cbFailureThreshold  = 3
	cbOpenTimeout       = 15 * time.Second
	cbCountersInterval  = 60 * time.Second
)

// Config carries everything needed to dial and configure one call's
// provider session.
type Config struct {
	URL          string
	Headers      http.Header
	Instructions string
	Voice        string
	VADMode      calldata.VADMode
	Tools        []ToolSpec
	SessionCap   time.Duration // wall-clock cap for the whole session, 0 disables it
}

// Session owns the websocket connection to the speech model for one
// call, reconnecting through a circuit breaker when the connection
// drops, and publishing normalized events onto the Event Bus.
type Session struct {
	callID string
	cfg    Config
	bus    *eventbus.Bus

	breaker *gobreaker.CircuitBreaker[*websocket.Conn]

	connMu sync.RWMutex
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex

	deltaMu sync.Mutex
	deltas  map[string]*strings.Builder // call_id -> accumulated function-call arguments
	names   map[string]string           // call_id -> function name

	reconnectAttempt int

	cancel context.CancelFunc
}

// New constructs a Session. Connect must be called before it is usable.
func New(callID string, cfg Config, bus *eventbus.Bus) *Session {
	s := &Session{
		callID: callID,
		cfg:    cfg,
		bus:    bus,
		deltas: make(map[string]*strings.Builder),
		names:  make(map[string]string),
	}
	s.breaker = gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:        "provider:" + callID,
		MaxRequests: cbMaxRequestsHalf,
		Interval:    cbCountersInterval,
		Timeout:     cbOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cbFailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	return s
}

// Connect dials the provider, sends session configuration, and starts
// the read loop. If cfg.SessionCap is nonzero, the session is force-
// closed once the cap elapses and EventProviderTimeout is published.
func (s *Session) Connect(ctx context.Context) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.dialAndConfigure(sessionCtx); err != nil {
		cancel()
		return err
	}

	go s.readLoop(sessionCtx)
	if s.cfg.SessionCap > 0 {
		go s.enforceSessionCap(sessionCtx)
	}
	return nil
}

func (s *Session) dialAndConfigure(ctx context.Context) error {
	conn, err := s.breaker.Execute(func() (*websocket.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
		c, _, dialErr := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.URL, s.cfg.Headers)
		return c, dialErr
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return callerr.ProviderTransport(s.callID, "provider circuit open", err)
		}
		return callerr.ProviderTransport(s.callID, "dial provider", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.closed = false
	s.connMu.Unlock()

	return s.SendSessionConfiguration()
}

// enforceSessionCap closes the session once cfg.SessionCap has elapsed,
// publishing EventProviderTimeout so the owning call can wind down.
func (s *Session) enforceSessionCap(ctx context.Context) {
	timer := time.NewTimer(s.cfg.SessionCap)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.bus.Publish(calldata.VoiceEvent{
			Kind:   calldata.EventProviderTimeout,
			CallID: s.callID,
			Source: "provider",
			Payload: map[string]any{
				"reason": "session_cap_exceeded",
				"cap_ms": s.cfg.SessionCap.Milliseconds(),
			},
		})
		s.Close()
	case <-ctx.Done():
	}
}

// Reconnect tears down the current connection (if any) and dials again
// through the circuit breaker, applying capped exponential backoff
// between attempts so a flapping provider does not spin a reconnect
// storm.
func (s *Session) Reconnect(ctx context.Context) error {
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.connMu.Unlock()

	delay := reliability.ExponentialBackoff(s.reconnectAttempt, reconnectBaseDelay, reconnectCapDelay)
	s.reconnectAttempt++

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.dialAndConfigure(ctx); err != nil {
		return err
	}
	s.reconnectAttempt = 0
	go s.readLoop(ctx)
	return nil
}

func (s *Session) writeJSON(v any) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return callerr.ProviderTransport(s.callID, "write", fmt.Errorf("no active connection"))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(defaultDialTimeout))
	return conn.WriteJSON(v)
}

// SendSessionConfiguration (re)sends the instructions, voice, VAD mode,
// and tool catalog for this call. Called once on connect and again
// after any reconnect.
func (s *Session) SendSessionConfiguration() error {
	return s.writeJSON(SessionConfiguration{
		Type:         TypeSessionConfiguration,
		Instructions: s.cfg.Instructions,
		Voice:        s.cfg.Voice,
		VADMode:      string(s.cfg.VADMode),
		Tools:        s.cfg.Tools,
	})
}

// SendAudioAppend streams one inbound PCM16 frame, base64-encoded per
// the provider wire format.
func (s *Session) SendAudioAppend(pcm []byte) error {
	return s.writeJSON(AudioAppend{
		Type:        TypeAudioAppend,
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendCommit marks the end of the caller's current turn, asking the
// provider to finalize its interpretation of buffered audio.
func (s *Session) SendCommit() error {
	return s.writeJSON(Commit{Type: TypeCommit})
}

// SendResponseCreate asks the provider to begin generating a response.
func (s *Session) SendResponseCreate() error {
	return s.writeJSON(ResponseCreate{Type: TypeResponseCreate})
}

// SendResponseCancel interrupts an in-progress response, used on
// barge-in.
func (s *Session) SendResponseCancel() error {
	return s.writeJSON(ResponseCancel{Type: TypeResponseCancel})
}

// SendFunctionCallOutput returns the result of a tool invocation to the
// provider, keyed by the call_id it supplied in
// function_call_arguments_done.
func (s *Session) SendFunctionCallOutput(callID string, output map[string]any) error {
	return s.writeJSON(FunctionCallOutput{
		Type:   TypeFunctionCallOutput,
		CallID: callID,
		Output: output,
	})
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.bus.Publish(calldata.VoiceEvent{
				Kind:    calldata.EventConnectionLost,
				CallID:  s.callID,
				Source:  "provider",
				Payload: map[string]any{"error": err.Error()},
			})
			return
		}

		msg, err := ParseServerMessage(raw)
		if err != nil {
			protoErr := callerr.ProviderProtocol(s.callID, "parse server message", err)
			log.Printf("provider session %s: %v", s.callID, protoErr)
			continue
		}
		s.handleServerMessage(msg)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Session) handleServerMessage(msg any) {
	switch m := msg.(type) {
	case SessionCreated:
		s.bus.Publish(s.event(calldata.EventCallConnected, map[string]any{"session_id": m.SessionID}))
	case AudioDelta:
		audio, err := base64.StdEncoding.DecodeString(m.AudioBase64)
		if err != nil {
			return
		}
		s.bus.Publish(s.event(calldata.EventAIAudioChunk, map[string]any{"audio": audio}))
	case TranscriptDelta:
		s.bus.Publish(s.event(calldata.EventAITranscriptDelta, map[string]any{
			"role":       m.Role,
			"text_delta": m.TextDelta,
		}))
	case SpeechStarted:
		s.bus.Publish(s.event(calldata.EventUserSpeakingStart, nil))
	case SpeechStopped:
		s.bus.Publish(s.event(calldata.EventUserSpeakingDone, nil))
	case ResponseDone:
		s.bus.Publish(s.event(calldata.EventAIAudioComplete, nil))
	case FunctionCallArgumentsDelta:
		s.accumulateDelta(m)
	case FunctionCallArgumentsDone:
		s.finalizeFunctionCall(m)
	case RateLimitUpdate:
		s.bus.Publish(s.event(calldata.EventConnectionDegraded, map[string]any{
			"remaining": m.Remaining,
			"reset_ms":  m.ResetMS,
		}))
	case ProviderError:
		kind := calldata.EventProviderTimeout
		if !m.Retryable {
			kind = calldata.EventConnectionLost
		}
		s.bus.Publish(s.event(kind, map[string]any{
			"code":      m.Code,
			"message":   m.Message,
			"retryable": m.Retryable,
		}))
	}
}

// accumulateDelta folds one streamed argument fragment into the
// in-progress buffer for its call_id, mirroring how the provider
// streams function arguments token by token rather than all at once.
func (s *Session) accumulateDelta(d FunctionCallArgumentsDelta) {
	s.deltaMu.Lock()
	defer s.deltaMu.Unlock()
	b, ok := s.deltas[d.CallID]
	if !ok {
		b = &strings.Builder{}
		s.deltas[d.CallID] = b
		s.names[d.CallID] = d.Name
	}
	b.WriteString(d.ArgsDelta)
}

func (s *Session) finalizeFunctionCall(d FunctionCallArgumentsDone) {
	name := d.Name
	s.deltaMu.Lock()
	if name == "" {
		name = s.names[d.CallID]
	}
	delete(s.deltas, d.CallID)
	delete(s.names, d.CallID)
	s.deltaMu.Unlock()

	s.bus.Publish(s.event(calldata.EventToolInvokeRequested, map[string]any{
		"call_id":   d.CallID,
		"name":      name,
		"arguments": d.Arguments,
	}))
}

func (s *Session) event(kind calldata.EventKind, payload map[string]any) calldata.VoiceEvent {
	return calldata.VoiceEvent{
		Kind:    kind,
		CallID:  s.callID,
		Source:  "provider",
		Payload: payload,
	}
}

// Close cancels the session context, stopping the session-cap goroutine
// (if any) and the read loop, and closes the underlying connection.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil && !s.closed {
		_ = s.conn.Close()
		s.closed = true
	}
}
