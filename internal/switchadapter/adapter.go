// Package switchadapter bridges the call mediation runtime to the
// telephony switch: a request/response command channel for
// dial/play/hold/bridge/hangup verbs, an event channel normalizing
// switch-originated events onto the Event Bus, and a media channel
// carrying raw 20ms audio frames in both directions.
package switchadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicedesk/secretary/internal/calldata"
	"github.com/voicedesk/secretary/internal/callerr"
	"github.com/voicedesk/secretary/internal/eventbus"
)

const defaultCommandTimeout = 5 * time.Second

type commandEnvelope struct {
	ID   string         `json:"id"`
	Verb string         `json:"verb"`
	Args map[string]any `json:"args,omitempty"`
}

type resultEnvelope struct {
	ID    string         `json:"id"`
	OK    bool           `json:"ok"`
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
}

type eventEnvelope struct {
	Kind    string         `json:"kind"`
	CallID  string         `json:"call_id"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Adapter owns the three duplex connections the switch exposes for one
// call: cmd (core issues verbs, switch replies), evt (switch emits
// lifecycle/DTMF/hangup events), and media (raw PCM frames both ways).
type Adapter struct {
	callID string
	cmd    *websocket.Conn
	evt    *websocket.Conn
	media  *websocket.Conn
	bus    *eventbus.Bus

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[string]chan resultEnvelope
	nextID  uint64

	audioIn     chan calldata.AudioFrame
	mediaRate   int
	preambleSet int32
}

// New constructs an Adapter for one call. Any of cmd/evt/media may be
// nil in configurations where the switch multiplexes them onto one
// connection; callers that need request/response or media must supply
// the corresponding connection.
func New(callID string, cmd, evt, media *websocket.Conn, bus *eventbus.Bus) *Adapter {
	return &Adapter{
		callID:  callID,
		cmd:     cmd,
		evt:     evt,
		media:   media,
		bus:     bus,
		pending: make(map[string]chan resultEnvelope),
		audioIn: make(chan calldata.AudioFrame, 64),
	}
}

// Start begins the background read loops. It returns once all
// configured connections have a reader goroutine running; the loops
// themselves run until ctx is cancelled or their connection closes.
func (a *Adapter) Start(ctx context.Context) {
	if a.cmd != nil {
		go a.readResults(ctx)
	}
	if a.evt != nil {
		go a.readEvents(ctx)
	}
	if a.media != nil {
		go a.readMedia(ctx)
	}
}

// AudioFrames exposes inbound media frames read from the switch.
func (a *Adapter) AudioFrames() <-chan calldata.AudioFrame {
	return a.audioIn
}

// SetMediaRate records the sample rate the switch negotiated for this
// call's media leg, stamped onto every inbound AudioFrame. Must be
// called before Start if the caller cares about AudioFrame.SampleRate.
func (a *Adapter) SetMediaRate(rate int) {
	a.mediaRate = rate
}

func (a *Adapter) readResults(ctx context.Context) {
	for {
		_, data, err := a.cmd.ReadMessage()
		if err != nil {
			a.failAllPending(err)
			return
		}
		var res resultEnvelope
		if err := json.Unmarshal(data, &res); err != nil {
			continue
		}
		a.mu.Lock()
		ch, ok := a.pending[res.ID]
		if ok {
			delete(a.pending, res.ID)
		}
		a.mu.Unlock()
		if ok {
			select {
			case ch <- res:
			default:
			}
		}
	}
}

func (a *Adapter) failAllPending(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
	_ = err
}

func (a *Adapter) readEvents(ctx context.Context) {
	for {
		_, data, err := a.evt.ReadMessage()
		if err != nil {
			a.bus.Publish(calldata.VoiceEvent{
				Kind:   calldata.EventConnectionLost,
				CallID: a.callID,
				Source: "switchadapter",
				Payload: map[string]any{"error": err.Error()},
			})
			return
		}
		var env eventEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		callID := env.CallID
		if callID == "" {
			callID = a.callID
		}
		a.bus.Publish(calldata.VoiceEvent{
			Kind:    calldata.EventKind(env.Kind),
			CallID:  callID,
			Source:  "switch",
			Payload: env.Payload,
		})
	}
}

func (a *Adapter) readMedia(ctx context.Context) {
	for {
		msgType, data, err := a.media.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		frame := calldata.AudioFrame{
			SampleRate: a.mediaRate,
			Encoding:   calldata.EncodingPCM16,
			Payload:    data,
			Direction:  calldata.DirectionInbound,
		}
		select {
		case a.audioIn <- frame:
		case <-ctx.Done():
			return
		default:
			// Drop rather than block the read loop; a full queue means the
			// ingress pipeline has fallen behind.
		}
	}
}

// Dispatch sends a command verb and blocks for the matching response, up
// to timeout (defaultCommandTimeout if zero).
func (a *Adapter) Dispatch(ctx context.Context, verb string, args map[string]any, timeout time.Duration) (map[string]any, error) {
	if a.cmd == nil {
		return nil, callerr.SwitchAdapter(a.callID, "dispatch "+verb, fmt.Errorf("no command channel configured"))
	}
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	id := strconv.FormatUint(atomic.AddUint64(&a.nextID, 1), 10)
	ch := make(chan resultEnvelope, 1)
	a.mu.Lock()
	a.pending[id] = ch
	a.mu.Unlock()

	env := commandEnvelope{ID: id, Verb: verb, Args: args}
	if err := a.writeCommand(env); err != nil {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return nil, callerr.SwitchAdapter(a.callID, "dispatch "+verb, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, callerr.SwitchAdapter(a.callID, "dispatch "+verb, fmt.Errorf("command channel closed"))
		}
		if !res.OK {
			return nil, callerr.SwitchAdapter(a.callID, "dispatch "+verb, fmt.Errorf("%s", res.Error))
		}
		return res.Data, nil
	case <-time.After(timeout):
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return nil, callerr.Timeout(a.callID, "dispatch "+verb+" timed out")
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return nil, callerr.SwitchAdapter(a.callID, "dispatch "+verb, ctx.Err())
	}
}

func (a *Adapter) writeCommand(env commandEnvelope) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = a.cmd.SetWriteDeadline(time.Now().Add(defaultCommandTimeout))
	return a.cmd.WriteJSON(env)
}

// Dial originates an outbound leg toward target (an extension, queue, or
// external number) and blocks until the switch reports answer, busy, or
// the given timeout.
func (a *Adapter) Dial(ctx context.Context, target string, timeout time.Duration) error {
	_, err := a.Dispatch(ctx, "dial", map[string]any{"target": target}, timeout)
	return err
}

// PlayAudio instructs the switch to play a prompt by reference (file or
// TTS-generated URL) on this call's leg.
func (a *Adapter) PlayAudio(ctx context.Context, ref string) error {
	_, err := a.Dispatch(ctx, "play_audio", map[string]any{"ref": ref}, 0)
	return err
}

// StopAudio halts any in-progress PlayAudio.
func (a *Adapter) StopAudio(ctx context.Context) error {
	_, err := a.Dispatch(ctx, "stop_audio", nil, 0)
	return err
}

// Hold places the call on hold (typically music-on-hold from the switch
// side).
func (a *Adapter) Hold(ctx context.Context) error {
	_, err := a.Dispatch(ctx, "hold", nil, 0)
	return err
}

// Unhold resumes a held call.
func (a *Adapter) Unhold(ctx context.Context) error {
	_, err := a.Dispatch(ctx, "unhold", nil, 0)
	return err
}

// CreateConference asks the switch to create a named conference
// rendezvous, used by the transfer orchestrator for announced transfers.
func (a *Adapter) CreateConference(ctx context.Context, name string) error {
	_, err := a.Dispatch(ctx, "create_conference", map[string]any{"name": name}, 0)
	return err
}

// JoinConference moves this call's leg into a conference, optionally
// muted.
func (a *Adapter) JoinConference(ctx context.Context, name string, muted bool) error {
	_, err := a.Dispatch(ctx, "join_conference", map[string]any{"name": name, "muted": muted}, 0)
	return err
}

// LeaveConference removes this call's leg from a conference.
func (a *Adapter) LeaveConference(ctx context.Context, name string) error {
	_, err := a.Dispatch(ctx, "leave_conference", map[string]any{"name": name}, 0)
	return err
}

// Bridge directly connects two call legs outside of a conference. The
// transfer orchestrator does not use it: an accepted transfer keeps both
// legs in the conference and unmutes the caller.
func (a *Adapter) Bridge(ctx context.Context, legA, legB string) error {
	_, err := a.Dispatch(ctx, "bridge", map[string]any{"leg_a": legA, "leg_b": legB}, 0)
	return err
}

// Hangup terminates this call's leg with reason.
func (a *Adapter) Hangup(ctx context.Context, reason string) error {
	_, err := a.Dispatch(ctx, "hangup", map[string]any{"reason": reason}, 0)
	return err
}

// SendPreamble declares the outbound media sample rate once, per the
// external media protocol's "one-time textual preamble" framing.
func (a *Adapter) SendPreamble(sampleRate int) error {
	if a.media == nil {
		return callerr.SwitchAdapter(a.callID, "send preamble", fmt.Errorf("no media channel configured"))
	}
	if !atomic.CompareAndSwapInt32(&a.preambleSet, 0, 1) {
		return nil
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.media.WriteJSON(map[string]any{"sample_rate": sampleRate})
}

// SendAudioFrame writes one outbound 20ms frame to the media channel.
func (a *Adapter) SendAudioFrame(frame []byte) error {
	if a.media == nil {
		return callerr.SwitchAdapter(a.callID, "send audio frame", fmt.Errorf("no media channel configured"))
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.media.WriteMessage(websocket.BinaryMessage, frame)
}

// Close tears down all configured connections.
func (a *Adapter) Close() {
	if a.cmd != nil {
		_ = a.cmd.Close()
	}
	if a.evt != nil {
		_ = a.evt.Close()
	}
	if a.media != nil {
		_ = a.media.Close()
	}
}
