// Package callstate implements the hierarchical call state machine: the
// single source of truth for call lifecycle. It replaces the ad-hoc
// boolean flags a hand-rolled implementation would reach for
// (`_transferInProgress`, `_onHold`, ...) with guarded, logged
// transitions over a small table, in the spirit of a table-driven state
// machine rather than scattered conditionals.
package callstate

import (
	"sync"
	"time"

	"github.com/voicedesk/secretary/internal/calldata"
	"github.com/voicedesk/secretary/internal/eventbus"
)

// State is a hierarchical state name, dot-separated (e.g. "active.listening").
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"

	StateActiveListening  State = "active.listening"
	StateActiveProcessing State = "active.processing"
	StateActiveSpeaking   State = "active.speaking"

	StateOnHold State = "on_hold"

	StateTransferValidating State = "transferring.validating"
	StateTransferDialing    State = "transferring.dialing"
	StateTransferAnnouncing State = "transferring.announcing"
	StateTransferWaiting    State = "transferring.waiting"
	StateTransferBridging   State = "transferring.bridging"

	StateBridged State = "bridged"
	StateEnding  State = "ending"
	StateEnded   State = "ended"
)

// Trigger is the name of an event that may cause a transition.
type Trigger string

const (
	TriggerStartCall            Trigger = "start_call"
	TriggerCallConnected        Trigger = "call_connected"
	TriggerUserStartsSpeaking   Trigger = "user_starts_speaking"
	TriggerUserStopsSpeaking    Trigger = "user_stops_speaking"
	TriggerAIStartsSpeaking     Trigger = "ai_starts_speaking"
	TriggerAIStopsSpeaking      Trigger = "ai_stops_speaking"
	TriggerHold                 Trigger = "hold"
	TriggerUnhold               Trigger = "unhold"
	TriggerRequestTransfer      Trigger = "request_transfer"
	TriggerDestinationValidated Trigger = "destination_validated"
	TriggerAttendantAnswered    Trigger = "attendant_answered"
	TriggerAnnouncementDone     Trigger = "announcement_done"
	TriggerTransferAccepted     Trigger = "transfer_accepted"
	TriggerTransferRejected     Trigger = "transfer_rejected"
	TriggerTransferTimeout      Trigger = "transfer_timeout"
	TriggerBridgeComplete       Trigger = "bridge_complete"
	TriggerEndCall              Trigger = "end_call"
	TriggerCallEnded            Trigger = "call_ended"
	TriggerForceEnd             Trigger = "force_end"
)

// transitionHistoryLimit bounds the retained transition log per machine.
const transitionHistoryLimit = 100

// Guard evaluates whether a transition may fire given arbitrary
// caller-supplied data (e.g. "destination present & caller identified").
type Guard func(data map[string]any) bool

type rule struct {
	trigger Trigger
	from    func(State) bool
	to      State
	guard   Guard
}

// Transition records one applied (from, to) pair for diagnostics.
type Transition struct {
	Trigger   Trigger
	From      State
	To        State
	At        time.Time
}

// Machine is the authoritative per-call state machine. Exactly one
// authoritative state exists at any instant; reads are consistent with
// the last applied transition because all mutation happens under mu.
type Machine struct {
	mu        sync.Mutex
	callID    string
	current   State
	enteredAt time.Time
	history   []Transition
	bus       *eventbus.Bus
	rules     []rule
}

// New creates a Machine starting in StateIdle, wired to publish
// state.changed / state.transition.blocked onto bus.
func New(callID string, bus *eventbus.Bus) *Machine {
	m := &Machine{
		callID:    callID,
		current:   StateIdle,
		enteredAt: time.Now(),
		bus:       bus,
	}
	m.rules = defaultRules()
	return m
}

func exact(s State) func(State) bool {
	return func(cur State) bool { return cur == s }
}

func prefix(p State) func(State) bool {
	return func(cur State) bool {
		return len(cur) >= len(p)+1 && cur[:len(p)] == p && cur[len(p)] == '.'
	}
}

func anyExcept(excluded ...State) func(State) bool {
	return func(cur State) bool {
		for _, e := range excluded {
			if cur == e {
				return false
			}
		}
		return true
	}
}

func always(State) bool { return true }

func defaultRules() []rule {
	activeAny := func(cur State) bool {
		return cur == StateActiveListening || cur == StateActiveProcessing || cur == StateActiveSpeaking
	}
	transferringAny := prefix("transferring")

	return []rule{
		{trigger: TriggerStartCall, from: exact(StateIdle), to: StateConnecting},
		{trigger: TriggerCallConnected, from: exact(StateConnecting), to: StateActiveListening},
		{trigger: TriggerUserStartsSpeaking, from: exact(StateActiveListening), to: StateActiveListening},
		{trigger: TriggerUserStopsSpeaking, from: exact(StateActiveListening), to: StateActiveProcessing},
		{trigger: TriggerAIStartsSpeaking, from: exact(StateActiveProcessing), to: StateActiveSpeaking},
		{trigger: TriggerAIStopsSpeaking, from: exact(StateActiveSpeaking), to: StateActiveListening},
		{trigger: TriggerHold, from: activeAny, to: StateOnHold},
		{trigger: TriggerUnhold, from: exact(StateOnHold), to: StateActiveListening},
		{trigger: TriggerRequestTransfer, from: activeAny, to: StateTransferValidating, guard: func(data map[string]any) bool {
			dest, _ := data["destination"].(string)
			callerID, _ := data["caller_identified"].(bool)
			return dest != "" && callerID
		}},
		{trigger: TriggerDestinationValidated, from: exact(StateTransferValidating), to: StateTransferDialing},
		{trigger: TriggerAttendantAnswered, from: exact(StateTransferDialing), to: StateTransferAnnouncing},
		{trigger: TriggerAnnouncementDone, from: exact(StateTransferAnnouncing), to: StateTransferWaiting},
		{trigger: TriggerTransferAccepted, from: exact(StateTransferWaiting), to: StateTransferBridging},
		{trigger: TriggerTransferRejected, from: exact(StateTransferWaiting), to: StateActiveListening},
		{trigger: TriggerTransferTimeout, from: transferringAny, to: StateActiveListening},
		{trigger: TriggerBridgeComplete, from: exact(StateTransferBridging), to: StateBridged},
		{trigger: TriggerEndCall, from: anyExcept(StateEnded), to: StateEnding},
		{trigger: TriggerCallEnded, from: exact(StateEnding), to: StateEnded},
		{trigger: TriggerForceEnd, from: always, to: StateEnded},
	}
}

// Current returns the authoritative current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Fire attempts to apply trigger against the current state. data is
// passed to the matching rule's guard, if any. Returns the resulting
// state and true on success; on a dropped (no matching rule, or guard
// failure) transition it returns the unchanged current state and false,
// having published state.transition.blocked.
func (m *Machine) Fire(trigger Trigger, data map[string]any) (State, bool) {
	m.mu.Lock()

	var matched *rule
	for i := range m.rules {
		r := &m.rules[i]
		if r.trigger != trigger {
			continue
		}
		if !r.from(m.current) {
			continue
		}
		if r.guard != nil && !r.guard(data) {
			continue
		}
		matched = r
		break
	}

	if matched == nil {
		from := m.current
		m.mu.Unlock()
		m.publishBlocked(trigger, from)
		return from, false
	}

	from := m.current
	to := matched.to
	now := time.Now()
	m.current = to
	m.enteredAt = now
	m.history = append(m.history, Transition{Trigger: trigger, From: from, To: to, At: now})
	if len(m.history) > transitionHistoryLimit {
		m.history = m.history[len(m.history)-transitionHistoryLimit:]
	}
	m.mu.Unlock()

	m.publishChanged(trigger, from, to)
	return to, true
}

func (m *Machine) publishChanged(trigger Trigger, from, to State) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(calldata.VoiceEvent{
		Kind:   calldata.EventStateChanged,
		CallID: m.callID,
		Source: "callstate",
		Payload: map[string]any{
			"trigger": string(trigger),
			"old":     string(from),
			"new":     string(to),
		},
	})
}

func (m *Machine) publishBlocked(trigger Trigger, from State) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(calldata.VoiceEvent{
		Kind:   calldata.EventStateTransitionBlocked,
		CallID: m.callID,
		Source: "callstate",
		Payload: map[string]any{
			"trigger": string(trigger),
			"state":   string(from),
		},
	})
}

// History returns a copy of the bounded transition log.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// EnteredAt returns when the current state was entered.
func (m *Machine) EnteredAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enteredAt
}
