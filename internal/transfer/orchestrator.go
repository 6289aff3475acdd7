// Package transfer implements the attended transfer protocol: resolve a
// destination, validate availability, rendezvous both legs in a
// temporary conference, announce the caller to the attendant over a
// side-channel provider session restricted to accept/reject tools, and
// either bridge or return the caller to the main agent.
package transfer

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voicedesk/secretary/internal/calldata"
	"github.com/voicedesk/secretary/internal/callerr"
	"github.com/voicedesk/secretary/internal/eventbus"
	"github.com/voicedesk/secretary/internal/provider"
	"github.com/voicedesk/secretary/internal/switchadapter"
	"github.com/voicedesk/secretary/internal/tools"
)

const (
	defaultResponseTimeout = 15 * time.Second
	defaultDialTimeout     = 30 * time.Second
)

// AvailabilityChecker reports whether dest is currently reachable
// (registration/presence and working hours). Implemented by
// internal/tenantstore; kept as an interface here so this package does
// not depend on the configuration backend.
type AvailabilityChecker interface {
	Available(dest calldata.TransferDestination, at time.Time) bool
}

// SideChannelFactory builds the provider session used to announce the
// transfer to the attendant. Dependency-injected so this package does
// not hardcode a provider URL or credential source.
type SideChannelFactory func(callID string, bus *eventbus.Bus, toolSpecs []tools.ToolSpec) *provider.Session

// Orchestrator drives one attended transfer for one call. A new
// Orchestrator must be created per transfer attempt; Run enforces that
// it is only ever executed once.
type Orchestrator struct {
	callID      string
	shortCallID string
	bus         *eventbus.Bus
	adapter     *switchadapter.Adapter
	destinations []calldata.TransferDestination
	availability AvailabilityChecker
	toolReg      *tools.Registry
	sideChannel  SideChannelFactory
	responseTimeout time.Duration

	ran int32
}

// New constructs an Orchestrator for one call's transfer attempt.
func New(
	callID, shortCallID string,
	bus *eventbus.Bus,
	adapter *switchadapter.Adapter,
	destinations []calldata.TransferDestination,
	availability AvailabilityChecker,
	toolReg *tools.Registry,
	sideChannel SideChannelFactory,
) *Orchestrator {
	return &Orchestrator{
		callID:          callID,
		shortCallID:     shortCallID,
		bus:             bus,
		adapter:         adapter,
		destinations:    destinations,
		availability:    availability,
		toolReg:         toolReg,
		sideChannel:     sideChannel,
		responseTimeout: defaultResponseTimeout,
	}
}

// Outcome is the terminal result of one Run.
type Outcome struct {
	Completed bool
	Reason    string
	Fallback  calldata.FallbackAction
}

// Run executes the full protocol for the requested destination name
// (matched against configured aliases; see resolveDestination). It
// returns once the transfer has definitively completed, been
// rejected/timed out, or failed — never partway through, so the
// caller's state machine can act on a single terminal Outcome.
func (o *Orchestrator) Run(ctx context.Context, requestedDestination string) (Outcome, error) {
	if !atomic.CompareAndSwapInt32(&o.ran, 0, 1) {
		return Outcome{}, callerr.Transfer(o.callID, "orchestrator already ran for this call")
	}

	dest, ok := o.resolveDestination(requestedDestination)
	if !ok {
		return Outcome{Fallback: calldata.FallbackHangup, Reason: "no destination configured"}, nil
	}

	if o.availability != nil && !o.availability.Available(dest, time.Now()) {
		o.bus.Publish(o.event(calldata.EventTransferFailed, map[string]any{"reason": "unavailable", "destination": dest.Name}))
		return Outcome{Fallback: dest.FallbackAction, Reason: "destination unavailable"}, nil
	}

	o.bus.Publish(o.event(calldata.EventTransferValidated, map[string]any{"destination": dest.Name}))

	conferenceID := fmt.Sprintf("transfer_%s_%s", o.shortCallID, uuid.NewString())

	outcome, err := o.runConference(ctx, dest, conferenceID)
	if err != nil {
		o.cleanup(ctx, conferenceID)
		return Outcome{Fallback: dest.FallbackAction, Reason: err.Error()}, nil
	}
	return outcome, nil
}

func (o *Orchestrator) runConference(ctx context.Context, dest calldata.TransferDestination, conferenceID string) (Outcome, error) {
	if err := o.adapter.CreateConference(ctx, conferenceID); err != nil {
		return Outcome{}, callerr.Transfer(o.callID, "create conference: "+err.Error())
	}

	if err := o.adapter.JoinConference(ctx, conferenceID, true); err != nil {
		return Outcome{}, callerr.Transfer(o.callID, "move caller into conference: "+err.Error())
	}
	o.bus.Publish(o.event(calldata.EventTransferDialing, map[string]any{"destination": dest.Name}))

	if err := o.dialWithRetries(ctx, dest, conferenceID); err != nil {
		o.adapter.LeaveConference(ctx, conferenceID)
		return Outcome{}, err
	}
	o.bus.Publish(o.event(calldata.EventTransferAnswered, map[string]any{"destination": dest.Name}))

	decision, err := o.announceAndAwaitDecision(ctx, dest)
	if err != nil {
		o.cleanup(ctx, conferenceID)
		return Outcome{}, err
	}

	switch decision {
	case calldata.EventTransferAccepted:
		if err := o.adapter.JoinConference(ctx, conferenceID, false); err != nil {
			return Outcome{}, callerr.Transfer(o.callID, "unmute caller: "+err.Error())
		}
		o.bus.Publish(o.event(calldata.EventTransferCompleted, map[string]any{"destination": dest.Name}))
		return Outcome{Completed: true, Reason: "accepted"}, nil
	default:
		o.cleanup(ctx, conferenceID)
		reason := "rejected"
		if decision == "" {
			reason = "timeout"
		}
		o.bus.Publish(o.event(calldata.EventTransferFailed, map[string]any{"destination": dest.Name, "reason": reason}))
		return Outcome{Completed: false, Reason: reason, Fallback: dest.FallbackAction}, nil
	}
}

func (o *Orchestrator) dialWithRetries(ctx context.Context, dest calldata.TransferDestination, conferenceID string) error {
	timeout := dest.RingTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	retries := dest.MaxRetries
	if retries < 0 {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		err := o.adapter.Dial(dialCtx, dest.Address, timeout)
		cancel()
		if err == nil {
			if joinErr := o.adapter.JoinConference(ctx, conferenceID, false); joinErr != nil {
				return callerr.Transfer(o.callID, "attendant join conference: "+joinErr.Error())
			}
			return nil
		}
		lastErr = err
		o.bus.Publish(o.event(calldata.EventTransferRinging, map[string]any{"attempt": attempt, "error": err.Error()}))
		if attempt < retries && dest.RetryDelay > 0 {
			select {
			case <-time.After(dest.RetryDelay):
			case <-ctx.Done():
				return callerr.Transfer(o.callID, "dial cancelled: "+ctx.Err().Error())
			}
		}
	}
	return callerr.Transfer(o.callID, fmt.Sprintf("attendant did not answer after %d attempts: %v", retries+1, lastErr))
}

// announceAndAwaitDecision starts the side-channel session, speaks the
// announcement, and blocks until accept_transfer/reject_transfer fires
// on the bus or the response timeout elapses.
func (o *Orchestrator) announceAndAwaitDecision(ctx context.Context, dest calldata.TransferDestination) (calldata.EventKind, error) {
	o.bus.Publish(o.event(calldata.EventTransferAnnouncing, map[string]any{"destination": dest.Name}))

	specs := o.toolReg.Specs([]string{"accept_transfer", "reject_transfer"})
	side := o.sideChannel(o.callID, o.bus, specs)
	if side == nil {
		return "", callerr.Transfer(o.callID, "could not start side-channel session")
	}
	defer side.Close()

	if err := side.Connect(ctx); err != nil {
		return "", callerr.Transfer(o.callID, "side-channel connect: "+err.Error())
	}
	if err := side.SendResponseCreate(); err != nil {
		return "", callerr.Transfer(o.callID, "side-channel announce: "+err.Error())
	}

	evt, ok := o.bus.WaitForAny(ctx, []calldata.EventKind{
		calldata.EventTransferAccepted,
		calldata.EventTransferRejected,
		calldata.EventConnectionLost,
	}, o.responseTimeout, nil)
	if !ok {
		return "", nil // timeout, caller treats empty kind as timeout
	}
	if evt.Kind == calldata.EventConnectionLost {
		return "", callerr.Transfer(o.callID, "attendant hung up before a decision")
	}
	return evt.Kind, nil
}

func (o *Orchestrator) cleanup(ctx context.Context, conferenceID string) {
	_ = o.adapter.LeaveConference(ctx, conferenceID)
}

func (o *Orchestrator) resolveDestination(name string) (calldata.TransferDestination, bool) {
	name = strings.ToLower(strings.TrimSpace(name))

	var best calldata.TransferDestination
	haveBest := false
	var fallback calldata.TransferDestination
	haveFallback := false

	for _, d := range o.destinations {
		if !d.Enabled {
			continue
		}
		if d.Default && !haveFallback {
			fallback = d
			haveFallback = true
		}
		if name == "" {
			continue
		}
		if matchesName(d, name) {
			if !haveBest || d.Priority > best.Priority {
				best = d
				haveBest = true
			}
		}
	}
	if haveBest {
		return best, true
	}
	if haveFallback {
		return fallback, true
	}
	return calldata.TransferDestination{}, false
}

func matchesName(d calldata.TransferDestination, name string) bool {
	if strings.ToLower(d.Name) == name {
		return true
	}
	for _, alias := range d.Aliases {
		if strings.ToLower(alias) == name {
			return true
		}
	}
	return false
}

func (o *Orchestrator) event(kind calldata.EventKind, payload map[string]any) calldata.VoiceEvent {
	return calldata.VoiceEvent{Kind: kind, CallID: o.callID, Source: "transfer", Payload: payload}
}
