package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/voicedesk/secretary/internal/calldata"
	"github.com/voicedesk/secretary/internal/policy"
)

// RequestHandoffTool asks the transfer orchestrator to begin routing the
// call to a human destination. It only records the request on the bus;
// the orchestrator owns validation, dialing, and announcement.
type RequestHandoffTool struct{}

func (RequestHandoffTool) Name() string        { return "request_handoff" }
func (RequestHandoffTool) Description() string { return "Transfer the caller to a human destination." }
func (RequestHandoffTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"destination": map[string]any{"type": "string", "description": "Name or alias of a configured transfer destination."},
			"reason":      map[string]any{"type": "string", "description": "Optional free-text reason, kept in the call record."},
		},
		"required": []any{"destination"},
	}
}

func (RequestHandoffTool) Execute(ctx context.Context, cc CallContext, args map[string]any) (Result, error) {
	destination, _ := args["destination"].(string)
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return Result{}, fmt.Errorf("destination is required")
	}
	reason, _ := args["reason"].(string)

	cc.Bus.Publish(calldata.VoiceEvent{
		Kind:   calldata.EventTransferRequested,
		CallID: cc.CallID,
		Source: "tools",
		Payload: map[string]any{
			"destination":      destination,
			"reason":           reason,
			"caller_identified": cc.Profile.ID != "",
		},
	})
	return Result{Success: true, Speak: "One moment while I connect you."}, nil
}

// TakeMessageTool records a message for later follow-up when a live
// transfer is not possible or not requested.
type TakeMessageTool struct{}

func (TakeMessageTool) Name() string        { return "take_message" }
func (TakeMessageTool) Description() string { return "Record a message from the caller for callback." }
func (TakeMessageTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"caller_name":      map[string]any{"type": "string"},
			"message":          map[string]any{"type": "string"},
			"callback_number":  map[string]any{"type": "string"},
		},
		"required": []any{"caller_name", "message"},
	}
}

func (TakeMessageTool) Execute(ctx context.Context, cc CallContext, args map[string]any) (Result, error) {
	callerName, _ := args["caller_name"].(string)
	message, _ := args["message"].(string)
	if strings.TrimSpace(message) == "" {
		return Result{}, fmt.Errorf("message is required")
	}
	callback, _ := args["callback_number"].(string)

	// Caller-dictated free text is the one place a message can pick up
	// an email, card, or phone number that doesn't belong in a callback
	// record; mask it before the tool result is logged.
	message, _ = policy.RedactPII(message)

	return Result{
		Success: true,
		Data: map[string]any{
			"caller_name":     callerName,
			"message":         message,
			"callback_number": callback,
		},
		Speak: "I've got that, thank you.",
	}, nil
}

// AcceptTransferTool is invoked by the side-channel provider session on
// the B-leg, when the human destination agrees to take the call.
type AcceptTransferTool struct{}

func (AcceptTransferTool) Name() string                         { return "accept_transfer" }
func (AcceptTransferTool) Description() string                  { return "Accept an announced transfer." }
func (AcceptTransferTool) ParametersSchema() map[string]any      { return map[string]any{"type": "object"} }
func (AcceptTransferTool) Execute(ctx context.Context, cc CallContext, args map[string]any) (Result, error) {
	cc.Bus.Publish(calldata.VoiceEvent{Kind: calldata.EventTransferAccepted, CallID: cc.CallID, Source: "tools"})
	return Result{Success: true}, nil
}

// RejectTransferTool is invoked by the side-channel provider session on
// the B-leg, when the human destination declines the call.
type RejectTransferTool struct{}

func (RejectTransferTool) Name() string        { return "reject_transfer" }
func (RejectTransferTool) Description() string { return "Decline an announced transfer." }
func (RejectTransferTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"reason": map[string]any{"type": "string"}},
	}
}

func (RejectTransferTool) Execute(ctx context.Context, cc CallContext, args map[string]any) (Result, error) {
	reason, _ := args["reason"].(string)
	cc.Bus.Publish(calldata.VoiceEvent{
		Kind:    calldata.EventTransferRejected,
		CallID:  cc.CallID,
		Source:  "tools",
		Payload: map[string]any{"reason": reason},
	})
	return Result{Success: true}, nil
}

// EndCallTool lets the model end the call directly, e.g. after the
// caller says goodbye.
type EndCallTool struct{}

func (EndCallTool) Name() string        { return "end_call" }
func (EndCallTool) Description() string { return "End the call." }
func (EndCallTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"reason": map[string]any{"type": "string"}},
	}
}

func (EndCallTool) Execute(ctx context.Context, cc CallContext, args map[string]any) (Result, error) {
	reason, _ := args["reason"].(string)
	cc.Bus.Publish(calldata.VoiceEvent{
		Kind:    calldata.EventCallEnding,
		CallID:  cc.CallID,
		Source:  "tools",
		Payload: map[string]any{"reason": reason},
	})
	return Result{Success: true, Speak: "Thanks for calling, goodbye."}, nil
}

// GetBusinessInfoTool answers factual questions about the tenant through
// its Lookup function, optionally scoped to a single field.
type GetBusinessInfoTool struct {
	// Lookup resolves a field name (e.g. "hours", "address") to its
	// value for the current tenant. Supplied by the composition root
	// since the profile alone does not carry free-form business facts.
	Lookup func(tenantID, field string) (string, bool)
}

func (GetBusinessInfoTool) Name() string        { return "get_business_info" }
func (GetBusinessInfoTool) Description() string { return "Look up a business fact such as hours or address." }
func (GetBusinessInfoTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"field": map[string]any{"type": "string"}},
	}
}

func (t GetBusinessInfoTool) Execute(ctx context.Context, cc CallContext, args map[string]any) (Result, error) {
	field, _ := args["field"].(string)
	if t.Lookup == nil {
		return Result{Success: false, Speak: "I don't have that information right now."}, nil
	}
	value, ok := t.Lookup(cc.TenantID, field)
	if !ok {
		return Result{Success: false, Speak: "I don't have that information right now."}, nil
	}
	return Result{Success: true, Data: map[string]any{"field": field, "value": value}, Speak: value}, nil
}
