// Package callerr defines the typed error taxonomy used across the call
// mediation runtime in place of an exception hierarchy: callers switch
// on Kind rather than on concrete error types, and every error carries
// enough context (call id, underlying cause) to log usefully without a
// stack trace.
package callerr

import "fmt"

// Kind classifies a call error into one of the runtime's recognized
// failure categories.
type Kind string

const (
	KindConfiguration      Kind = "configuration"
	KindSwitchAdapter      Kind = "switch_adapter"
	KindProviderTransport  Kind = "provider_transport"
	KindProviderProtocol   Kind = "provider_protocol"
	KindToolExecution      Kind = "tool_execution"
	KindTransfer           Kind = "transfer"
	KindTimeout            Kind = "timeout"
	KindInvariantViolation Kind = "invariant_violation"
)

// Error is the concrete error type carried through the runtime. Two
// Errors compare equal in kind via errors.Is when built with the same
// Kind, regardless of message or cause.
type Error struct {
	Kind   Kind
	CallID string
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	if e.CallID != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: call %s: %s: %v", e.Kind, e.CallID, e.Msg, e.Cause)
		}
		return fmt.Sprintf("%s: call %s: %s", e.Kind, e.CallID, e.Msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, allowing
// errors.Is(err, callerr.New(KindTimeout, "", "")) style kind checks.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, callID, msg string) *Error {
	return &Error{Kind: kind, CallID: callID, Msg: msg}
}

// Wrap constructs an Error of the given kind around cause.
func Wrap(kind Kind, callID, msg string, cause error) *Error {
	return &Error{Kind: kind, CallID: callID, Msg: msg, Cause: cause}
}

func Configuration(callID, msg string) *Error      { return New(KindConfiguration, callID, msg) }
func SwitchAdapter(callID, msg string, c error) *Error { return Wrap(KindSwitchAdapter, callID, msg, c) }
func ProviderTransport(callID, msg string, c error) *Error {
	return Wrap(KindProviderTransport, callID, msg, c)
}
func ProviderProtocol(callID, msg string, c error) *Error {
	return Wrap(KindProviderProtocol, callID, msg, c)
}
func ToolExecution(callID, tool string, c error) *Error {
	return Wrap(KindToolExecution, callID, "tool "+tool, c)
}
func Transfer(callID, msg string, c error) *Error { return Wrap(KindTransfer, callID, msg, c) }
func Timeout(callID, msg string) *Error           { return New(KindTimeout, callID, msg) }
func Invariant(callID, msg string) *Error         { return New(KindInvariantViolation, callID, msg) }
