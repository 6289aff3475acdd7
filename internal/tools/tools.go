// Package tools is the catalog of named, typed, tenant-permitted
// functions the speech model may invoke: request_handoff, take_message,
// accept_transfer, reject_transfer, end_call, get_business_info.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"

	"github.com/voicedesk/secretary/internal/calldata"
	"github.com/voicedesk/secretary/internal/callerr"
	"github.com/voicedesk/secretary/internal/eventbus"
)

// Result is what a Tool returns: a status, a data payload, and an
// optional line for the model to speak back to the caller.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Speak   string         `json:"speak,omitempty"`
}

// CallContext is the subset of call state a tool implementation needs:
// identity, the event bus to publish side effects on, and the tenant
// profile the call is running under.
type CallContext struct {
	CallID  string
	TenantID string
	Profile calldata.SecretaryProfile
	Bus     *eventbus.Bus
}

// Tool is one model-invocable function.
type Tool interface {
	Name() string
	Description() string
	// ParametersSchema is a JSON Schema object describing the arguments,
	// in the shape the provider's tool catalog expects.
	ParametersSchema() map[string]any
	Execute(ctx context.Context, cc CallContext, args map[string]any) (Result, error)
}

// Registry holds the full catalog and compiles each tool's parameter
// schema once at registration time. Dispatch is serialized per call: a
// caller obtains a per-call dispatcher via ForCall that only allows one
// in-flight Execute at a time, matching the one-tool-call-in-flight
// invariant the provider's turn-taking relies on.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry compiles and registers every tool in tools, failing fast
// if any parameter schema does not compile.
func NewRegistry(registered ...Tool) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
	compiler := jsonschema.NewCompiler()
	for _, t := range registered {
		raw, err := json.Marshal(t.ParametersSchema())
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %q: %w", t.Name(), err)
		}
		schema, err := compiler.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %q: %w", t.Name(), err)
		}
		r.tools[t.Name()] = t
		r.schemas[t.Name()] = schema
	}
	return r, nil
}

// FilteredFor returns the subset of tool names in allowList that are
// actually registered, in the order given; unknown names are dropped
// rather than erroring, since an allow-list naming a retired tool
// should not break every call for a tenant.
func (r *Registry) FilteredFor(allowList []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range allowList {
		if _, ok := r.tools[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Specs returns the provider-facing tool catalog for the given allowed
// names (ignoring any name not registered).
func (r *Registry) Specs(allowList []string) []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ToolSpec
	for _, name := range allowList {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.ParametersSchema(),
		})
	}
	return out
}

// ToolSpec mirrors provider.ToolSpec without importing the provider
// package, avoiding an import cycle (provider sessions are constructed
// with a tool catalog computed by this package).
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Dispatcher serializes Execute calls for one call.
type Dispatcher struct {
	reg *Registry
	mu  sync.Mutex
	cc  CallContext
}

// ForCall returns a per-call dispatcher restricted to
// cc.Profile.ToolAllowList.
func (r *Registry) ForCall(cc CallContext) *Dispatcher {
	return &Dispatcher{reg: r, cc: cc}
}

// Execute validates args against name's compiled schema, runs it
// exclusive of any other Execute on this dispatcher, and publishes
// tool.started/tool.completed/tool.failed on the call's bus. Every
// failure (unknown tool, tool not permitted, invalid arguments, or an
// error from the tool itself) is returned as a callerr.ToolExecution
// error with an empty Result; only an error from the tool itself also
// publishes tool.failed.
func (d *Dispatcher) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reg.mu.RLock()
	t, ok := d.reg.tools[name]
	schema := d.reg.schemas[name]
	d.reg.mu.RUnlock()
	if !ok {
		return Result{}, callerr.ToolExecution(d.cc.CallID, name, fmt.Errorf("tool not registered"))
	}
	if !d.allowed(name) {
		return Result{}, callerr.ToolExecution(d.cc.CallID, name, fmt.Errorf("tool not permitted for tenant"))
	}

	if schema != nil {
		if res := schema.Validate(toAnyMap(args)); !res.IsValid() {
			return Result{}, callerr.ToolExecution(d.cc.CallID, name, fmt.Errorf("invalid arguments for %s", name))
		}
	}

	startedAt := time.Now()
	d.publish(calldata.EventToolStarted, name, map[string]any{"arguments": args})

	result, err := t.Execute(ctx, d.cc, args)
	completedAt := time.Now()

	invocation := calldata.ToolInvocation{
		Name:        name,
		Arguments:   args,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Result:      result.Data,
		Success:     err == nil && result.Success,
	}

	if err != nil {
		d.publish(calldata.EventToolFailed, name, map[string]any{
			"arguments":   args,
			"error":       err.Error(),
			"duration_ms": completedAt.Sub(startedAt).Milliseconds(),
		})
		return Result{}, callerr.ToolExecution(d.cc.CallID, name, err)
	}

	d.publish(calldata.EventToolCompleted, name, map[string]any{
		"arguments":   args,
		"success":     result.Success,
		"data":        result.Data,
		"duration_ms": completedAt.Sub(startedAt).Milliseconds(),
	})
	_ = invocation // recorded by the call logger, which subscribes to these events
	return result, nil
}

func (d *Dispatcher) allowed(name string) bool {
	for _, n := range d.cc.Profile.ToolAllowList {
		if n == name {
			return true
		}
	}
	return false
}

func (d *Dispatcher) publish(kind calldata.EventKind, tool string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["tool"] = tool
	d.cc.Bus.Publish(calldata.VoiceEvent{
		Kind:    kind,
		CallID:  d.cc.CallID,
		Source:  "tools",
		Payload: payload,
	})
}

func toAnyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
