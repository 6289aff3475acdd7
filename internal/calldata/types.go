// Package calldata holds the plain data types shared across the call
// mediation runtime: call context, tenant configuration, events, audio
// frames, tool invocations, and the accumulated call record.
package calldata

import "time"

// EventKind enumerates the closed set of events that flow through the
// per-call Event Bus.
type EventKind string

const (
	EventCallStarted   EventKind = "call.started"
	EventCallConnected EventKind = "call.connected"
	EventCallEnding    EventKind = "call.ending"
	EventCallEnded     EventKind = "call.ended"

	EventAISpeakingStarted  EventKind = "ai.speaking.started"
	EventAISpeakingDone     EventKind = "ai.speaking.done"
	EventAIAudioChunk       EventKind = "ai.audio.chunk"
	EventAIAudioBufferLow   EventKind = "ai.audio.buffer.low"
	EventAIAudioComplete    EventKind = "ai.audio.complete"
	EventUserSpeakingStart  EventKind = "user.speaking.started"
	EventUserSpeakingDone   EventKind = "user.speaking.done"
	EventUserAudioReceived  EventKind = "user.audio.received"
	EventUserTranscript     EventKind = "user.transcript"
	EventUserDTMF           EventKind = "user.dtmf"

	EventTransferRequested EventKind = "transfer.requested"
	EventTransferValidated EventKind = "transfer.validated"
	EventTransferDialing   EventKind = "transfer.dialing"
	EventTransferRinging   EventKind = "transfer.ringing"
	EventTransferAnswered  EventKind = "transfer.answered"
	EventTransferAnnouncing EventKind = "transfer.announcing"
	EventTransferAccepted  EventKind = "transfer.accepted"
	EventTransferRejected  EventKind = "transfer.rejected"
	EventTransferTimeout   EventKind = "transfer.timeout"
	EventTransferCompleted EventKind = "transfer.completed"
	EventTransferFailed    EventKind = "transfer.failed"
	EventTransferCancelled EventKind = "transfer.cancelled"

	EventHoldStarted EventKind = "hold.started"
	EventHoldEnded   EventKind = "hold.ended"

	EventStateChanged          EventKind = "state.changed"
	EventStateTransitionBlocked EventKind = "state.transition.blocked"

	EventConnectionHealthy    EventKind = "connection.healthy"
	EventConnectionDegraded   EventKind = "connection.degraded"
	EventConnectionLost       EventKind = "connection.lost"
	EventWebsocketDisconnected EventKind = "websocket.disconnected"
	EventProviderTimeout      EventKind = "provider.timeout"

	EventToolInvokeRequested EventKind = "tool.invoke.requested"
	EventToolStarted         EventKind = "tool.started"
	EventToolCompleted       EventKind = "tool.completed"
	EventToolFailed          EventKind = "tool.failed"

	EventAITranscriptDelta EventKind = "ai.transcript.delta"
)

// TransferDestinationKind enumerates the routable target kinds.
type TransferDestinationKind string

const (
	DestinationExtension TransferDestinationKind = "extension"
	DestinationRingGroup TransferDestinationKind = "ring-group"
	DestinationQueue     TransferDestinationKind = "queue"
	DestinationExternal  TransferDestinationKind = "external"
	DestinationVoicemail TransferDestinationKind = "voicemail"
)

// FallbackAction enumerates what happens when a destination is unavailable.
type FallbackAction string

const (
	FallbackOfferTicket   FallbackAction = "offer_ticket"
	FallbackAutoTicket    FallbackAction = "auto_ticket"
	FallbackVoicemail     FallbackAction = "voicemail"
	FallbackReturnToAgent FallbackAction = "return_to_agent"
	FallbackHangup        FallbackAction = "hangup"
)

// VADMode selects how the provider detects end-of-turn.
type VADMode string

const (
	VADServer     VADMode = "server"
	VADSemantic   VADMode = "semantic"
	VADPushToTalk VADMode = "push_to_talk"
)

// CallOutcome is the terminal classification recorded on a CallRecord.
type CallOutcome string

const (
	OutcomeCompleted     CallOutcome = "completed"
	OutcomeTransferred   CallOutcome = "transferred"
	OutcomeMessageTaken  CallOutcome = "message_taken"
	OutcomeNoAnswer      CallOutcome = "no_answer"
	OutcomeError         CallOutcome = "error"
)

// CallContext identifies one active call and its configured persona.
type CallContext struct {
	CallID     string
	TenantID   string
	CallerNum  string
	CallerName string
	StartedAt  time.Time
	Profile    SecretaryProfile
}

// SecretaryProfile is the tenant-configured persona for a call. It is
// read-only for the duration of the call.
type SecretaryProfile struct {
	ID                string
	TenantID          string
	SystemInstructions string
	Greeting          string
	VoiceID           string
	ToolAllowList     []string
	VADMode           VADMode
	VADThresholds     map[string]float64
	HandoffKeywords   []string
	MaxTurns          int
	TransferDests     []TransferDestination
	FallbackMessage   string
}

// TransferDestination is a routable transfer target.
type TransferDestination struct {
	Name          string
	Aliases       []string
	Kind          TransferDestinationKind
	Address       string
	RingTimeout   time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	FallbackAction FallbackAction
	WorkingHours  string // cron-style day/window expression, empty means always open
	Priority      int
	Default       bool
	Enabled       bool
}

// VoiceEvent is one event published on the Event Bus.
type VoiceEvent struct {
	Kind      EventKind
	CallID    string
	Payload   map[string]any
	Timestamp time.Time
	Source    string
}

// AudioDirection distinguishes ingress (caller -> core) from egress
// (core -> caller) frames.
type AudioDirection string

const (
	DirectionInbound  AudioDirection = "inbound"
	DirectionOutbound AudioDirection = "outbound"
)

// AudioEncoding enumerates the supported sample encodings.
type AudioEncoding string

const (
	EncodingPCM16  AudioEncoding = "pcm16"
	EncodingULaw   AudioEncoding = "ulaw"
	EncodingALaw   AudioEncoding = "alaw"
)

// AudioFrame is one 20ms audio frame. Never stored beyond its processing
// pipeline.
type AudioFrame struct {
	SampleRate int
	Encoding   AudioEncoding
	Payload    []byte
	Direction  AudioDirection
}

// ToolInvocation records one model function call.
type ToolInvocation struct {
	Name        string
	Arguments   map[string]any
	StartedAt   time.Time
	CompletedAt time.Time
	Result      map[string]any
	Success     bool
}

// CallRecord is the structured, flush-once call log.
type CallRecord struct {
	CallUUID    string         `json:"call_uuid"`
	TenantID    string         `json:"tenant_id"`
	SecretaryID string         `json:"secretary_id"`
	CallerID    string         `json:"caller_id"`
	CallerName  string         `json:"caller_name,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     time.Time      `json:"ended_at"`
	DurationMS  int64          `json:"duration_ms"`
	FinalState  string         `json:"final_state"`
	Outcome     CallOutcome    `json:"outcome"`
	Events      []CallRecordEvent `json:"events"`
	Metrics     map[string]any `json:"metrics"`
	Tools       []CallRecordTool  `json:"tools"`
}

// CallRecordEvent is the flattened form of a VoiceEvent for the sink payload.
type CallRecordEvent struct {
	Kind EventKind      `json:"kind"`
	TS   int64          `json:"ts"`
	Data map[string]any `json:"data,omitempty"`
}

// CallRecordTool is the flattened form of a ToolInvocation for the sink payload.
type CallRecordTool struct {
	Name       string         `json:"name"`
	Input      map[string]any `json:"input"`
	Output     map[string]any `json:"output"`
	DurationMS int64          `json:"duration_ms"`
	Success    bool           `json:"success"`
}
