package provider

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies a provider websocket payload variant, named
// after the wire operations the speech model exposes: configuration,
// audio streaming, and turn control on the client side; deltas and
// lifecycle notices on the server side.
type MessageType string

const (
	TypeSessionConfiguration MessageType = "session_configuration"
	TypeAudioAppend          MessageType = "audio_append"
	TypeCommit               MessageType = "commit"
	TypeResponseCreate       MessageType = "response_create"
	TypeResponseCancel       MessageType = "response_cancel"
	TypeFunctionCallOutput   MessageType = "function_call_output"

	TypeSessionCreated             MessageType = "session_created"
	TypeSessionUpdated             MessageType = "session_updated"
	TypeAudioDelta                 MessageType = "audio_delta"
	TypeTranscriptDelta            MessageType = "transcript_delta"
	TypeFunctionCallArgumentsDelta MessageType = "function_call_arguments_delta"
	TypeFunctionCallArgumentsDone  MessageType = "function_call_arguments_done"
	TypeSpeechStarted              MessageType = "speech_started"
	TypeSpeechStopped              MessageType = "speech_stopped"
	TypeResponseDone               MessageType = "response_done"
	TypeRateLimitUpdate            MessageType = "rate_limit_update"
	TypeProviderError              MessageType = "error"
)

// ErrUnsupportedType is returned by ParseServerMessage for an unrecognized type.
var ErrUnsupportedType = errors.New("unsupported provider message type")

type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type SessionConfiguration struct {
	Type         MessageType `json:"type"`
	Instructions string      `json:"instructions"`
	Voice        string      `json:"voice,omitempty"`
	VADMode      string      `json:"vad_mode,omitempty"`
	Tools        []ToolSpec  `json:"tools,omitempty"`
}

type AudioAppend struct {
	Type        MessageType `json:"type"`
	AudioBase64 string      `json:"audio_base64"`
}

type Commit struct {
	Type MessageType `json:"type"`
}

type ResponseCreate struct {
	Type MessageType `json:"type"`
}

type ResponseCancel struct {
	Type MessageType `json:"type"`
}

type FunctionCallOutput struct {
	Type   MessageType    `json:"type"`
	CallID string         `json:"call_id"`
	Output map[string]any `json:"output"`
}

type SessionCreated struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type SessionUpdated struct {
	Type MessageType `json:"type"`
}

type AudioDelta struct {
	Type        MessageType `json:"type"`
	AudioBase64 string      `json:"audio_base64"`
}

type TranscriptDelta struct {
	Type      MessageType `json:"type"`
	Role      string      `json:"role"`
	TextDelta string      `json:"text_delta"`
}

type FunctionCallArgumentsDelta struct {
	Type       MessageType `json:"type"`
	CallID     string      `json:"call_id"`
	Name       string      `json:"name"`
	ArgsDelta  string      `json:"args_delta"`
}

type FunctionCallArgumentsDone struct {
	Type      MessageType `json:"type"`
	CallID    string      `json:"call_id"`
	Name      string      `json:"name"`
	Arguments string      `json:"arguments"`
}

type SpeechStarted struct {
	Type MessageType `json:"type"`
}

type SpeechStopped struct {
	Type MessageType `json:"type"`
}

// ResponseDone marks that the provider has finished streaming audio and
// transcript for the current response, distinct from speech_stopped
// (which reports the caller's turn ending, not the model's).
type ResponseDone struct {
	Type MessageType `json:"type"`
}

type RateLimitUpdate struct {
	Type      MessageType `json:"type"`
	Remaining int         `json:"remaining"`
	ResetMS   int64       `json:"reset_ms"`
}

type ProviderError struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

type serverInbound struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	AudioBase64 string      `json:"audio_base64"`
	Role        string      `json:"role"`
	TextDelta   string      `json:"text_delta"`
	CallID      string      `json:"call_id"`
	Name        string      `json:"name"`
	ArgsDelta   string      `json:"args_delta"`
	Arguments   string      `json:"arguments"`
	Remaining   int         `json:"remaining"`
	ResetMS     int64       `json:"reset_ms"`
	Code        string      `json:"code"`
	Message     string      `json:"message"`
	Retryable   bool        `json:"retryable"`
}

// ParseServerMessage decodes one provider-originated websocket frame
// into its concrete type, validating the minimal fields each type needs.
func ParseServerMessage(raw []byte) (any, error) {
	var in serverInbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch in.Type {
	case TypeSessionCreated:
		return SessionCreated{Type: in.Type, SessionID: in.SessionID}, nil
	case TypeSessionUpdated:
		return SessionUpdated{Type: in.Type}, nil
	case TypeAudioDelta:
		if in.AudioBase64 == "" {
			return nil, errors.New("invalid audio_delta: missing audio")
		}
		return AudioDelta{Type: in.Type, AudioBase64: in.AudioBase64}, nil
	case TypeTranscriptDelta:
		return TranscriptDelta{Type: in.Type, Role: in.Role, TextDelta: in.TextDelta}, nil
	case TypeFunctionCallArgumentsDelta:
		if in.CallID == "" {
			return nil, errors.New("invalid function_call_arguments_delta: missing call_id")
		}
		return FunctionCallArgumentsDelta{Type: in.Type, CallID: in.CallID, Name: in.Name, ArgsDelta: in.ArgsDelta}, nil
	case TypeFunctionCallArgumentsDone:
		if in.CallID == "" {
			return nil, errors.New("invalid function_call_arguments_done: missing call_id")
		}
		return FunctionCallArgumentsDone{Type: in.Type, CallID: in.CallID, Name: in.Name, Arguments: in.Arguments}, nil
	case TypeSpeechStarted:
		return SpeechStarted{Type: in.Type}, nil
	case TypeSpeechStopped:
		return SpeechStopped{Type: in.Type}, nil
	case TypeResponseDone:
		return ResponseDone{Type: in.Type}, nil
	case TypeRateLimitUpdate:
		return RateLimitUpdate{Type: in.Type, Remaining: in.Remaining, ResetMS: in.ResetMS}, nil
	case TypeProviderError:
		return ProviderError{Type: in.Type, Code: in.Code, Message: in.Message, Retryable: in.Retryable}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
