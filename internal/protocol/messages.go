package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies client websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk     MessageType = "client_audio_chunk"
	TypeClientControl        MessageType = "client_control"
	TypeSessionStarted       MessageType = "session_started"
	TypeSessionCleared       MessageType = "session_cleared"
	TypeConnectionState      MessageType = "connection_state"
	TypeTranscriptAccepted   MessageType = "transcript_accepted"
	TypeDestinationConfirmed MessageType = "destination_confirmed"
	TypeAgentSpeaking        MessageType = "agent_speaking"
	TypeUserSpeaking         MessageType = "user_speaking"
	TypeAssistantAudio       MessageType = "assistant_audio_chunk"
	TypeSessionFailed        MessageType = "session_failed"
	TypeErrorEvent           MessageType = "error_event"
)

// Control actions accepted from the client.
const (
	ActionStart        = "start"
	ActionStop         = "stop"
	ActionCancel       = "cancel"
	ActionCaptureError = "capture_error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id,omitempty"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
	Detail string      `json:"detail,omitempty"`
	TSMs   int64       `json:"ts_ms,omitempty"`
}

// ClientAudioFrame carries raw PCM received as a binary websocket frame.
type ClientAudioFrame struct {
	PCM []byte
}

type SessionStarted struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	RecordingID string      `json:"recording_id"`
	SampleRate  int         `json:"sample_rate"`
	ChunkMS     int64       `json:"chunk_ms"`
}

type SessionCleared struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"`
}

type ConnectionState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Attempt   int         `json:"attempt,omitempty"`
}

type TranscriptAccepted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// PlaceCandidate is a geocoded match for a confirmed destination.
type PlaceCandidate struct {
	PlaceName string  `json:"place_name"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Relevance float64 `json:"relevance"`
}

type DestinationConfirmed struct {
	Type        MessageType      `json:"type"`
	SessionID   string           `json:"session_id"`
	Destination string           `json:"destination"`
	Candidates  []PlaceCandidate `json:"candidates,omitempty"`
}

type AgentSpeaking struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Speaking  bool        `json:"speaking"`
}

type UserSpeaking struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

type SessionFailed struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Code       string      `json:"code"`
	UserFacing bool        `json:"user_facing"`
	Detail     string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCM16Base64 == "" {
			return nil, errors.New("invalid client_audio_chunk")
		}
		if msg.SampleRate > 0 && msg.SampleRate != 16000 {
			return nil, fmt.Errorf("invalid client_audio_chunk: sample_rate %d, want 16000", msg.SampleRate)
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		switch msg.Action {
		case ActionStart, ActionStop, ActionCancel, ActionCaptureError:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// MessageTypeOf reports the wire type of an outbound or parsed inbound message.
func MessageTypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientAudioChunk:
		return m.Type, true
	case ClientControl:
		return m.Type, true
	case ClientAudioFrame:
		return TypeClientAudioChunk, true
	case SessionStarted:
		return m.Type, true
	case SessionCleared:
		return m.Type, true
	case ConnectionState:
		return m.Type, true
	case TranscriptAccepted:
		return m.Type, true
	case DestinationConfirmed:
		return m.Type, true
	case AgentSpeaking:
		return m.Type, true
	case UserSpeaking:
		return m.Type, true
	case AssistantAudioChunk:
		return m.Type, true
	case SessionFailed:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
