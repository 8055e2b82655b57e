package protocol

import "strings"

// AgentEvent is an inbound event from the voice agent connection. The set of
// variants is closed; consumers switch over the concrete types.
type AgentEvent interface {
	isAgentEvent()
}

// Connected is emitted once, after the socket opened and settings were sent.
type Connected struct {
	Attempt int
}

// Welcome is the agent greeting. The connection consumes it.
type Welcome struct {
	RequestID string
}

// ConfigAck confirms the settings message was applied.
type ConfigAck struct{}

type TranscriptChunk struct {
	Role string
	Text string
}

type FunctionCall struct {
	Name   string
	Args   map[string]any
	CallID string
}

type AgentSpeakingChanged struct {
	Speaking bool
}

type UserSpeechStarted struct{}

// AudioFrame is agent speech for playback.
type AudioFrame struct {
	Bytes []byte
}

type AgentError struct {
	Code    string
	Message string
}

// Disconnected is the last event of a connection. Err is nil for a local close.
type Disconnected struct {
	Err error
}

// Unknown is a frame type this client does not handle.
type Unknown struct {
	Type string
}

func (Connected) isAgentEvent()            {}
func (Welcome) isAgentEvent()              {}
func (ConfigAck) isAgentEvent()            {}
func (TranscriptChunk) isAgentEvent()      {}
func (FunctionCall) isAgentEvent()         {}
func (AgentSpeakingChanged) isAgentEvent() {}
func (UserSpeechStarted) isAgentEvent()    {}
func (AudioFrame) isAgentEvent()           {}
func (AgentError) isAgentEvent()           {}
func (Disconnected) isAgentEvent()         {}
func (Unknown) isAgentEvent()              {}

// Destination returns the destination argument of a start navigation call.
func (c FunctionCall) Destination() (string, bool) {
	if c.Name != StartNavigationFunction {
		return "", false
	}
	v, ok := c.Args[DestinationArg].(string)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// EventName is a stable label for logs and metrics.
func EventName(e AgentEvent) string {
	switch e.(type) {
	case Connected:
		return "connected"
	case Welcome:
		return "welcome"
	case ConfigAck:
		return "config_ack"
	case TranscriptChunk:
		return "transcript_chunk"
	case FunctionCall:
		return "function_call"
	case AgentSpeakingChanged:
		return "agent_speaking_changed"
	case UserSpeechStarted:
		return "user_speech_started"
	case AudioFrame:
		return "audio_frame"
	case AgentError:
		return "agent_error"
	case Disconnected:
		return "disconnected"
	case Unknown:
		return "unknown"
	default:
		return "unrecognized"
	}
}
