package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// AgentMessageType identifies JSON frames exchanged with the remote voice agent.
type AgentMessageType string

const (
	AgentTypeWelcome              AgentMessageType = "Welcome"
	AgentTypeSettingsApplied      AgentMessageType = "SettingsApplied"
	AgentTypeConversationText     AgentMessageType = "ConversationText"
	AgentTypeFunctionCallRequest  AgentMessageType = "FunctionCallRequest"
	AgentTypeAgentStartedSpeaking AgentMessageType = "AgentStartedSpeaking"
	AgentTypeAgentAudioDone       AgentMessageType = "AgentAudioDone"
	AgentTypeUserStartedSpeaking  AgentMessageType = "UserStartedSpeaking"
	AgentTypeError                AgentMessageType = "Error"

	AgentTypeSettings             AgentMessageType = "Settings"
	AgentTypeFunctionCallResponse AgentMessageType = "FunctionCallResponse"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// StartNavigationFunction is the one function the agent may call.
	StartNavigationFunction = "start_navigation"
	DestinationArg          = "destination"
)

var ErrMalformedAgentMessage = errors.New("malformed agent message")

// AgentSettings is the first message sent after the socket opens.
type AgentSettings struct {
	Type  AgentMessageType `json:"type"`
	Audio AudioSettings    `json:"audio"`
	Agent AgentBehavior    `json:"agent"`
}

type AudioSettings struct {
	Input  AudioEncoding `json:"input"`
	Output AudioEncoding `json:"output"`
}

type AudioEncoding struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type AgentBehavior struct {
	Listen ModelSelection `json:"listen"`
	Think  ThinkSettings  `json:"think"`
	Speak  ModelSelection `json:"speak"`
}

type ModelSelection struct {
	Provider ModelProvider `json:"provider"`
}

type ModelProvider struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

type ThinkSettings struct {
	Provider  ModelProvider        `json:"provider"`
	Prompt    string               `json:"prompt"`
	Functions []FunctionDefinition `json:"functions"`
}

type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  FunctionSchema `json:"parameters"`
}

type FunctionSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required"`
}

type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// SettingsOptions selects models and instructions for NewAgentSettings.
type SettingsOptions struct {
	Prompt       string
	ListenModel  string
	ThinkType    string
	ThinkModel   string
	SpeakModel   string
	SampleRate   int
	OutputFormat string
	OutputRate   int
}

// NewAgentSettings builds the configuration message with the start
// navigation function schema.
func NewAgentSettings(opts SettingsOptions) AgentSettings {
	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	outputRate := opts.OutputRate
	if outputRate <= 0 {
		outputRate = 24000
	}
	outputFormat := opts.OutputFormat
	if outputFormat == "" {
		outputFormat = "linear16"
	}
	thinkType := opts.ThinkType
	if thinkType == "" {
		thinkType = "open_ai"
	}
	return AgentSettings{
		Type: AgentTypeSettings,
		Audio: AudioSettings{
			Input:  AudioEncoding{Encoding: "linear16", SampleRate: sampleRate},
			Output: AudioEncoding{Encoding: outputFormat, SampleRate: outputRate, Container: "none"},
		},
		Agent: AgentBehavior{
			Listen: ModelSelection{Provider: ModelProvider{Type: "deepgram", Model: opts.ListenModel}},
			Think: ThinkSettings{
				Provider: ModelProvider{Type: thinkType, Model: opts.ThinkModel},
				Prompt:   opts.Prompt,
				Functions: []FunctionDefinition{{
					Name:        StartNavigationFunction,
					Description: "Start navigation to a destination once the user has clearly named where they want to go.",
					Parameters: FunctionSchema{
						Type: "object",
						Properties: map[string]SchemaProperty{
							DestinationArg: {
								Type:        "string",
								Description: "The destination exactly as the user named it, e.g. a landmark, address or place name.",
							},
						},
						Required: []string{DestinationArg},
					},
				}},
			},
			Speak: ModelSelection{Provider: ModelProvider{Type: "deepgram", Model: opts.SpeakModel}},
		},
	}
}

type FunctionCallResponse struct {
	Type           AgentMessageType   `json:"type"`
	FunctionCallID string             `json:"function_call_id"`
	Output         FunctionCallOutput `json:"output"`
}

type FunctionCallOutput struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func NewFunctionCallResponse(callID string, success bool, message string) FunctionCallResponse {
	return FunctionCallResponse{
		Type:           AgentTypeFunctionCallResponse,
		FunctionCallID: callID,
		Output:         FunctionCallOutput{Success: success, Message: message},
	}
}

// agentFrame is the union of all inbound JSON fields.
type agentFrame struct {
	Type           AgentMessageType `json:"type"`
	RequestID      string           `json:"request_id"`
	Role           string           `json:"role"`
	Content        string           `json:"content"`
	FunctionCallID string           `json:"function_call_id"`
	FunctionName   string           `json:"function_name"`
	Input          json.RawMessage  `json:"input"`
	Message        string           `json:"message"`
	Description    string           `json:"description"`
	Code           string           `json:"code"`
}

// ParseAgentMessage decodes a text frame from the agent into an AgentEvent.
// Unknown types decode to Unknown rather than failing.
func ParseAgentMessage(raw []byte) (AgentEvent, error) {
	var f agentFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAgentMessage, err)
	}

	switch f.Type {
	case AgentTypeWelcome:
		return Welcome{RequestID: f.RequestID}, nil
	case AgentTypeSettingsApplied:
		return ConfigAck{}, nil
	case AgentTypeConversationText:
		return TranscriptChunk{Role: strings.ToLower(strings.TrimSpace(f.Role)), Text: f.Content}, nil
	case AgentTypeFunctionCallRequest:
		if strings.TrimSpace(f.FunctionCallID) == "" {
			return nil, fmt.Errorf("%w: function call without id", ErrMalformedAgentMessage)
		}
		args, err := decodeFunctionInput(f.Input)
		if err != nil {
			return nil, fmt.Errorf("%w: function %s input: %v", ErrMalformedAgentMessage, f.FunctionName, err)
		}
		return FunctionCall{Name: f.FunctionName, Args: args, CallID: f.FunctionCallID}, nil
	case AgentTypeAgentStartedSpeaking:
		return AgentSpeakingChanged{Speaking: true}, nil
	case AgentTypeAgentAudioDone:
		return AgentSpeakingChanged{Speaking: false}, nil
	case AgentTypeUserStartedSpeaking:
		return UserSpeechStarted{}, nil
	case AgentTypeError:
		msg := f.Message
		if msg == "" {
			msg = f.Description
		}
		return AgentError{Code: f.Code, Message: msg}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedAgentMessage)
	default:
		return Unknown{Type: string(f.Type)}, nil
	}
}

// decodeFunctionInput accepts either a JSON object or a JSON string holding
// an encoded object.
func decodeFunctionInput(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	if raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, err
		}
		if strings.TrimSpace(encoded) == "" {
			return map[string]any{}, nil
		}
		raw = json.RawMessage(encoded)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
