// Package protocol defines the wire messages exchanged with a voice-agent
// backend and the codec that frames them.
//
// Two backend dialects speak the same logical protocol with different type
// strings: the native speech-agent API and the realtime-audio proxy. The
// message bodies are shared; see Dialect for the type-string mapping.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MsgType identifies a canonical protocol message kind.
type MsgType string

const (
	TypeSettings                  MsgType = "settings"
	TypeSettingsApplied           MsgType = "settings_applied"
	TypeWelcome                   MsgType = "welcome"
	TypeConversationText          MsgType = "conversation_text"
	TypeUserStartedSpeaking       MsgType = "user_started_speaking"
	TypeUtteranceEnd              MsgType = "utterance_end"
	TypeAgentAudioDone            MsgType = "agent_audio_done"
	TypeFunctionCallRequest       MsgType = "function_call_request"
	TypeFunctionCallResponse      MsgType = "function_call_response"
	TypeInjectUserMessage         MsgType = "inject_user_message"
	TypeInjectConversationContext MsgType = "inject_conversation_context"
	TypeClearAudio                MsgType = "clear_audio"
	TypeError                     MsgType = "error"
	TypeWarning                   MsgType = "warning"
	TypeUnknown                   MsgType = "unknown"
)

// DecodeError reports a malformed or unsupported frame.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// AudioFormat describes one direction of the negotiated audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels,omitempty"`
}

// AudioSettings carries both directions of the audio negotiation.
type AudioSettings struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

// FunctionSpec declares one callable function to the agent.
type FunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// AgentSettings configures the conversational agent.
type AgentSettings struct {
	Language  string         `json:"language,omitempty"`
	Prompt    string         `json:"prompt,omitempty"`
	Greeting  string         `json:"greeting,omitempty"`
	Functions []FunctionSpec `json:"functions,omitempty"`
}

// Settings is the session-configuration handshake message. It must be the
// first frame transmitted on a channel.
type Settings struct {
	Type  string        `json:"type"`
	Audio AudioSettings `json:"audio"`
	Agent AgentSettings `json:"agent"`
}

// SettingsApplied acknowledges Settings; it gates the first user turn.
type SettingsApplied struct {
	Type string `json:"type"`
}

// Welcome is sent by the native dialect before SettingsApplied and carries
// the server-assigned session identifier.
type Welcome struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// ConversationText carries one conversational turn in either direction.
// The peer echoes the user's own text with role "user".
type ConversationText struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserStartedSpeaking is a VAD pass-through notification.
type UserStartedSpeaking struct {
	Type string `json:"type"`
}

// UtteranceEnd is a VAD pass-through notification marking end of speech.
type UtteranceEnd struct {
	Type        string  `json:"type"`
	Channel     int     `json:"channel,omitempty"`
	LastWordEnd float64 `json:"last_word_end,omitempty"`
}

// AgentAudioDone marks the end of one assistant speech segment.
type AgentAudioDone struct {
	Type string `json:"type"`
}

// FunctionCallRequest asks the client to execute a registered function.
type FunctionCallRequest struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// FunctionCallResponse answers a FunctionCallRequest. Exactly one response
// is emitted per accepted request; Result and Error are mutually exclusive.
type FunctionCallResponse struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Name   string          `json:"name,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// InjectUserMessage submits a typed user turn.
type InjectUserMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ContextTurn is one retained turn replayed on reconnect.
type ContextTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InjectConversationContext seeds retained history into a fresh channel.
// When context preservation is enabled it is the first outbound message
// after SettingsApplied on a reconnected channel.
type InjectConversationContext struct {
	Type  string        `json:"type"`
	Turns []ContextTurn `json:"turns"`
}

// ClearAudio interrupts in-progress agent speech and discards queued audio.
type ClearAudio struct {
	Type string `json:"type"`
}

// ServerError is a peer-reported error. Recoverable errors leave the
// channel open; fatal errors precede a close.
type ServerError struct {
	Type        string `json:"type"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// Warning is a non-fatal peer notice.
type Warning struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Unknown preserves frames with unrecognized type strings.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

// DecodeServerMessage decodes one inbound control frame for the given
// dialect. Unrecognized type strings return Unknown, never an error.
func DecodeServerMessage(d Dialect, data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	wireType := strings.TrimSpace(envelope.Type)
	if wireType == "" {
		return nil, badFrame("missing type", "type")
	}

	switch d.canonicalType(wireType) {
	case TypeSettingsApplied:
		var msg SettingsApplied
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid settings_applied frame", "")
		}
		return msg, nil
	case TypeWelcome:
		var msg Welcome
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid welcome frame", "")
		}
		return msg, nil
	case TypeConversationText:
		var msg ConversationText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid conversation_text frame", "")
		}
		switch strings.TrimSpace(msg.Role) {
		case "user", "assistant":
		default:
			return nil, badFrame("conversation_text.role must be user or assistant", "role")
		}
		return msg, nil
	case TypeUserStartedSpeaking:
		var msg UserStartedSpeaking
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid user_started_speaking frame", "")
		}
		return msg, nil
	case TypeUtteranceEnd:
		var msg UtteranceEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid utterance_end frame", "")
		}
		return msg, nil
	case TypeAgentAudioDone:
		var msg AgentAudioDone
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid agent_audio_done frame", "")
		}
		return msg, nil
	case TypeFunctionCallRequest:
		var msg FunctionCallRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid function_call_request frame", "")
		}
		if strings.TrimSpace(msg.ID) == "" {
			return nil, badFrame("function_call_request.id is required", "id")
		}
		if strings.TrimSpace(msg.Name) == "" {
			return nil, badFrame("function_call_request.name is required", "name")
		}
		return msg, nil
	case TypeError:
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid error frame", "")
		}
		return msg, nil
	case TypeWarning:
		var msg Warning
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid warning frame", "")
		}
		return msg, nil
	default:
		return Unknown{Type: wireType, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
