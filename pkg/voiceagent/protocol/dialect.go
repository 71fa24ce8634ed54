package protocol

// Dialect selects the backend protocol flavor. Both dialects share message
// bodies and differ in the type strings on the wire.
type Dialect int

const (
	// DialectNative is the native speech-agent API.
	DialectNative Dialect = iota
	// DialectProxy is the realtime-audio proxy.
	DialectProxy
)

func (d Dialect) String() string {
	switch d {
	case DialectNative:
		return "native"
	case DialectProxy:
		return "proxy"
	default:
		return "unknown"
	}
}

// nativeWire maps canonical kinds to native type strings. The native
// dialect uses PascalCase message names.
var nativeWire = map[MsgType]string{
	TypeSettings:                  "Settings",
	TypeSettingsApplied:           "SettingsApplied",
	TypeWelcome:                   "Welcome",
	TypeConversationText:          "ConversationText",
	TypeUserStartedSpeaking:       "UserStartedSpeaking",
	TypeUtteranceEnd:              "UtteranceEnd",
	TypeAgentAudioDone:            "AgentAudioDone",
	TypeFunctionCallRequest:       "FunctionCallRequest",
	TypeFunctionCallResponse:      "FunctionCallResponse",
	TypeInjectUserMessage:         "InjectUserMessage",
	TypeInjectConversationContext: "InjectConversationContext",
	TypeClearAudio:                "ClearAudio",
	TypeError:                     "Error",
	TypeWarning:                   "Warning",
}

// proxyWire maps canonical kinds to realtime-proxy type strings. The proxy
// dialect uses dotted lowercase event names.
var proxyWire = map[MsgType]string{
	TypeSettings:                  "session.update",
	TypeSettingsApplied:           "session.updated",
	TypeWelcome:                   "session.created",
	TypeConversationText:          "conversation.text",
	TypeUserStartedSpeaking:       "input_audio.speech_started",
	TypeUtteranceEnd:              "input_audio.utterance_end",
	TypeAgentAudioDone:            "response.audio.done",
	TypeFunctionCallRequest:       "response.function_call",
	TypeFunctionCallResponse:      "conversation.function_output",
	TypeInjectUserMessage:         "conversation.item.create",
	TypeInjectConversationContext: "conversation.seed",
	TypeClearAudio:                "response.cancel",
	TypeError:                     "error",
	TypeWarning:                   "warning",
}

var (
	nativeCanonical = invert(nativeWire)
	proxyCanonical  = invert(proxyWire)
)

func invert(m map[MsgType]string) map[string]MsgType {
	out := make(map[string]MsgType, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// WireType returns the dialect's type string for a canonical kind.
func (d Dialect) WireType(k MsgType) string {
	switch d {
	case DialectProxy:
		return proxyWire[k]
	default:
		return nativeWire[k]
	}
}

func (d Dialect) canonicalType(wire string) MsgType {
	var k MsgType
	var ok bool
	switch d {
	case DialectProxy:
		k, ok = proxyCanonical[wire]
	default:
		k, ok = nativeCanonical[wire]
	}
	if !ok {
		return TypeUnknown
	}
	return k
}
