package protocol

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"
)

// Frame is one decoded inbound transport frame: either a control message
// or raw PCM audio, never both.
type Frame struct {
	Control any
	Audio   []byte
}

// IsAudio reports whether the frame carries PCM audio.
func (f Frame) IsAudio() bool { return f.Audio != nil }

// DecodeFrame disambiguates an inbound transport frame of unknown shape.
// The order is fixed:
//
//  1. text frames parse as JSON control messages;
//  2. binary frames that are entirely valid UTF-8 and parse as a JSON
//     object with a type string are control messages (some backends ship
//     FunctionCallRequest on a binary frame);
//  3. any other binary frame is raw PCM audio.
//
// A binary control frame that fails JSON parsing is audio, not an error;
// a text frame that fails is a protocol fault.
func DecodeFrame(d Dialect, binary bool, data []byte) (Frame, error) {
	if !binary {
		msg, err := DecodeServerMessage(d, data)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Control: msg}, nil
	}

	if looksLikeControl(data) {
		if msg, err := DecodeServerMessage(d, data); err == nil {
			return Frame{Control: msg}, nil
		}
	}
	return Frame{Audio: data}, nil
}

// looksLikeControl gates the binary-JSON interop path. The whole payload
// must be valid UTF-8 and open a JSON object; genuine PCM fails the UTF-8
// check with overwhelming probability.
func looksLikeControl(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	if !utf8.Valid(data) {
		return false
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return false
	}
	return envelope.Type != ""
}

// EncodeControl marshals an outbound control message for the dialect,
// stamping the dialect's type string. Control messages always travel as
// text frames; only PCM audio is sent binary.
func EncodeControl(d Dialect, msg any) ([]byte, error) {
	switch m := msg.(type) {
	case Settings:
		m.Type = d.WireType(TypeSettings)
		return json.Marshal(m)
	case *Settings:
		mm := *m
		mm.Type = d.WireType(TypeSettings)
		return json.Marshal(mm)
	case InjectUserMessage:
		m.Type = d.WireType(TypeInjectUserMessage)
		return json.Marshal(m)
	case InjectConversationContext:
		m.Type = d.WireType(TypeInjectConversationContext)
		return json.Marshal(m)
	case FunctionCallResponse:
		m.Type = d.WireType(TypeFunctionCallResponse)
		return json.Marshal(m)
	case ClearAudio:
		m.Type = d.WireType(TypeClearAudio)
		return json.Marshal(m)
	default:
		return nil, badFrame("unsupported outbound message", "")
	}
}
