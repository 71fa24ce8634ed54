package session

import (
	"github.com/Signal-Meaning/voiceagent/pkg/voiceagent/channel"
)

// Observer receives session telemetry. It replaces ambient global state:
// anything a host UI or test harness wants to watch is delivered here,
// injected at construction.
//
// Callbacks run on session goroutines and must not block.
type Observer interface {
	// ChannelStateChanged fires on every lifecycle transition of a channel.
	ChannelStateChanged(role Role, state channel.State)

	// SettingsApplied fires when the agent channel's handshake completes.
	SettingsApplied()

	// TurnAdded fires when a turn is appended to conversation history.
	TurnAdded(turn Turn)

	// VADEvent fires for pass-through voice-activity notifications:
	// "user_started_speaking" and "utterance_end".
	VADEvent(kind string)

	// PlaybackChanged fires on transitions of the playback-active indicator.
	PlaybackChanged(active bool)

	// IdleTimeout fires when the idle supervisor closes a channel. This is
	// a benign closure, deliberately not routed through SessionError.
	IdleTimeout(role Role)

	// SessionError delivers recoverable upstream errors and transport
	// faults. Channel-level errors never surface through command APIs.
	SessionError(err error)

	// SessionWarning delivers non-fatal peer notices.
	SessionWarning(code, message string)
}

// NopObserver ignores everything; it is the default.
type NopObserver struct{}

func (NopObserver) ChannelStateChanged(Role, channel.State) {}
func (NopObserver) SettingsApplied()                        {}
func (NopObserver) TurnAdded(Turn)                          {}
func (NopObserver) VADEvent(string)                         {}
func (NopObserver) PlaybackChanged(bool)                    {}
func (NopObserver) IdleTimeout(Role)                        {}
func (NopObserver) SessionError(error)                      {}
func (NopObserver) SessionWarning(string, string)           {}
