package session

import (
	"time"

	"github.com/Signal-Meaning/voiceagent/pkg/voiceagent/protocol"
)

// Turn is one conversational exchange entry. Turns are appended in event
// order and never reordered; timestamps are monotonic non-decreasing.
type Turn struct {
	Role      string
	Content   string
	Timestamp time.Time
}

type historyLog struct {
	turns []Turn
	last  time.Time
}

func newHistoryLog() *historyLog {
	return &historyLog{turns: make([]Turn, 0, 16)}
}

func (h *historyLog) append(role, content string, now time.Time) Turn {
	if now.Before(h.last) {
		now = h.last
	}
	h.last = now
	turn := Turn{Role: role, Content: content, Timestamp: now}
	h.turns = append(h.turns, turn)
	return turn
}

// lastUserContent returns the content of the most recent user turn, used
// to dedupe the peer's echo of our own text.
func (h *historyLog) lastUserContent() string {
	for i := len(h.turns) - 1; i >= 0; i-- {
		if h.turns[i].Role == "user" {
			return h.turns[i].Content
		}
	}
	return ""
}

func (h *historyLog) snapshot() []Turn {
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

func (h *historyLog) len() int { return len(h.turns) }

func (h *historyLog) reset() {
	h.turns = h.turns[:0]
	h.last = time.Time{}
}

// contextTurns converts retained history into the seed-context payload
// replayed to a reconnected channel.
func (h *historyLog) contextTurns() []protocol.ContextTurn {
	out := make([]protocol.ContextTurn, 0, len(h.turns))
	for _, t := range h.turns {
		out = append(out, protocol.ContextTurn{Role: t.Role, Content: t.Content})
	}
	return out
}
