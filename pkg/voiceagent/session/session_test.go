package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Signal-Meaning/voiceagent/pkg/voiceagent/audio"
	"github.com/Signal-Meaning/voiceagent/pkg/voiceagent/channel"
	"github.com/Signal-Meaning/voiceagent/pkg/voiceagent/protocol"
)

type writtenFrame struct {
	messageType int
	data        []byte
}

type fakeConn struct {
	mu      sync.Mutex
	writes  []writtenFrame
	inbound chan writtenFrame
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan writtenFrame, 32)}
}

func (c *fakeConn) deliver(data string) {
	c.inbound <- writtenFrame{messageType: websocket.TextMessage, data: []byte(data)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	f, ok := <-c.inbound
	if !ok {
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"}
	}
	if f.messageType == 0 {
		return 0, nil, errors.New("connection reset")
	}
	return f.messageType, f.data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed conn")
	}
	c.writes = append(c.writes, writtenFrame{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) writtenTypes(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var types []string
	for _, w := range c.writes {
		if w.messageType != websocket.TextMessage {
			types = append(types, "<binary>")
			continue
		}
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(w.data, &envelope); err != nil {
			t.Fatalf("unmarshal written frame: %v", err)
		}
		types = append(types, envelope.Type)
	}
	return types
}

func (c *fakeConn) lastWritten(t *testing.T, wireType string) ([]byte, bool) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.writes) - 1; i >= 0; i-- {
		w := c.writes[i]
		if w.messageType != websocket.TextMessage {
			continue
		}
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(w.data, &envelope); err != nil {
			continue
		}
		if envelope.Type == wireType {
			return w.data, true
		}
	}
	return nil, false
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	attempts int
	err      error
}

func (d *fakeDialer) DialContext(context.Context, string, http.Header) (channel.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) dialAttempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// recordingObserver captures callbacks for assertions.
type recordingObserver struct {
	NopObserver
	mu           sync.Mutex
	states       map[Role][]channel.State
	idleTimeouts []Role
	turns        []Turn
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{states: make(map[Role][]channel.State)}
}

func (o *recordingObserver) ChannelStateChanged(role Role, st channel.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[role] = append(o.states[role], st)
}

func (o *recordingObserver) IdleTimeout(role Role) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.idleTimeouts = append(o.idleTimeouts, role)
}

func (o *recordingObserver) TurnAdded(turn Turn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turns = append(o.turns, turn)
}

func (o *recordingObserver) idleCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.idleTimeouts)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func testConfig(dialer *fakeDialer) Config {
	return Config{
		AgentURL:         "wss://agent.test/v1",
		TranscriptionURL: "wss://listen.test/v1",
		AuthToken:        "tok",
		Dialect:          protocol.DialectNative,
		IdleTimeout:      time.Hour,
		SettingsWait:     time.Second,
		Dialer:           dialer,
	}
}

func TestSession_NoChannelBeforeFirstCommand(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	s, err := New(testConfig(dialer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	time.Sleep(20 * time.Millisecond)
	if dialer.dials() != 0 {
		t.Fatalf("session construction dialed %d times", dialer.dials())
	}
	if st := s.ChannelState(RoleAgent); st != channel.StateAbsent {
		t.Fatalf("agent state = %s before any command", st)
	}
	if st := s.ChannelState(RoleTranscription); st != channel.StateAbsent {
		t.Fatalf("transcription state = %s before any command", st)
	}
}

func TestSession_StartOpensOnlyRequestedChannels(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	s, err := New(testConfig(dialer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Start(StartFlags{Agent: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if dialer.dials() != 1 {
		t.Fatalf("dials = %d, want agent only", dialer.dials())
	}
	if st := s.ChannelState(RoleAgent); st != channel.StateConnected {
		t.Fatalf("agent state = %s", st)
	}
	if st := s.ChannelState(RoleTranscription); st != channel.StateAbsent {
		t.Fatalf("transcription state = %s", st)
	}

	// Re-entrant start never opens a duplicate socket.
	if err := s.Start(StartFlags{Agent: true}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if dialer.dials() != 1 {
		t.Fatalf("dials = %d after re-entrant start", dialer.dials())
	}
}

func TestSession_SettingsIsFirstFrame(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	s, err := New(testConfig(dialer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Start(StartFlags{Agent: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	types := dialer.conn(0).writtenTypes(t)
	if len(types) == 0 || types[0] != "Settings" {
		t.Fatalf("first frame = %v, want Settings", types)
	}
}

func TestSession_MessageWaitsForSettingsApplied(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	s, err := New(testConfig(dialer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Start(StartFlags{Agent: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := dialer.conn(0)

	sendErr := make(chan error, 1)
	go func() { sendErr <- s.SendUserMessage("hello there") }()

	// The message must not hit the wire before the handshake completes.
	time.Sleep(30 * time.Millisecond)
	if _, ok := conn.lastWritten(t, "InjectUserMessage"); ok {
		t.Fatalf("message sent before SettingsApplied")
	}

	conn.deliver(`{"type":"SettingsApplied"}`)
	if err := <-sendErr; err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}

	data, ok := conn.lastWritten(t, "InjectUserMessage")
	if !ok {
		t.Fatalf("no InjectUserMessage on the wire")
	}
	var msg protocol.InjectUserMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Content != "hello there" {
		t.Fatalf("wire message = %s, err %v", data, err)
	}

	turns := s.History()
	if len(turns) != 1 || turns[0].Role != "user" || turns[0].Content != "hello there" {
		t.Fatalf("history = %+v", turns)
	}
}

func TestSession_MessageTimesOutWithoutSettingsApplied(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	cfg := testConfig(dialer)
	cfg.SettingsWait = 30 * time.Millisecond
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Start(StartFlags{Agent: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.SendUserMessage("too early"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("error = %v, want ErrNotReady", err)
	}
	if _, ok := dialer.conn(0).lastWritten(t, "InjectUserMessage"); ok {
		t.Fatalf("timed-out message reached the wire")
	}
}

func TestSession_SendImplicitlyStartsAgentChannel(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	s, err := New(testConfig(dialer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	sendErr := make(chan error, 1)
	go func() { sendErr <- s.SendUserMessage("implicit start") }()

	waitFor(t, func() bool { return dialer.dials() == 1 }, "implicit dial")
	dialer.conn(0).deliver(`{"type":"SettingsApplied"}`)
	if err := <-sendErr; err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	if dialer.dials() != 1 {
		t.Fatalf("dials = %d", dialer.dials())
	}
}

func TestSession_AssistantEchoDedupe(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	s, err := New(testConfig(dialer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Start(StartFlags{Agent: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := dialer.conn(0)
	conn.deliver(`{"type":"SettingsApplied"}`)
	waitFor(t, func() bool { return s.SendUserMessage("ping") == nil }, "send after handshake")

	// Peer echoes the user turn, then answers.
	conn.deliver(`{"type":"ConversationText","role":"user","content":"ping"}`)
	conn.deliver(`{"type":"ConversationText","role":"assistant","content":"pong"}`)

	waitFor(t, func() bool {
		turns := s.History()
		return len(turns) == 2 && turns[1].Role == "assistant"
	}, "history settles")

	turns := s.History()
	if turns[0].Content != "ping" || turns[1].Content != "pong" {
		t.Fatalf("history = %+v", turns)
	}
}

func TestSession_IdleTimeoutClosesAgentChannel(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	cfg := testConfig(dialer)
	cfg.IdleTimeout = 40 * time.Millisecond
	obs := newRecordingObserver()
	cfg.Observer = obs
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Start(StartFlags{Agent: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dialer.conn(0).deliver(`{"type":"SettingsApplied"}`)

	waitFor(t, func() bool { return s.ChannelState(RoleAgent) == channel.StateClosed }, "idle close")
	waitFor(t, func() bool { return obs.idleCount() == 1 }, "idle observer callback")

	// The session survives: a follow-up message reconnects on a new socket.
	sendErr := make(chan error, 1)
	go func() { sendErr <- s.SendUserMessage("are you still there") }()
	waitFor(t, func() bool { return dialer.dials() == 2 }, "redial")
	dialer.conn(1).deliver(`{"type":"SettingsApplied"}`)
	if err := <-sendErr; err != nil {
		t.Fatalf("post-idle send: %v", err)
	}
}

func TestSession_AgentActivityResetsIdle(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	cfg := testConfig(dialer)
	cfg.IdleTimeout = 60 * time.Millisecond
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Start(StartFlags{Agent: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := dialer.conn(0)
	conn.deliver(`{"type":"SettingsApplied"}`)

	// Agent-originated traffic alone keeps the channel alive well past
	// the idle timeout; nothing user-side happens here.
	for i := 0; i < 8; i++ {
		time.Sleep(25 * time.Millisecond)
		conn.deliver(`{"type":"ConversationText","role":"assistant","content":"still talking"}`)
	}
	if st := s.ChannelState(RoleAgent); st != channel.StateConnected {
		t.Fatalf("agent state = %s during continuous agent speech", st)
	}

	// Silence afterwards lets the timeout fire.
	waitFor(t, func() bool { return s.ChannelState(RoleAgent) == channel.StateClosed }, "idle close after silence")
}

func TestSession_InterruptFlushesPlaybackAndNotifiesPeer(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	cfg := testConfig(dialer)
	block := make(chan struct{})
	cfg.PlaybackSink = audio.SinkFunc(func([]byte) error {
		<-block
		return nil
	})
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	defer close(block)

	if err := s.Start(StartFlags{Agent: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := dialer.conn(0)
	conn.deliver(`{"type":"SettingsApplied"}`)

	// Binary PCM frames queue into the player; the first blocks in the sink.
	conn.inbound <- writtenFrame{messageType: websocket.BinaryMessage, data: []byte{0xde, 0xad}}
	conn.inbound <- writtenFrame{messageType: websocket.BinaryMessage, data: []byte{0xbe, 0xef}}
	waitFor(t, s.Playing, "playback active")

	if err := s.InterruptAgent(); err != nil {
		t.Fatalf("InterruptAgent: %v", err)
	}
	if s.Playing() {
		t.Fatalf("playing still set after interrupt")
	}
	waitFor(t, func() bool {
		_, ok := conn.lastWritten(t, "ClearAudio")
		return ok
	}, "clear_audio on the wire")
}

func TestSession_InFlightFunctionCallSuspendsIdle(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	cfg := testConfig(dialer)
	cfg.IdleTimeout = 40 * time.Millisecond
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	release := make(chan struct{})
	err = s.RegisterFunction(protocol.FunctionSpec{Name: "slow_lookup"}, func(context.Context, protocol.FunctionCallRequest, func(any)) (any, error) {
		<-release
		return map[string]string{"status": "ok"}, nil
	})
	if err != nil {
		t.Fatalf("RegisterFunction: %v", err)
	}

	if err := s.Start(StartFlags{Agent: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := dialer.conn(0)
	conn.deliver(`{"type":"SettingsApplied"}`)
	conn.deliver(`{"type":"FunctionCallRequest","id":"fc-1","name":"slow_lookup","arguments":{}}`)

	// Well past the idle timeout, the channel must stay open while the
	// call is in flight.
	time.Sleep(120 * time.Millisecond)
	if st := s.ChannelState(RoleAgent); st != channel.StateConnected {
		t.Fatalf("agent state = %s during in-flight call", st)
	}

	close(release)
	waitFor(t, func() bool {
		_, ok := conn.lastWritten(t, "FunctionCallResponse")
		return ok
	}, "function response on the wire")

	// With the call complete the idle clock runs again.
	waitFor(t, func() bool { return s.ChannelState(RoleAgent) == channel.StateClosed }, "idle close after completion")
}

func TestSession_ContextReplayOnReconnect(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	cfg := testConfig(dialer)
	cfg.ContextPreservationOnReconnect = true
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Start(StartFlags{Agent: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := dialer.conn(0)
	conn.deliver(`{"type":"SettingsApplied"}`)
	waitFor(t, func() bool { return s.SendUserMessage("remember me") == nil }, "first turn")
	conn.deliver(`{"type":"ConversationText","role":"assistant","content":"noted"}`)
	waitFor(t, func() bool { return len(s.History()) == 2 }, "two turns")

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, func() bool { return s.ChannelState(RoleAgent) == channel.StateClosed }, "stopped")

	// History is retained for the reconnect.
	if got := len(s.History()); got != 2 {
		t.Fatalf("history after stop = %d turns", got)
	}

	if err := s.Start(StartFlags{Agent: true}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, func() bool { return dialer.dials() == 2 }, "redial")
	conn2 := dialer.conn(1)
	conn2.deliver(`{"type":"SettingsApplied"}`)

	waitFor(t, func() bool {
		_, ok := conn2.lastWritten(t, "InjectConversationContext")
		return ok
	}, "context replay")

	data, _ := conn2.lastWritten(t, "InjectConversationContext")
	var replay protocol.InjectConversationContext
	if err := json.Unmarshal(data, &replay); err != nil {
		t.Fatalf("unmarshal replay: %v", err)
	}
	if len(replay.Turns) != 2 || replay.Turns[0].Content != "remember me" || replay.Turns[1].Content != "noted" {
		t.Fatalf("replayed turns = %+v", replay.Turns)
	}

	// Replay precedes any new user turn.
	if err := s.SendUserMessage("and now?"); err != nil {
		t.Fatalf("post-replay send: %v", err)
	}
	types := conn2.writtenTypes(t)
	if len(types) < 3 || types[0] != "Settings" || types[1] != "InjectConversationContext" || types[2] != "InjectUserMessage" {
		t.Fatalf("frame order = %v", types)
	}
}

func TestSession_StopCancelsReconnect(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	cfg := testConfig(dialer)
	cfg.ReconnectOnFailure = true
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Start(StartFlags{Agent: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The endpoint goes dark: the live socket faults and redials fail.
	dialer.setErr(errors.New("connection refused"))
	dialer.conn(0).inbound <- writtenFrame{}
	waitFor(t, func() bool { return dialer.dialAttempts() >= 2 }, "reconnect attempt")

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	attemptsAtStop := dialer.dialAttempts()

	// The endpoint recovering after Stop must not resurrect the channel.
	dialer.setErr(nil)
	time.Sleep(1200 * time.Millisecond)

	if st := s.ChannelState(RoleAgent); st == channel.StateConnected {
		t.Fatalf("agent channel reconnected after Stop: state = %s", st)
	}
	if got := dialer.dialAttempts(); got != attemptsAtStop {
		t.Fatalf("dial attempts = %d after Stop, want %d", got, attemptsAtStop)
	}
}

func TestSession_StopWithoutPreservationClearsHistory(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	s, err := New(testConfig(dialer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Start(StartFlags{Agent: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dialer.conn(0).deliver(`{"type":"SettingsApplied"}`)
	waitFor(t, func() bool { return s.SendUserMessage("ephemeral") == nil }, "send")

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := len(s.History()); got != 0 {
		t.Fatalf("history after stop = %d turns, want 0", got)
	}
}

func TestSession_CommandsAfterClose(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	s, err := New(testConfig(dialer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Close()

	if err := s.SendUserMessage("x"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("error = %v, want ErrSessionClosed", err)
	}
	if err := s.Start(StartFlags{Agent: true}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("error = %v, want ErrSessionClosed", err)
	}
}
