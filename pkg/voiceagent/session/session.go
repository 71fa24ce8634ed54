// Package session orchestrates a realtime voice-agent conversation over
// two independently-lifecycled channels: the agent channel (turns, TTS
// audio, function calls) and the transcription channel (microphone audio,
// VAD events).
//
// All session state is owned by a single run loop; public commands are
// tagged variants processed in submission order. Channels are created
// lazily: no socket exists until a command needs one, and re-entrant
// starts against a connected channel are no-ops.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Signal-Meaning/voiceagent/pkg/voiceagent/audio"
	"github.com/Signal-Meaning/voiceagent/pkg/voiceagent/channel"
	"github.com/Signal-Meaning/voiceagent/pkg/voiceagent/dispatch"
	"github.com/Signal-Meaning/voiceagent/pkg/voiceagent/idle"
	"github.com/Signal-Meaning/voiceagent/pkg/voiceagent/protocol"
)

// Role names one logical channel.
type Role string

const (
	RoleAgent         Role = "agent"
	RoleTranscription Role = "transcription"
)

// StartFlags selects which channels a Start command needs.
type StartFlags struct {
	Agent         bool
	Transcription bool
}

var (
	// ErrNotReady rejects a user message when settings are not applied
	// within the bounded wait. No network effect occurs.
	ErrNotReady = errors.New("session settings not applied")

	// ErrSessionClosed rejects commands after Close.
	ErrSessionClosed = errors.New("session closed")
)

// Config configures a Session at construction.
type Config struct {
	// AgentURL is the agent channel endpoint. Required.
	AgentURL string
	// TranscriptionURL enables the transcription channel when non-empty.
	TranscriptionURL string
	AuthToken        string
	Dialect          protocol.Dialect

	// Audio and Agent seed the Settings handshake frame.
	Audio protocol.AudioSettings
	Agent protocol.AgentSettings

	// IdleTimeout closes the agent channel after configured inactivity.
	// Default 10s.
	IdleTimeout time.Duration
	// SettingsWait bounds how long SendUserMessage waits for the
	// SettingsApplied gate. Default 5s.
	SettingsWait time.Duration

	// ContextPreservationOnReconnect replays retained history to a fresh
	// channel before any new user turn.
	ContextPreservationOnReconnect bool
	// ReconnectOnFailure redials with backoff after transport faults.
	ReconnectOnFailure bool

	FrameDuration      time.Duration
	CaptureQueueFrames int
	PaceCapture        bool

	// PlaybackSink consumes inbound agent PCM. Nil discards audio.
	PlaybackSink audio.Sink

	Dialer   channel.Dialer
	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Second
	}
	if c.SettingsWait <= 0 {
		c.SettingsWait = 5 * time.Second
	}
	if c.PlaybackSink == nil {
		c.PlaybackSink = audio.SinkFunc(func([]byte) error { return nil })
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Commands are tagged variants consumed by the run loop.
type (
	cmdStart struct {
		flags StartFlags
		reply chan error
	}
	cmdStop        struct{ reply chan error }
	cmdSendMessage struct {
		text  string
		reply chan error
	}
	cmdStartCapture struct {
		src   audio.CaptureSource
		reply chan error
	}
	cmdStopCapture struct{ reply chan error }
	cmdInterrupt   struct{ reply chan error }
	cmdRegister    struct {
		spec    protocol.FunctionSpec
		handler dispatch.Handler
		reply   chan error
	}
	cmdHistory     struct{ reply chan []Turn }
	cmdIdleExpired struct{}
	cmdMsgTimeout  struct{ msg *pendingMessage }
	cmdReconnect   struct {
		role  Role
		gen   uint64
		reply chan error
	}
	cmdReconnectDone struct {
		role Role
		gen  uint64
		err  error
	}
)

type inboundFrame struct {
	role  Role
	frame protocol.Frame
}

type channelEvent struct {
	role Role
	ch   *channel.Channel
	ev   channel.Event
}

type pendingMessage struct {
	text  string
	reply chan error
	timer *time.Timer
	done  bool
}

type closeCause int

const (
	closeCauseNone closeCause = iota
	closeCauseStop
	closeCauseIdle
)

// Session is the top-level orchestrator and the public command surface.
type Session struct {
	cfg      Config
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
	id       string

	commands   chan any
	frames     chan inboundFrame
	chanEvents chan channelEvent

	chMu     sync.RWMutex
	channels map[Role]*channel.Channel

	// Run-loop-owned state. Never touched off-loop.
	settingsApplied bool
	greetingEmitted bool
	needsReplay     bool
	pendingMsgs     []*pendingMessage
	functions       []protocol.FunctionSpec
	history         *historyLog
	chunker         *audio.Chunker
	pendingClose    map[Role]closeCause
	reconnecting    map[Role]bool
	reconnectGen    uint64

	idleSup    *idle.Supervisor
	dispatcher *dispatch.Dispatcher
	player     *audio.Player

	capturing atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New constructs a session and starts its run loop. No channel (and no
// socket) is created until a command requires one.
func New(cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if cfg.AgentURL == "" {
		return nil, fmt.Errorf("session config: AgentURL is required")
	}

	s := &Session{
		cfg:          cfg,
		observer:     cfg.Observer,
		now:          cfg.Now,
		id:           uuid.NewString(),
		commands:     make(chan any, 32),
		frames:       make(chan inboundFrame, 256),
		chanEvents:   make(chan channelEvent, 32),
		channels:     make(map[Role]*channel.Channel),
		history:      newHistoryLog(),
		pendingClose: make(map[Role]closeCause),
		reconnecting: make(map[Role]bool),
		functions:    append([]protocol.FunctionSpec(nil), cfg.Agent.Functions...),
		done:         make(chan struct{}),
	}
	s.logger = cfg.Logger.With("session_id", s.id)
	s.runCtx, s.runCancel = context.WithCancel(context.Background())

	s.player = audio.NewPlayer(cfg.PlaybackSink, s.logger, func(active bool) {
		s.observer.PlaybackChanged(active)
	})
	s.dispatcher = dispatch.New(s.sendFunctionResponse, s.onInFlightChange, s.logger)
	s.idleSup = idle.New(idle.Config{
		Timeout: cfg.IdleTimeout,
		Now:     cfg.Now,
		Logger:  s.logger,
		OnExpire: func() {
			select {
			case s.commands <- cmdIdleExpired{}:
			case <-s.done:
			}
		},
	})

	go s.run()
	return s, nil
}

// ID returns the locally-generated session identifier.
func (s *Session) ID() string { return s.id }

// ChannelState reports a channel's lifecycle state; StateAbsent until a
// command has needed the channel.
func (s *Session) ChannelState(role Role) channel.State {
	s.chMu.RLock()
	ch := s.channels[role]
	s.chMu.RUnlock()
	if ch == nil {
		return channel.StateAbsent
	}
	return ch.State()
}

// Playing reports the playback-active indicator.
func (s *Session) Playing() bool { return s.player.Playing() }

// Capturing reports whether audio capture is running.
func (s *Session) Capturing() bool { return s.capturing.Load() }

// RegisterFunction installs a function handler and advertises its spec in
// the Settings handshake of subsequently-opened channels.
func (s *Session) RegisterFunction(spec protocol.FunctionSpec, h dispatch.Handler) error {
	return s.do(cmdRegister{spec: spec, handler: h, reply: make(chan error, 1)})
}

// Start lazily creates and connects the requested channels. It returns
// once they reach connected; on partial failure the error reports the
// failed channel while connected siblings keep running.
func (s *Session) Start(flags StartFlags) error {
	return s.do(cmdStart{flags: flags, reply: make(chan error, 1)})
}

// SendUserMessage submits a typed user turn. The agent channel is started
// implicitly if absent; the message waits (bounded) for SettingsApplied
// and fails with ErrNotReady when the gate does not open in time.
func (s *Session) SendUserMessage(text string) error {
	return s.do(cmdSendMessage{text: text, reply: make(chan error, 1)})
}

// StartAudioCapture starts the capture pipeline, implicitly starting the
// agent (and configured transcription) channel. Already-connected
// channels are reused, never redialed.
func (s *Session) StartAudioCapture(src audio.CaptureSource) error {
	return s.do(cmdStartCapture{src: src, reply: make(chan error, 1)})
}

// StopAudioCapture halts the capture pipeline; channels stay open.
func (s *Session) StopAudioCapture() error {
	return s.do(cmdStopCapture{reply: make(chan error, 1)})
}

// InterruptAgent flushes queued playback immediately and asks the peer to
// discard in-flight agent audio. Idempotent when nothing is playing.
func (s *Session) InterruptAgent() error {
	return s.do(cmdInterrupt{reply: make(chan error, 1)})
}

// Stop closes all channels, cancels the idle timer, and clears session
// state unless a reconnect-with-context is pending. The session remains
// usable: a later Start opens fresh channels.
func (s *Session) Stop() error {
	return s.do(cmdStop{reply: make(chan error, 1)})
}

// History returns a snapshot of the conversation history.
func (s *Session) History() []Turn {
	reply := make(chan []Turn, 1)
	select {
	case s.commands <- cmdHistory{reply: reply}:
	case <-s.done:
		return nil
	}
	select {
	case turns := <-reply:
		return turns
	case <-s.done:
		return nil
	}
}

// Close terminates the session permanently.
func (s *Session) Close() error {
	if !s.closed.Load() {
		_ = s.Stop()
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.runCancel()
		close(s.done)
		s.idleSup.Stop()
		s.player.Stop()
	})
	return nil
}

func (s *Session) do(c any) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	var reply chan error
	switch cmd := c.(type) {
	case cmdStart:
		reply = cmd.reply
	case cmdStop:
		reply = cmd.reply
	case cmdSendMessage:
		reply = cmd.reply
	case cmdStartCapture:
		reply = cmd.reply
	case cmdStopCapture:
		reply = cmd.reply
	case cmdInterrupt:
		reply = cmd.reply
	case cmdRegister:
		reply = cmd.reply
	case cmdReconnect:
		reply = cmd.reply
	default:
		return fmt.Errorf("unsupported command %T", c)
	}

	select {
	case s.commands <- c:
	case <-s.done:
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case c := <-s.commands:
			s.handleCommand(c)
		case f := <-s.frames:
			s.handleFrame(f)
		case ev := <-s.chanEvents:
			s.handleChannelEvent(ev)
		}
	}
}

func (s *Session) handleCommand(c any) {
	switch cmd := c.(type) {
	case cmdStart:
		cmd.reply <- s.startChannels(cmd.flags)
	case cmdStop:
		s.stopAll()
		cmd.reply <- nil
	case cmdSendMessage:
		s.sendUserMessage(cmd)
	case cmdStartCapture:
		cmd.reply <- s.startCapture(cmd.src)
	case cmdStopCapture:
		s.stopCapture()
		cmd.reply <- nil
	case cmdInterrupt:
		s.interrupt()
		cmd.reply <- nil
	case cmdRegister:
		s.functions = append(s.functions, cmd.spec)
		s.dispatcher.Register(cmd.spec.Name, cmd.handler)
		cmd.reply <- nil
	case cmdHistory:
		cmd.reply <- s.history.snapshot()
	case cmdIdleExpired:
		s.idleClose()
	case cmdMsgTimeout:
		s.expirePendingMessage(cmd.msg)
	case cmdReconnect:
		cmd.reply <- s.reconnectAttempt(cmd.role, cmd.gen)
	case cmdReconnectDone:
		s.finishReconnect(cmd)
	}
}

// startChannels connects each requested channel that is not already
// connected or connecting. Partial success leaves healthy siblings up.
func (s *Session) startChannels(flags StartFlags) error {
	var errs []error
	if flags.Agent {
		if err := s.ensureChannel(RoleAgent); err != nil {
			errs = append(errs, fmt.Errorf("agent channel: %w", err))
		}
	}
	if flags.Transcription {
		if s.cfg.TranscriptionURL == "" {
			errs = append(errs, fmt.Errorf("transcription channel: no endpoint configured"))
		} else if err := s.ensureChannel(RoleTranscription); err != nil {
			errs = append(errs, fmt.Errorf("transcription channel: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Session) ensureChannel(role Role) error {
	s.chMu.RLock()
	existing := s.channels[role]
	s.chMu.RUnlock()
	if existing != nil {
		switch existing.State() {
		case channel.StateConnected, channel.StateConnecting:
			// Already satisfied; never open a duplicate socket.
			return nil
		}
	}

	url := s.cfg.AgentURL
	if role == RoleTranscription {
		url = s.cfg.TranscriptionURL
	}
	ch := channel.New(channel.Config{
		URL:       url,
		AuthToken: s.cfg.AuthToken,
		Dialect:   s.cfg.Dialect,
		Dialer:    s.cfg.Dialer,
		Logger:    s.logger.With("channel", string(role)),
	})
	ch.OnFrame(func(f protocol.Frame) {
		select {
		case s.frames <- inboundFrame{role: role, frame: f}:
		case <-s.done:
		}
	})
	go s.pumpEvents(role, ch)

	// Settings is queued before Open and flushed ahead of anything else.
	if err := ch.Send(s.buildSettings()); err != nil {
		return err
	}
	if role == RoleAgent {
		s.settingsApplied = false
		s.greetingEmitted = false
	}

	s.chMu.Lock()
	s.channels[role] = ch
	s.chMu.Unlock()

	if err := ch.Open(s.runCtx); err != nil {
		return err
	}
	return nil
}

func (s *Session) buildSettings() protocol.Settings {
	agent := s.cfg.Agent
	agent.Functions = append([]protocol.FunctionSpec(nil), s.functions...)
	return protocol.Settings{Audio: s.cfg.Audio, Agent: agent}
}

func (s *Session) pumpEvents(role Role, ch *channel.Channel) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-ch.Events():
			select {
			case s.chanEvents <- channelEvent{role: role, ch: ch, ev: ev}:
			case <-s.done:
				return
			}
			if ev.Kind == channel.EventClosed || ev.Kind == channel.EventError {
				return
			}
		}
	}
}

func (s *Session) channelFor(role Role) *channel.Channel {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	return s.channels[role]
}

func (s *Session) sendUserMessage(cmd cmdSendMessage) {
	if err := s.ensureChannel(RoleAgent); err != nil {
		cmd.reply <- err
		return
	}
	if s.settingsApplied {
		cmd.reply <- s.deliverUserMessage(cmd.text)
		return
	}

	// Gate on SettingsApplied with a bounded wait.
	msg := &pendingMessage{text: cmd.text, reply: cmd.reply}
	msg.timer = time.AfterFunc(s.cfg.SettingsWait, func() {
		select {
		case s.commands <- cmdMsgTimeout{msg: msg}:
		case <-s.done:
		}
	})
	s.pendingMsgs = append(s.pendingMsgs, msg)
}

func (s *Session) deliverUserMessage(text string) error {
	ch := s.channelFor(RoleAgent)
	if ch == nil {
		return ErrNotReady
	}
	if err := ch.Send(protocol.InjectUserMessage{Content: text}); err != nil {
		return err
	}
	s.idleSup.Touch()
	turn := s.history.append("user", text, s.now())
	s.observer.TurnAdded(turn)
	return nil
}

func (s *Session) flushPendingMessages() {
	pending := s.pendingMsgs
	s.pendingMsgs = nil
	for _, msg := range pending {
		if msg.done {
			continue
		}
		msg.done = true
		if msg.timer != nil {
			msg.timer.Stop()
		}
		msg.reply <- s.deliverUserMessage(msg.text)
	}
}

func (s *Session) expirePendingMessage(msg *pendingMessage) {
	if msg.done {
		return
	}
	msg.done = true
	for i, p := range s.pendingMsgs {
		if p == msg {
			s.pendingMsgs = append(s.pendingMsgs[:i], s.pendingMsgs[i+1:]...)
			break
		}
	}
	msg.reply <- ErrNotReady
}

func (s *Session) failPendingMessages(err error) {
	pending := s.pendingMsgs
	s.pendingMsgs = nil
	for _, msg := range pending {
		if msg.done {
			continue
		}
		msg.done = true
		if msg.timer != nil {
			msg.timer.Stop()
		}
		msg.reply <- err
	}
}

func (s *Session) startCapture(src audio.CaptureSource) error {
	flags := StartFlags{Agent: true, Transcription: s.cfg.TranscriptionURL != ""}
	if err := s.startChannels(flags); err != nil {
		return err
	}
	if s.capturing.Load() {
		return nil
	}

	s.chunker = audio.NewChunker(audio.ChunkerConfig{
		SampleRate:    s.cfg.Audio.Input.SampleRateHz,
		Channels:      s.cfg.Audio.Input.Channels,
		FrameDuration: s.cfg.FrameDuration,
		QueueFrames:   s.cfg.CaptureQueueFrames,
		Pace:          s.cfg.PaceCapture,
		Logger:        s.logger,
	}, func(f audio.Frame) error {
		ch := s.channelFor(RoleAgent)
		if ch == nil {
			return fmt.Errorf("agent channel absent")
		}
		if err := ch.SendAudio(f.PCM); err != nil {
			return err
		}
		s.idleSup.Touch()
		return nil
	})
	s.chunker.Start(src)
	s.capturing.Store(true)
	return nil
}

func (s *Session) stopCapture() {
	if s.chunker != nil {
		s.chunker.Stop()
		s.chunker = nil
	}
	s.capturing.Store(false)
}

func (s *Session) interrupt() {
	s.player.Flush()
	if ch := s.channelFor(RoleAgent); ch != nil && ch.State() == channel.StateConnected {
		if err := ch.Send(protocol.ClearAudio{}); err != nil {
			s.logger.Warn("send clear_audio failed", "err", err)
		} else {
			s.idleSup.Touch()
		}
	}
}

func (s *Session) idleClose() {
	ch := s.channelFor(RoleAgent)
	if ch == nil || ch.State() != channel.StateConnected {
		return
	}
	s.logger.Info("closing agent channel after idle timeout")
	s.pendingClose[RoleAgent] = closeCauseIdle
	_ = ch.Close(websocket.CloseNormalClosure, "idle timeout")
}

func (s *Session) stopAll() {
	// Invalidate any live reconnect task; its next attempt is refused.
	s.reconnectGen++
	clear(s.reconnecting)

	s.chMu.RLock()
	open := make(map[Role]*channel.Channel, len(s.channels))
	for role, ch := range s.channels {
		open[role] = ch
	}
	s.chMu.RUnlock()

	for role, ch := range open {
		switch ch.State() {
		case channel.StateConnected, channel.StateConnecting:
			s.pendingClose[role] = closeCauseStop
			_ = ch.Close(websocket.CloseNormalClosure, "client stop")
		}
	}

	s.stopCapture()
	s.player.Flush()
	s.idleSup.Disarm()
	s.dispatcher.Abort()
	s.failPendingMessages(ErrSessionClosed)
	s.settingsApplied = false
	s.greetingEmitted = false

	if s.cfg.ContextPreservationOnReconnect && s.history.len() > 0 {
		s.needsReplay = true
	} else {
		s.history.reset()
		s.needsReplay = false
	}
}

func (s *Session) handleFrame(f inboundFrame) {
	s.idleSup.Touch()

	if f.frame.IsAudio() {
		if f.role == RoleAgent {
			s.player.Enqueue(f.frame.Audio)
		}
		return
	}

	switch msg := f.frame.Control.(type) {
	case protocol.Welcome:
		s.logger.Debug("welcome received", "peer_session_id", msg.SessionID)
	case protocol.SettingsApplied:
		if f.role != RoleAgent {
			return
		}
		s.settingsApplied = true
		s.observer.SettingsApplied()
		s.replayContextIfNeeded()
		s.flushPendingMessages()
	case protocol.ConversationText:
		s.handleConversationText(msg)
	case protocol.UserStartedSpeaking:
		s.observer.VADEvent("user_started_speaking")
	case protocol.UtteranceEnd:
		s.observer.VADEvent("utterance_end")
	case protocol.AgentAudioDone:
		s.logger.Debug("agent audio done")
	case protocol.FunctionCallRequest:
		s.dispatcher.Dispatch(s.runCtx, msg)
	case protocol.ServerError:
		err := fmt.Errorf("peer error %s: %s", msg.Code, msg.Message)
		s.observer.SessionError(err)
		if msg.Recoverable {
			s.logger.Warn("recoverable peer error", "code", msg.Code, "message", msg.Message)
		} else {
			s.logger.Error("fatal peer error", "code", msg.Code, "message", msg.Message)
		}
	case protocol.Warning:
		s.observer.SessionWarning(msg.Code, msg.Message)
	case protocol.Unknown:
		s.logger.Debug("unhandled frame", "type", msg.Type)
	}
}

// replayContextIfNeeded seeds retained history into a freshly-applied
// channel before any new user turn is processed.
func (s *Session) replayContextIfNeeded() {
	if !s.needsReplay || s.history.len() == 0 {
		s.needsReplay = false
		return
	}
	ch := s.channelFor(RoleAgent)
	if ch == nil {
		return
	}
	err := ch.Send(protocol.InjectConversationContext{Turns: s.history.contextTurns()})
	if err != nil {
		s.logger.Warn("context replay failed", "err", err)
		s.observer.SessionError(fmt.Errorf("context replay: %w", err))
		return
	}
	s.logger.Info("replayed conversation context", "turns", s.history.len())
	s.idleSup.Touch()
	s.needsReplay = false
}

func (s *Session) handleConversationText(msg protocol.ConversationText) {
	switch msg.Role {
	case "user":
		// The peer echoes our own injected text; drop exact duplicates of
		// the optimistically-appended turn.
		if msg.Content == s.history.lastUserContent() {
			return
		}
		turn := s.history.append("user", msg.Content, s.now())
		s.observer.TurnAdded(turn)
	case "assistant":
		// An assistant turn before any user turn is the configured greeting.
		if !s.greetingEmitted && s.history.len() == 0 {
			s.greetingEmitted = true
			s.logger.Debug("agent greeting received")
		}
		turn := s.history.append("assistant", msg.Content, s.now())
		s.observer.TurnAdded(turn)
	}
}

func (s *Session) handleChannelEvent(ev channelEvent) {
	// A reconnect may replace the channel before its final events are
	// processed; events from a superseded channel are stale.
	if s.channelFor(ev.role) != ev.ch {
		return
	}
	switch ev.ev.Kind {
	case channel.EventConnecting:
		s.observer.ChannelStateChanged(ev.role, channel.StateConnecting)
	case channel.EventConnected:
		s.observer.ChannelStateChanged(ev.role, channel.StateConnected)
		if ev.role == RoleAgent {
			s.idleSup.Arm()
		}
	case channel.EventClosed:
		s.observer.ChannelStateChanged(ev.role, channel.StateClosed)
		s.handleChannelDown(ev.role, nil)
	case channel.EventError:
		s.observer.ChannelStateChanged(ev.role, channel.StateErrored)
		s.handleChannelDown(ev.role, ev.ev.Err)
	}
}

func (s *Session) handleChannelDown(role Role, transportErr error) {
	cause := s.pendingClose[role]
	delete(s.pendingClose, role)

	if role == RoleAgent {
		s.settingsApplied = false
		s.idleSup.Disarm()
		s.failPendingMessages(ErrNotReady)
	}

	if s.cfg.ContextPreservationOnReconnect && s.history.len() > 0 {
		s.needsReplay = true
	}

	switch {
	case cause == closeCauseIdle:
		// Benign closure; observers learn via IdleTimeout, not SessionError.
		s.observer.IdleTimeout(role)
	case cause == closeCauseStop:
		// Explicit stop already handled.
	case transportErr != nil:
		s.observer.SessionError(fmt.Errorf("%s channel transport: %w", role, transportErr))
		// One task per role; faults raised by the task's own failed
		// attempts must not spawn siblings.
		if s.cfg.ReconnectOnFailure && !s.reconnecting[role] {
			s.reconnecting[role] = true
			s.scheduleReconnect(role, s.reconnectGen)
		}
	default:
		// Peer-initiated normal closure.
		s.logger.Info("channel closed by peer", "channel", string(role))
	}
}

// sendFunctionResponse is the dispatcher's responder; it runs on handler
// goroutines, so it only touches thread-safe surfaces.
func (s *Session) sendFunctionResponse(resp protocol.FunctionCallResponse) error {
	ch := s.channelFor(RoleAgent)
	if ch == nil {
		return fmt.Errorf("agent channel absent")
	}
	if err := ch.Send(resp); err != nil {
		return err
	}
	s.idleSup.Touch()
	return nil
}

func (s *Session) onInFlightChange(n int) {
	if n > 0 {
		s.idleSup.Suspend()
	} else {
		s.idleSup.Resume()
	}
}
