// Package channel owns one WebSocket connection to a voice-agent backend:
// its connection state, its pre-open send queue, and its read loop.
//
// Sends before the connection opens are queued, not dropped, and flushed
// in FIFO order once open. The Settings frame is the exception: it
// always transmits first regardless of queue order.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Signal-Meaning/voiceagent/pkg/voiceagent/protocol"
)

// State is the lifecycle state of one logical channel.
type State int

const (
	StateAbsent State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "ABSENT"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateErrored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

// EventKind tags a lifecycle event.
type EventKind int

const (
	EventConnecting EventKind = iota
	EventConnected
	EventClosed
	EventError
)

// Event is a channel lifecycle notification consumed by the orchestrator
// and the idle supervisor.
type Event struct {
	Kind   EventKind
	Code   int
	Reason string
	Err    error
}

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("channel closed")

// FrameHandler receives decoded inbound frames.
type FrameHandler func(protocol.Frame)

// Config configures a Channel.
type Config struct {
	URL       string
	AuthToken string
	Dialect   protocol.Dialect

	WriteTimeout time.Duration
	PingInterval time.Duration

	Dialer Dialer
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &WebSocketDialer{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type queuedFrame struct {
	binary bool
	data   []byte
}

// Channel owns exactly one transport connection.
type Channel struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	settings []byte // queued Settings payload, flushed before anything else
	pending  []queuedFrame

	onFrame FrameHandler

	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	writeMu sync.Mutex
}

// New constructs a channel in StateAbsent. No socket exists until Open.
func New(cfg Config) *Channel {
	cfg = cfg.withDefaults()
	return &Channel{
		cfg:    cfg,
		logger: cfg.Logger,
		state:  StateAbsent,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events yields lifecycle events. Emission is non-blocking; a slow
// consumer loses events rather than stalling the read loop.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// OnFrame registers the inbound frame handler. Must be set before Open.
func (c *Channel) OnFrame(h FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = h
}

// Open dials the endpoint, flushes queued sends (Settings first), and
// starts the read loop. Open on an already-connected channel is a no-op.
func (c *Channel) Open(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	switch c.state {
	case StateConnected, StateConnecting:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.emit(Event{Kind: EventConnecting})

	header := make(http.Header)
	if c.cfg.AuthToken != "" {
		header.Set("Authorization", "Token "+c.cfg.AuthToken)
	}

	conn, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		c.setState(StateErrored)
		c.emit(Event{Kind: EventError, Err: err})
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	// Hold writeMu across the state flip so a concurrent Send that
	// observes StateConnected cannot transmit before the queued
	// Settings frame and backlog are flushed.
	c.mu.Lock()
	c.conn = conn
	settings := c.settings
	pending := c.pending
	c.settings = nil
	c.pending = nil
	c.writeMu.Lock()
	c.state = StateConnected
	c.mu.Unlock()

	var flushErr error
	if settings != nil {
		flushErr = c.writeLocked(conn, false, settings)
	}
	for _, f := range pending {
		if flushErr != nil {
			break
		}
		flushErr = c.writeLocked(conn, f.binary, f.data)
	}
	c.writeMu.Unlock()
	if flushErr != nil {
		c.failTransport(flushErr)
		return flushErr
	}

	c.emit(Event{Kind: EventConnected})
	go c.readLoop(conn)
	go c.pingLoop(conn)
	return nil
}

// Send encodes and transmits a control message as a text frame. Before
// the connection opens the payload is queued; Settings jumps the queue.
func (c *Channel) Send(msg any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	payload, err := protocol.EncodeControl(c.cfg.Dialect, msg)
	if err != nil {
		return err
	}

	isSettings := false
	switch msg.(type) {
	case protocol.Settings, *protocol.Settings:
		isSettings = true
	}

	c.mu.Lock()
	if c.state != StateConnected {
		if isSettings {
			c.settings = payload
		} else {
			c.pending = append(c.pending, queuedFrame{data: payload})
		}
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	return c.writeFrame(conn, false, payload)
}

// SendAudio transmits one PCM frame as a binary message, queueing it if
// the connection is not open yet.
func (c *Channel) SendAudio(pcm []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	if c.state != StateConnected {
		c.pending = append(c.pending, queuedFrame{binary: true, data: pcm})
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	return c.writeFrame(conn, true, pcm)
}

// Close performs the close handshake with the given code and reason.
// Closing an unopened or already-closed channel is a no-op.
func (c *Channel) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.mu.Lock()
		conn := c.conn
		c.state = StateClosing
		c.mu.Unlock()

		if conn != nil {
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
			c.writeMu.Unlock()
			_ = conn.Close()
		}

		c.setState(StateClosed)
		c.emit(Event{Kind: EventClosed, Code: code, Reason: reason})
		close(c.done)
	})
	return nil
}

func (c *Channel) writeFrame(conn Conn, binary bool, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(conn, binary, data)
}

// writeLocked transmits one frame. Callers hold writeMu.
func (c *Channel) writeLocked(conn Conn, binary bool, data []byte) error {
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(messageType, data)
}

func (c *Channel) readLoop(conn Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) &&
				(closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
				c.markRemoteClosed(closeErr.Code, closeErr.Text)
				return
			}
			c.failTransport(err)
			return
		}

		binary := messageType == websocket.BinaryMessage
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}

		frame, err := protocol.DecodeFrame(c.cfg.Dialect, binary, data)
		if err != nil {
			c.logger.Warn("undecodable frame", "err", err)
			c.failTransport(err)
			return
		}

		c.mu.Lock()
		handler := c.onFrame
		c.mu.Unlock()
		if handler != nil {
			handler(frame)
		}
	}
}

func (c *Channel) pingLoop(conn Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, deadline)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// markRemoteClosed records a benign peer-initiated close.
func (c *Channel) markRemoteClosed(code int, reason string) {
	if c.closed.Swap(true) {
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.setState(StateClosed)
	c.emit(Event{Kind: EventClosed, Code: code, Reason: reason})
	c.closeOnce.Do(func() { close(c.done) })
}

// failTransport records a transport fault and tears the connection down.
func (c *Channel) failTransport(err error) {
	if c.closed.Swap(true) {
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.setState(StateErrored)
	c.emit(Event{Kind: EventError, Err: err})
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		// Never stall the read loop on a slow consumer.
	}
}
