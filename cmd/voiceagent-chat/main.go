// Command voiceagent-chat is a line-oriented terminal client for a
// voice-agent endpoint. It drives the session package over text turns:
// typed lines become user messages, assistant replies and lifecycle
// events print as they arrive.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Signal-Meaning/voiceagent/internal/dotenv"
	"github.com/Signal-Meaning/voiceagent/pkg/voiceagent/audio"
	"github.com/Signal-Meaning/voiceagent/pkg/voiceagent/channel"
	"github.com/Signal-Meaning/voiceagent/pkg/voiceagent/protocol"
	"github.com/Signal-Meaning/voiceagent/pkg/voiceagent/session"
)

const (
	defaultIdleTimeout  = 10 * time.Second
	defaultSettingsWait = 5 * time.Second
)

type chatConfig struct {
	AgentURL           string
	TranscriptionURL   string
	APIKey             string
	Dialect            string
	Language           string
	Prompt             string
	Greeting           string
	IdleTimeout        time.Duration
	SettingsWait       time.Duration
	PreserveContext    bool
	ReconnectOnFailure bool
	Verbose            bool
}

func parseChatConfig(args []string, getenv func(string) string) (chatConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := chatConfig{}
	fs := flag.NewFlagSet("voiceagent-chat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.AgentURL, "agent-url", strings.TrimSpace(getenv("VOICEAGENT_AGENT_URL")), "agent websocket URL (or VOICEAGENT_AGENT_URL)")
	fs.StringVar(&cfg.TranscriptionURL, "transcription-url", strings.TrimSpace(getenv("VOICEAGENT_TRANSCRIPTION_URL")), "optional transcription websocket URL (or VOICEAGENT_TRANSCRIPTION_URL)")
	fs.StringVar(&cfg.APIKey, "api-key", strings.TrimSpace(getenv("VOICEAGENT_API_KEY")), "backend api key (or VOICEAGENT_API_KEY)")
	fs.StringVar(&cfg.Dialect, "dialect", "native", "backend dialect: native or proxy")
	fs.StringVar(&cfg.Language, "language", "en", "agent language")
	fs.StringVar(&cfg.Prompt, "prompt", "", "optional agent system prompt")
	fs.StringVar(&cfg.Greeting, "greeting", "", "optional agent greeting")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", defaultIdleTimeout, "close the agent channel after this much inactivity")
	fs.DurationVar(&cfg.SettingsWait, "settings-wait", defaultSettingsWait, "how long a message waits for the settings handshake")
	fs.BoolVar(&cfg.PreserveContext, "preserve-context", true, "replay conversation history on reconnect")
	fs.BoolVar(&cfg.ReconnectOnFailure, "reconnect", true, "redial with backoff after transport failures")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return chatConfig{}, err
	}
	if err := validateChatConfig(cfg); err != nil {
		return chatConfig{}, err
	}
	return cfg, nil
}

func validateChatConfig(cfg chatConfig) error {
	agentURL := strings.TrimSpace(cfg.AgentURL)
	if agentURL == "" {
		return errors.New("agent-url must not be empty")
	}
	if err := validateWSURL(agentURL); err != nil {
		return fmt.Errorf("agent-url: %w", err)
	}
	if t := strings.TrimSpace(cfg.TranscriptionURL); t != "" {
		if err := validateWSURL(t); err != nil {
			return fmt.Errorf("transcription-url: %w", err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Dialect)) {
	case "native", "proxy":
	default:
		return fmt.Errorf("dialect must be native or proxy, got %q", cfg.Dialect)
	}
	if cfg.IdleTimeout <= 0 {
		return errors.New("idle-timeout must be > 0")
	}
	if cfg.SettingsWait <= 0 {
		return errors.New("settings-wait must be > 0")
	}
	return nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("must be a valid URL")
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("scheme must be ws or wss, got %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("must include a host")
	}
	if u.User != nil {
		return errors.New("must not include credentials")
	}
	return nil
}

func dialectOf(cfg chatConfig) protocol.Dialect {
	if strings.ToLower(strings.TrimSpace(cfg.Dialect)) == "proxy" {
		return protocol.DialectProxy
	}
	return protocol.DialectNative
}

// printObserver renders session callbacks to the terminal. Callbacks
// arrive on session goroutines, so writes are serialized.
type printObserver struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
}

func (o *printObserver) printf(w io.Writer, format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(w, format, args...)
}

func (o *printObserver) ChannelStateChanged(role session.Role, st channel.State) {
	o.printf(o.out, "[%s channel: %s]\n", role, st)
}

func (o *printObserver) SettingsApplied() {
	o.printf(o.out, "[session ready]\n")
}

func (o *printObserver) TurnAdded(turn session.Turn) {
	if turn.Role == "assistant" {
		o.printf(o.out, "agent: %s\n", turn.Content)
	}
}

func (o *printObserver) VADEvent(kind string) {
	o.printf(o.out, "[%s]\n", kind)
}

func (o *printObserver) PlaybackChanged(active bool) {
	if active {
		o.printf(o.out, "[agent speaking]\n")
	}
}

func (o *printObserver) IdleTimeout(role session.Role) {
	o.printf(o.out, "[%s channel closed after inactivity; next message reconnects]\n", role)
}

func (o *printObserver) SessionError(err error) {
	o.printf(o.errOut, "session error: %v\n", err)
}

func (o *printObserver) SessionWarning(code, message string) {
	o.printf(o.errOut, "warning %s: %s\n", code, message)
}

func buildSession(cfg chatConfig, obs session.Observer, logger *slog.Logger) (*session.Session, error) {
	return session.New(session.Config{
		AgentURL:         strings.TrimSpace(cfg.AgentURL),
		TranscriptionURL: strings.TrimSpace(cfg.TranscriptionURL),
		AuthToken:        strings.TrimSpace(cfg.APIKey),
		Dialect:          dialectOf(cfg),
		Audio: protocol.AudioSettings{
			Input:  protocol.AudioFormat{Encoding: "linear16", SampleRateHz: 16000, Channels: 1},
			Output: protocol.AudioFormat{Encoding: "linear16", SampleRateHz: 24000, Channels: 1},
		},
		Agent: protocol.AgentSettings{
			Language: cfg.Language,
			Prompt:   cfg.Prompt,
			Greeting: cfg.Greeting,
		},
		IdleTimeout:                    cfg.IdleTimeout,
		SettingsWait:                   cfg.SettingsWait,
		ContextPreservationOnReconnect: cfg.PreserveContext,
		ReconnectOnFailure:             cfg.ReconnectOnFailure,
		PlaybackSink:                   audio.SinkFunc(func([]byte) error { return nil }),
		Logger:                         logger,
		Observer:                       obs,
	})
}

func registerLocalTime(sess *session.Session) error {
	spec := protocol.FunctionSpec{
		Name:        "local_time",
		Description: "Returns the client's current local time.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}
	return sess.RegisterFunction(spec, func(_ context.Context, _ protocol.FunctionCallRequest, _ func(any)) (any, error) {
		return map[string]string{"time": time.Now().Format(time.RFC3339)}, nil
	})
}

func handleSlashCommand(line string, sess *session.Session, out io.Writer, errOut io.Writer) (handled bool) {
	switch line {
	case "/history":
		for _, turn := range sess.History() {
			fmt.Fprintf(out, "%s %s: %s\n", turn.Timestamp.Format("15:04:05"), turn.Role, turn.Content)
		}
		return true
	case "/interrupt":
		if err := sess.InterruptAgent(); err != nil {
			fmt.Fprintf(errOut, "interrupt error: %v\n", err)
		}
		return true
	case "/stop":
		if err := sess.Stop(); err != nil {
			fmt.Fprintf(errOut, "stop error: %v\n", err)
		}
		fmt.Fprintln(out, "[stopped]")
		return true
	case "/state":
		fmt.Fprintf(out, "agent=%s transcription=%s\n",
			sess.ChannelState(session.RoleAgent),
			sess.ChannelState(session.RoleTranscription))
		return true
	default:
		return false
	}
}

func runChat(cfg chatConfig, in io.Reader, out io.Writer, errOut io.Writer) error {
	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	obs := &printObserver{out: out, errOut: errOut}
	sess, err := buildSession(cfg, obs, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := registerLocalTime(sess); err != nil {
		return fmt.Errorf("register function: %w", err)
	}

	fmt.Fprintf(out, "voiceagent-chat connected to %s (%s dialect)\n", cfg.AgentURL, cfg.Dialect)
	fmt.Fprintln(out, "Type a message; /history, /interrupt, /state, /stop, /exit.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(out)
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch line {
		case "/exit", "/quit":
			fmt.Fprintln(out, "bye")
			return nil
		}
		if handleSlashCommand(line, sess, out, errOut) {
			continue
		}

		if err := sess.SendUserMessage(line); err != nil {
			switch {
			case errors.Is(err, session.ErrNotReady):
				fmt.Fprintln(errOut, "session not ready yet; try again")
			case errors.Is(err, session.ErrSessionClosed):
				return nil
			default:
				fmt.Fprintf(errOut, "send error: %v\n", err)
			}
		}
	}
}

func main() {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "voiceagent-chat: %v\n", err)
		os.Exit(1)
	}

	cfg, err := parseChatConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceagent-chat: %v\n", err)
		os.Exit(1)
	}

	if err := runChat(cfg, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "voiceagent-chat: %v\n", err)
		os.Exit(1)
	}
}
