package session

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Signal-Meaning/voiceagent/pkg/voiceagent/channel"
)

// errReconnectStale marks a redial attempt whose task was superseded by a
// Stop or Close; the task exits without surfacing an error.
var errReconnectStale = errors.New("reconnect superseded")

// scheduleReconnect starts the single redial task for a failed channel.
// Each attempt goes through cmdReconnect so the run loop keeps sole
// ownership of session state and can invalidate the task: stopAll bumps
// the reconnect generation, and any attempt carrying a stale generation
// is refused before it can reopen a socket. Completion, successful or
// abandoned, is reported back through cmdReconnectDone so the run loop
// can clear the per-role task slot.
func (s *Session) scheduleReconnect(role Role, gen uint64) {
	go func() {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 500 * time.Millisecond
		bo.MaxInterval = 10 * time.Second
		bo.MaxElapsedTime = 2 * time.Minute

		attempt := 0
		err := backoff.Retry(func() error {
			attempt++
			s.logger.Info("reconnecting channel",
				"channel", string(role), "attempt", attempt)
			err := s.do(cmdReconnect{role: role, gen: gen, reply: make(chan error, 1)})
			if errors.Is(err, errReconnectStale) || errors.Is(err, ErrSessionClosed) {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(bo, s.runCtx))

		select {
		case s.commands <- cmdReconnectDone{role: role, gen: gen, err: err}:
		case <-s.done:
		}
	}()
}

// reconnectAttempt runs on the run loop for each backoff retry.
func (s *Session) reconnectAttempt(role Role, gen uint64) error {
	if gen != s.reconnectGen {
		return errReconnectStale
	}
	if s.ChannelState(role) == channel.StateConnected {
		return nil
	}
	return s.ensureChannel(role)
}

// finishReconnect clears the task slot once its backoff schedule ends.
func (s *Session) finishReconnect(c cmdReconnectDone) {
	if c.gen != s.reconnectGen {
		return
	}
	delete(s.reconnecting, c.role)
	if c.err != nil && !errors.Is(c.err, errReconnectStale) && !errors.Is(c.err, ErrSessionClosed) {
		s.logger.Error("reconnect abandoned",
			"channel", string(c.role), "err", c.err)
		s.observer.SessionError(c.err)
	}
}
