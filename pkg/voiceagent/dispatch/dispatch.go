// Package dispatch correlates inbound FunctionCallRequest frames to
// registered handlers and guarantees exactly one FunctionCallResponse per
// accepted request.
//
// A handler may answer three ways: return a value, return an error, or
// call respond explicitly (including after returning, for deferred
// work). All paths normalize into a single completion; the first one
// wins and later attempts are dropped.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Signal-Meaning/voiceagent/pkg/voiceagent/protocol"
)

// Handler executes one function call. Returning a non-nil value or error
// completes the call; returning (nil, nil) defers completion to the
// respond callback, which the handler may invoke asynchronously.
type Handler func(ctx context.Context, req protocol.FunctionCallRequest, respond func(result any)) (any, error)

// Responder emits a completed response, typically Channel.Send.
type Responder func(protocol.FunctionCallResponse) error

// Dispatcher routes function-call requests to handlers and tracks the
// in-flight count that drives idle-timeout suspension.
type Dispatcher struct {
	respond Responder
	logger  *slog.Logger

	mu         sync.Mutex
	handlers   map[string]Handler
	inFlight   int
	generation uint64
	onInFlight func(n int)
}

// New builds a dispatcher. onInFlight (optional) observes every change
// of the open-request count under the dispatcher's lock, so transitions
// arrive in order; it must not re-enter the dispatcher.
func New(respond Responder, onInFlight func(n int), logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		respond:    respond,
		onInFlight: onInFlight,
		logger:     logger,
		handlers:   make(map[string]Handler),
	}
}

// Register installs the handler for a function name, replacing any
// previous registration.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// InFlight returns the current open-request count.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

// Dispatch accepts a request and runs its handler on a new goroutine.
// The in-flight count rises before the handler starts and falls only
// after the response is emitted.
func (d *Dispatcher) Dispatch(ctx context.Context, req protocol.FunctionCallRequest) {
	d.mu.Lock()
	handler, ok := d.handlers[req.Name]
	gen := d.generation
	d.inFlight++
	d.notifyLocked()
	d.mu.Unlock()

	var once sync.Once
	complete := func(resp protocol.FunctionCallResponse) {
		once.Do(func() {
			d.mu.Lock()
			if d.generation != gen {
				d.mu.Unlock()
				d.logger.Debug("dropping function response after stop", "id", resp.ID)
				return
			}
			d.mu.Unlock()

			if err := d.respond(resp); err != nil {
				d.logger.Warn("emit function response failed", "id", resp.ID, "err", err)
			}

			// Decrement strictly after the response is emitted so idle
			// suspension holds through the send.
			d.mu.Lock()
			if d.generation == gen {
				d.inFlight--
				d.notifyLocked()
			}
			d.mu.Unlock()
		})
	}

	if !ok {
		d.logger.Warn("function call for unregistered handler", "name", req.Name, "id", req.ID)
		complete(errorResponse(req, fmt.Sprintf("no handler registered for %q", req.Name)))
		return
	}

	respond := func(result any) {
		resp, err := resultResponse(req, result)
		if err != nil {
			resp = errorResponse(req, err.Error())
		}
		complete(resp)
	}

	go d.run(ctx, req, handler, respond, complete)
}

func (d *Dispatcher) run(ctx context.Context, req protocol.FunctionCallRequest, handler Handler, respond func(any), complete func(protocol.FunctionCallResponse)) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("function handler panicked", "name", req.Name, "id", req.ID, "panic", r)
			complete(errorResponse(req, fmt.Sprintf("handler panic: %v", r)))
		}
	}()

	value, err := handler(ctx, req, respond)
	switch {
	case err != nil:
		complete(errorResponse(req, err.Error()))
	case value != nil:
		respond(value)
	default:
		// Deferred: the handler kept respond and will call it later.
		// The in-flight count stays raised until it does.
	}
}

// Abort discards every outstanding completion: responses arriving after a
// stop are dropped, not sent, and the count resets so idle suspension
// releases. Registrations survive for the next start.
func (d *Dispatcher) Abort() {
	d.mu.Lock()
	d.generation++
	d.inFlight = 0
	d.notifyLocked()
	d.mu.Unlock()
}

// notifyLocked reports the in-flight count. Callers hold d.mu.
func (d *Dispatcher) notifyLocked() {
	if d.onInFlight != nil {
		d.onInFlight(d.inFlight)
	}
}

func resultResponse(req protocol.FunctionCallRequest, result any) (protocol.FunctionCallResponse, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return protocol.FunctionCallResponse{}, fmt.Errorf("marshal function result: %w", err)
	}
	return protocol.FunctionCallResponse{
		ID:     req.ID,
		Name:   req.Name,
		Result: raw,
	}, nil
}

func errorResponse(req protocol.FunctionCallRequest, message string) protocol.FunctionCallResponse {
	return protocol.FunctionCallResponse{
		ID:    req.ID,
		Name:  req.Name,
		Error: message,
	}
}
