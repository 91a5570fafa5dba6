package bridge

import (
	"context"
	"encoding/json"
	"sync/atomic"
)

// Loopback is an in-process Backend that calls a Handler directly.
type Loopback struct {
	handler   Handler
	listeners listenerSet
	closed    atomic.Bool
}

// NewLoopback wraps h. Arguments and results still pass through JSON so the
// handler sees exactly what it would receive over the wire.
func NewLoopback(h Handler) *Loopback {
	return &Loopback{handler: h}
}

func (l *Loopback) Available() bool { return !l.closed.Load() }

func (l *Loopback) Invoke(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	res, err := l.handler.Handle(ctx, command, raw)
	if err != nil {
		return nil, &RemoteError{Command: command, Message: err.Error()}
	}
	if res == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(res)
}

func (l *Loopback) Listen(event string, fn func(json.RawMessage)) (func(), error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	return l.listeners.add(event, fn), nil
}

// Emit delivers an event to local listeners synchronously.
func (l *Loopback) Emit(event string, payload any) error {
	if l.closed.Load() {
		return ErrClosed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	l.listeners.dispatch(event, raw)
	return nil
}

// Listeners returns the number of listeners registered for event.
func (l *Loopback) Listeners(event string) int { return l.listeners.count(event) }

// Close makes the backend unavailable.
func (l *Loopback) Close() error {
	l.closed.Store(true)
	return nil
}

// Reopen makes a closed loopback available again.
func (l *Loopback) Reopen() { l.closed.Store(false) }

// Personal.AI order the ending
