// Package bridge carries commands and events between the console and the
// native backend process.
//
// A Backend is what the IPC layer talks to. Two implementations exist:
// Client speaks JSON envelopes over a WebSocket to a Server, and Loopback
// calls a Handler in-process.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrClosed is returned when the backend connection has been closed.
	ErrClosed = errors.New("bridge: backend connection closed")
	// ErrUnknownCommand is returned by handlers for commands they do not serve.
	ErrUnknownCommand = errors.New("bridge: unknown command")
)

// Backend is the console side of the native backend.
type Backend interface {
	// Available reports whether a backend runtime is reachable at all.
	Available() bool
	// Invoke runs a command and returns its raw JSON result.
	Invoke(ctx context.Context, command string, args map[string]any) (json.RawMessage, error)
	// Listen registers fn for an event and returns a function removing it.
	Listen(event string, fn func(payload json.RawMessage)) (func(), error)
}

// Handler serves backend commands.
type Handler interface {
	Handle(ctx context.Context, command string, args json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, command string, args json.RawMessage) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, command string, args json.RawMessage) (any, error) {
	return f(ctx, command, args)
}

// Emitter publishes backend events.
type Emitter interface {
	Emit(event string, payload any) error
}

// RemoteError is an error reported by the backend for a command.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

// Kind discriminates envelopes on the wire.
type Kind string

const (
	KindInvoke Kind = "invoke"
	KindResult Kind = "result"
	KindEvent  Kind = "event"
)

// Envelope is the single wire message type.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Kind    Kind            `json:"kind"`
	Command string          `json:"command,omitempty"`
	Event   string          `json:"event,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func marshalArgs(args map[string]any) (json.RawMessage, error) {
	if args == nil {
		return nil, nil
	}
	return json.Marshal(args)
}

// listenerSet fans events out to locally registered functions.
type listenerSet struct {
	mu   sync.Mutex
	next uint64
	subs map[string]map[uint64]func(json.RawMessage)
}

func (ls *listenerSet) add(event string, fn func(json.RawMessage)) func() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.subs == nil {
		ls.subs = make(map[string]map[uint64]func(json.RawMessage))
	}
	if ls.subs[event] == nil {
		ls.subs[event] = make(map[uint64]func(json.RawMessage))
	}
	ls.next++
	id := ls.next
	ls.subs[event][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			ls.mu.Lock()
			defer ls.mu.Unlock()
			delete(ls.subs[event], id)
		})
	}
}

// dispatch calls every listener of event in registration order.
func (ls *listenerSet) dispatch(event string, payload json.RawMessage) {
	ls.mu.Lock()
	ids := make([]uint64, 0, len(ls.subs[event]))
	for id := range ls.subs[event] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(json.RawMessage), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, ls.subs[event][id])
	}
	ls.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}

func (ls *listenerSet) count(event string) int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.subs[event])
}

// Personal.AI order the ending
