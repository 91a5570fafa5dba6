package fsm

import (
	"fmt"
	"sync"
)

type State string
type Event string

// Handler is executed after a transition has been committed.
// The machine lock is not held, so a handler may Fire again.
type Handler func(event Event, args ...interface{}) error

// Guard vets a transition before it is committed. A non-nil error
// rejects the transition and leaves the current state untouched.
type Guard func(from, to State, event Event, args ...interface{}) error

// InvalidTransitionError is returned by Fire when the current state has no
// transition for the event.
type InvalidTransitionError struct {
	From  State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s via %s", e.From, e.Event)
}

type StateMachine struct {
	mu          sync.RWMutex
	current     State
	transitions map[State]map[Event]State
	callbacks   map[State]map[Event]Handler
	guards      map[Event]Guard
}

func New(initial State) *StateMachine {
	return &StateMachine{
		current:     initial,
		transitions: make(map[State]map[Event]State),
		callbacks:   make(map[State]map[Event]Handler),
		guards:      make(map[Event]Guard),
	}
}

func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

func (sm *StateMachine) AddTransition(from, to State, event Event, callback Handler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.transitions[from]; !ok {
		sm.transitions[from] = make(map[Event]State)
		sm.callbacks[from] = make(map[Event]Handler)
	}
	sm.transitions[from][event] = to
	sm.callbacks[from][event] = callback
}

// AddGuard installs a guard consulted for every transition fired by event.
func (sm *StateMachine) AddGuard(event Event, guard Guard) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.guards[event] = guard
}

// Can reports whether event has a transition from the current state.
func (sm *StateMachine) Can(event Event) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.transitions[sm.current][event]
	return ok
}

// Fire triggers a state transition. It is thread-safe.
// Two concurrent Fire calls for the same event from the same state cannot both
// observe that state: the second one sees the committed successor.
func (sm *StateMachine) Fire(event Event, args ...interface{}) error {
	sm.mu.Lock()
	from := sm.current
	next, ok := sm.transitions[from][event]
	if !ok {
		sm.mu.Unlock()
		return &InvalidTransitionError{From: from, Event: event}
	}
	if guard := sm.guards[event]; guard != nil {
		if err := guard(from, next, event, args...); err != nil {
			sm.mu.Unlock()
			return err
		}
	}
	handler := sm.callbacks[from][event]
	sm.current = next
	sm.mu.Unlock()

	if handler != nil {
		return handler(event, args...)
	}
	return nil
}

// Personal.AI order the ending
