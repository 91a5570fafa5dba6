package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/turtacn/Kestrel/internal/monitor"
	"github.com/turtacn/Kestrel/internal/notify"
	kerrors "github.com/turtacn/Kestrel/pkg/errors"
)

// CircuitState is the state of a category breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

func (s CircuitState) gauge() float64 {
	switch s {
	case CircuitHalfOpen:
		return 1
	case CircuitOpen:
		return 2
	default:
		return 0
	}
}

const (
	evTrip    = "trip"
	evProbe   = "probe"
	evRecover = "recover"
	evReopen  = "reopen"
)

// CircuitBreaker sheds calls for a command category that keeps failing.
//
// CLOSED opens once consecutive failures reach the threshold. OPEN admits
// nothing until the recovery timeout has elapsed since the last failure, then
// moves to HALF_OPEN and admits exactly one probe. The probe's outcome closes
// the breaker or reopens it with a fresh failure clock.
type CircuitBreaker struct {
	category string
	cfg      BreakerConfig
	now      func() time.Time

	mu          sync.Mutex
	machine     *fsm.FSM
	failures    int
	lastFailure time.Time
	probing     bool
}

// BreakerStats is a read-only view of a breaker.
type BreakerStats struct {
	Category            string
	State               CircuitState
	ConsecutiveFailures int
	LastFailure         time.Time
}

func newCircuitBreaker(category string, cfg BreakerConfig, now func() time.Time) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	return &CircuitBreaker{
		category: category,
		cfg:      cfg,
		now:      now,
		machine: fsm.NewFSM(string(CircuitClosed), fsm.Events{
			{Name: evTrip, Src: []string{string(CircuitClosed)}, Dst: string(CircuitOpen)},
			{Name: evProbe, Src: []string{string(CircuitOpen)}, Dst: string(CircuitHalfOpen)},
			{Name: evRecover, Src: []string{string(CircuitHalfOpen)}, Dst: string(CircuitClosed)},
			{Name: evReopen, Src: []string{string(CircuitHalfOpen)}, Dst: string(CircuitOpen)},
		}, fsm.Callbacks{}),
	}
}

func (cb *CircuitBreaker) state() CircuitState {
	return CircuitState(cb.machine.Current())
}

// fire must be called with mu held.
func (cb *CircuitBreaker) fire(event string) {
	// Every event is only fired from its single source state, so the error
	// can only be a programming mistake.
	if err := cb.machine.Event(context.Background(), event); err != nil {
		panic(fmt.Sprintf("circuit breaker %s: %v", cb.category, err))
	}
	monitor.BreakerState.WithLabelValues(cb.category).Set(cb.state().gauge())
}

// allow reports whether a call may proceed.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state() {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) < cb.cfg.RecoveryTimeout {
			return false
		}
		cb.fire(evProbe)
		cb.probing = true
		return true
	default:
		// HALF_OPEN: the single probe is already in flight.
		return false
	}
}

func (cb *CircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state() == CircuitHalfOpen {
		cb.probing = false
		cb.fire(evRecover)
	}
}

// failure records a failed call and reports whether the breaker just opened.
func (cb *CircuitBreaker) failure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()
	switch cb.state() {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.fire(evTrip)
			return true
		}
	case CircuitHalfOpen:
		cb.probing = false
		cb.fire(evReopen)
		return true
	}
	return false
}

func (cb *CircuitBreaker) stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Category:            cb.category,
		State:               cb.state(),
		ConsecutiveFailures: cb.failures,
		LastFailure:         cb.lastFailure,
	}
}

func (rt *Runtime) breaker(category string) *CircuitBreaker {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	cb, ok := rt.breakers[category]
	if !ok {
		cb = newCircuitBreaker(category, rt.cfg.Breaker, rt.now)
		rt.breakers[category] = cb
	}
	return cb
}

// ProtectedInvoke is Invoke behind the circuit breaker of category.
// While the breaker is open the backend is not called and CircuitOpen is
// returned. The whole invoke, retries included, counts as one outcome.
func (rt *Runtime) ProtectedInvoke(ctx context.Context, command string, args map[string]any, category string, opts ...Option) (json.RawMessage, error) {
	cb := rt.breaker(category)
	if !cb.allow() {
		monitor.BreakerRejections.WithLabelValues(category).Inc()
		err := kerrors.New(kerrors.ErrCodeCircuitOpen, command,
			fmt.Sprintf("circuit breaker for %q commands is open", category), nil)
		rt.fail(command, rt.resolve(opts), err)
		return nil, err
	}

	raw, err := rt.Invoke(ctx, command, args, opts...)
	if err != nil {
		if cb.failure() {
			st := cb.stats()
			rt.log.Warn("Circuit breaker opened", "category", category, "failures", st.ConsecutiveFailures)
			notify.Send(rt.notifier, notify.Warning, "Circuit breaker opened",
				fmt.Sprintf("%s commands are failing repeatedly; pausing for %s", category, rt.cfg.Breaker.RecoveryTimeout))
		}
		return nil, err
	}
	cb.success()
	return raw, nil
}

// BreakerStats returns the state of category's breaker. Categories never
// used report a closed breaker.
func (rt *Runtime) BreakerStats(category string) BreakerStats {
	rt.mu.Lock()
	cb, ok := rt.breakers[category]
	rt.mu.Unlock()
	if !ok {
		return BreakerStats{Category: category, State: CircuitClosed}
	}
	return cb.stats()
}

// ResetBreaker discards category's breaker; the next call starts CLOSED.
func (rt *Runtime) ResetBreaker(category string) {
	rt.mu.Lock()
	delete(rt.breakers, category)
	rt.mu.Unlock()
	monitor.BreakerState.WithLabelValues(category).Set(0)
}

// Personal.AI order the ending
