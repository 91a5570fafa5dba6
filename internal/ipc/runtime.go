// Package ipc is the single chokepoint through which every backend call and
// event subscription passes. It adds per-attempt timeouts, bounded retries,
// per-category circuit breaking and self-healing event listeners on top of a
// bridge.Backend.
//
// A Runtime is built once by the composition root and shared by reference;
// its breaker and listener tables are only mutated through its own methods.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/turtacn/Kestrel/internal/bridge"
	"github.com/turtacn/Kestrel/internal/monitor"
	"github.com/turtacn/Kestrel/internal/notify"
	kerrors "github.com/turtacn/Kestrel/pkg/errors"
	"github.com/turtacn/Kestrel/pkg/logger"
)

// Runtime mediates all calls from the console to the backend.
type Runtime struct {
	backend  bridge.Backend
	cfg      Config
	notifier notify.Notifier
	log      logger.Logger
	now      func() time.Time

	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	listeners map[uint64]*registration
	nextID    uint64
}

// RuntimeOption configures NewRuntime.
type RuntimeOption func(*Runtime)

// WithNotifier sets the user notification channel.
func WithNotifier(n notify.Notifier) RuntimeOption {
	return func(rt *Runtime) { rt.notifier = n }
}

// WithRuntimeLogger sets the runtime's logger.
func WithRuntimeLogger(l logger.Logger) RuntimeOption {
	return func(rt *Runtime) { rt.log = l }
}

// WithClock replaces time.Now for breaker and listener bookkeeping.
func WithClock(now func() time.Time) RuntimeOption {
	return func(rt *Runtime) { rt.now = now }
}

// NewRuntime creates a Runtime over backend. A nil backend behaves as
// permanently unavailable.
func NewRuntime(backend bridge.Backend, cfg Config, opts ...RuntimeOption) *Runtime {
	rt := &Runtime{
		backend:   backend,
		cfg:       cfg,
		notifier:  notify.Discard,
		log:       logger.Log,
		now:       time.Now,
		breakers:  make(map[string]*CircuitBreaker),
		listeners: make(map[uint64]*registration),
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.log = rt.log.With("component", "ipc")
	return rt
}

// Available reports whether the backend runtime is reachable.
func (rt *Runtime) Available() bool {
	return rt.backend != nil && rt.backend.Available()
}

// Invoke calls command on the backend. It makes up to RetryAttempts+1
// attempts, each raced against Timeout, waiting RetryDelay between them.
// BackendUnavailable is returned at once without consuming the retry budget.
func (rt *Runtime) Invoke(ctx context.Context, command string, args map[string]any, opts ...Option) (json.RawMessage, error) {
	o := rt.resolve(opts)
	start := time.Now()
	defer func() {
		monitor.InvokeDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
	}()

	if command == "" {
		err := kerrors.New(kerrors.ErrCodeInvalidArgument, "invoke", "command name must not be empty", nil)
		rt.fail(command, o, err)
		return nil, err
	}
	if !rt.Available() {
		err := kerrors.New(kerrors.ErrCodeBackendUnavailable, command, "backend runtime is not available", nil)
		monitor.InvokeAttempts.WithLabelValues(command, "unavailable").Inc()
		rt.fail(command, o, err)
		return nil, err
	}

	var lastErr error
	delay := o.RetryDelay
	attempts := o.RetryAttempts + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		raw, err := rt.attempt(ctx, command, args, o.Timeout)
		if err == nil {
			monitor.InvokeAttempts.WithLabelValues(command, "success").Inc()
			if attempt > 1 {
				rt.log.Info("Command recovered", "command", command, "attempts", attempt)
				if o.Notify {
					notify.Send(rt.notifier, notify.Info, humanize(command)+" recovered",
						fmt.Sprintf("%s succeeded after %d attempts", command, attempt))
				}
			}
			return raw, nil
		}

		lastErr = err
		monitor.InvokeAttempts.WithLabelValues(command, outcome(err)).Inc()
		if !o.Quiet {
			rt.log.Debug("Attempt failed", "command", command, "attempt", attempt, "of", attempts, "err", err)
		}
		if kerrors.Is(err, kerrors.ErrCodeBackendUnavailable) || ctx.Err() != nil {
			break
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		// Both may be ready at once; cancellation wins.
		if ctx.Err() != nil {
			lastErr = kerrors.New(kerrors.ErrCodeTimeout, command, "invocation cancelled while waiting to retry", ctx.Err())
			rt.fail(command, o, lastErr)
			return nil, lastErr
		}
		if o.Backoff > 1 {
			delay = time.Duration(float64(delay) * o.Backoff)
		}
	}

	rt.fail(command, o, lastErr)
	return nil, lastErr
}

// SafeInvoke behaves like Invoke but resolves every failure to nil.
func (rt *Runtime) SafeInvoke(ctx context.Context, command string, args map[string]any, opts ...Option) json.RawMessage {
	raw, err := rt.Invoke(ctx, command, args, opts...)
	if err != nil {
		return nil
	}
	return raw
}

func (rt *Runtime) attempt(ctx context.Context, command string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if !rt.Available() {
		return nil, kerrors.New(kerrors.ErrCodeBackendUnavailable, command, "backend runtime is not available", nil)
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		raw json.RawMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := rt.backend.Invoke(actx, command, args)
		ch <- result{raw: raw, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil {
			return r.raw, nil
		}
		switch {
		case errors.Is(r.err, bridge.ErrClosed):
			return nil, kerrors.New(kerrors.ErrCodeBackendUnavailable, command, "backend connection closed", r.err)
		case errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, kerrors.New(kerrors.ErrCodeTimeout, command, fmt.Sprintf("no response within %s", timeout), r.err)
		}
		return nil, kerrors.New(kerrors.ErrCodeBackendError, command, "backend error", r.err)
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, kerrors.New(kerrors.ErrCodeTimeout, command, "invocation cancelled", ctx.Err())
		}
		return nil, kerrors.New(kerrors.ErrCodeTimeout, command, fmt.Sprintf("no response within %s", timeout), actx.Err())
	}
}

// fail logs and surfaces the final failure of one user-visible call.
func (rt *Runtime) fail(command string, o Options, err error) {
	if !o.Quiet {
		rt.log.Error("Command failed", "command", command, "code", kerrors.CodeOf(err).String(), "err", err)
	}
	if o.Notify {
		notify.Send(rt.notifier, notify.Error, o.failureTitle(command), kerrors.Message(err))
	}
}

func outcome(err error) string {
	switch kerrors.CodeOf(err) {
	case kerrors.ErrCodeTimeout:
		return "timeout"
	case kerrors.ErrCodeBackendUnavailable:
		return "unavailable"
	default:
		return "error"
	}
}

// Call invokes command and decodes its result into T.
func Call[T any](ctx context.Context, rt *Runtime, command string, args map[string]any, opts ...Option) (T, error) {
	raw, err := rt.Invoke(ctx, command, args, opts...)
	return decode[T](command, raw, err)
}

// ProtectedCall is Call behind the category's circuit breaker.
func ProtectedCall[T any](ctx context.Context, rt *Runtime, command string, args map[string]any, category string, opts ...Option) (T, error) {
	raw, err := rt.ProtectedInvoke(ctx, command, args, category, opts...)
	return decode[T](command, raw, err)
}

// SafeCall is Call with every failure resolved to nil.
func SafeCall[T any](ctx context.Context, rt *Runtime, command string, args map[string]any, opts ...Option) *T {
	v, err := Call[T](ctx, rt, command, args, opts...)
	if err != nil {
		return nil
	}
	return &v
}

func decode[T any](command string, raw json.RawMessage, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, kerrors.New(kerrors.ErrCodeBackendError, command, "malformed backend response", err)
	}
	return out, nil
}

// Personal.AI order the ending
