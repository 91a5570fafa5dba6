package ipc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/turtacn/Kestrel/internal/monitor"
	"github.com/turtacn/Kestrel/internal/notify"
)

// EventHandler handles one backend event payload.
type EventHandler func(payload json.RawMessage) error

// Unsubscribe removes a listener registration. Calling it more than once is safe.
type Unsubscribe func()

// ListenerOption overrides the runtime's listener policy for one registration.
type ListenerOption func(*ListenerConfig)

// WithMaxErrors sets how many handler errors are tolerated before disabling.
func WithMaxErrors(n int) ListenerOption {
	return func(c *ListenerConfig) { c.MaxErrorsBeforeDisable = n }
}

// WithErrorCooldown sets the quiet period after which a disabled handler is re-enabled.
func WithErrorCooldown(d time.Duration) ListenerOption {
	return func(c *ListenerConfig) { c.ErrorCooldown = d }
}

// WithNotifyThreshold caps per-error notifications.
func WithNotifyThreshold(n int) ListenerOption {
	return func(c *ListenerConfig) { c.NotifyThreshold = n }
}

// ListenerStats is a read-only view of one registration.
type ListenerStats struct {
	Event      string
	ErrorCount int
	Disabled   bool
	LastError  time.Time
	Delivered  uint64
	Dropped    uint64
}

type registration struct {
	id      uint64
	event   string
	handler EventHandler
	policy  ListenerConfig

	mu         sync.Mutex
	errorCount int
	disabled   bool
	lastError  time.Time
	delivered  uint64
	dropped    uint64

	unlisten func()
	once     sync.Once
}

// Listen registers handler for event and returns its Unsubscribe, or nil when
// no backend runtime is available.
//
// Handler errors and panics are contained: they are logged, notified below
// the notify threshold and counted. Once the count exceeds
// MaxErrorsBeforeDisable the handler is disabled and events are dropped until
// ErrorCooldown has passed since the last error; it is then re-enabled with a
// zero count. A successful delivery resets the count.
func (rt *Runtime) Listen(event string, handler EventHandler, opts ...ListenerOption) Unsubscribe {
	if !rt.Available() {
		rt.log.Warn("Backend unavailable, listener not registered", "event", event)
		return nil
	}

	policy := rt.cfg.Listener
	for _, opt := range opts {
		opt(&policy)
	}

	rt.mu.Lock()
	rt.nextID++
	reg := &registration{id: rt.nextID, event: event, handler: handler, policy: policy}
	rt.mu.Unlock()

	unlisten, err := rt.backend.Listen(event, func(payload json.RawMessage) {
		rt.deliver(reg, payload)
	})
	if err != nil {
		rt.log.Warn("Failed to register listener", "event", event, "err", err)
		return nil
	}
	reg.unlisten = unlisten

	rt.mu.Lock()
	rt.listeners[reg.id] = reg
	rt.mu.Unlock()

	return func() {
		reg.once.Do(func() {
			if reg.unlisten != nil {
				reg.unlisten()
			}
			rt.mu.Lock()
			delete(rt.listeners, reg.id)
			rt.mu.Unlock()
		})
	}
}

func (rt *Runtime) deliver(reg *registration, payload json.RawMessage) {
	reg.mu.Lock()
	if reg.disabled {
		if rt.now().Sub(reg.lastError) < reg.policy.ErrorCooldown {
			reg.dropped++
			reg.mu.Unlock()
			return
		}
		reg.disabled = false
		reg.errorCount = 0
		rt.log.Info("Event handler re-enabled", "event", reg.event)
	}
	reg.mu.Unlock()

	err := invokeHandler(reg.handler, payload)

	reg.mu.Lock()
	reg.delivered++
	if err == nil {
		reg.errorCount = 0
		reg.mu.Unlock()
		return
	}
	reg.errorCount++
	reg.lastError = rt.now()
	count := reg.errorCount
	disable := !reg.disabled && count > reg.policy.MaxErrorsBeforeDisable
	if disable {
		reg.disabled = true
	}
	reg.mu.Unlock()

	rt.log.Error("Event handler failed", "event", reg.event, "errors", count, "err", err)
	if count <= reg.policy.NotifyThreshold {
		notify.Send(rt.notifier, notify.Warning, "Event handler error",
			fmt.Sprintf("%s handler failed: %v", reg.event, err))
	}
	if disable {
		monitor.ListenerDisabled.WithLabelValues(reg.event).Inc()
		notify.Send(rt.notifier, notify.Error, "Event handler disabled",
			fmt.Sprintf("%s handler disabled after %d errors; retrying in %s", reg.event, count, reg.policy.ErrorCooldown))
	}
}

func invokeHandler(h EventHandler, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(payload)
}

// ListenerStats returns the registrations for event.
func (rt *Runtime) ListenerStats(event string) []ListenerStats {
	rt.mu.Lock()
	regs := make([]*registration, 0, len(rt.listeners))
	for _, reg := range rt.listeners {
		if reg.event == event {
			regs = append(regs, reg)
		}
	}
	rt.mu.Unlock()

	out := make([]ListenerStats, 0, len(regs))
	for _, reg := range regs {
		reg.mu.Lock()
		out = append(out, ListenerStats{
			Event:      reg.event,
			ErrorCount: reg.errorCount,
			Disabled:   reg.disabled,
			LastError:  reg.lastError,
			Delivered:  reg.delivered,
			Dropped:    reg.dropped,
		})
		reg.mu.Unlock()
	}
	return out
}

// Personal.AI order the ending
