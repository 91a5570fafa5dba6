// Package link tracks the console-to-vehicle connection and reduces the
// backend's connection events and heartbeats to a single ConnectionStatus.
package link

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/turtacn/Kestrel/internal/ipc"
	"github.com/turtacn/Kestrel/internal/notify"
	"github.com/turtacn/Kestrel/pkg/consts"
	kerrors "github.com/turtacn/Kestrel/pkg/errors"
	"github.com/turtacn/Kestrel/pkg/logger"
	"github.com/turtacn/Kestrel/pkg/protocol"
)

const (
	evDial        = "dial"
	evEstablished = "established"
	evLost        = "lost"
	evFail        = "fail"
)

// Change describes one status transition.
type Change struct {
	From   consts.ConnectionStatus
	To     consts.ConnectionStatus
	Reason string
	At     time.Time
}

// Config configures a Monitor.
type Config struct {
	HeartbeatTimeout time.Duration
	Connect          protocol.ConnectRequest
	// HistorySize bounds History; the oldest changes are dropped first.
	HistorySize int
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c protocol.LinkConfig) Config {
	return Config{
		HeartbeatTimeout: protocol.DurationOr(c.HeartbeatTimeout, consts.DefaultHeartbeatTimeout),
		Connect:          c.Connect,
	}
}

// Monitor owns the connection status.
type Monitor struct {
	rt       *ipc.Runtime
	cfg      Config
	log      logger.Logger
	notifier notify.Notifier
	now      func() time.Time

	mu            sync.Mutex
	machine       *fsm.FSM
	pending       *Change
	vehicle       *protocol.VehicleInfo
	lastHeartbeat time.Time
	watchdog      *time.Timer
	watchdogGen   uint64
	subs          map[int]func(Change)
	nextSub       int
	unlisten      []ipc.Unsubscribe
	history       *notify.Ring[Change]
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor's logger.
func WithLogger(l logger.Logger) Option { return func(m *Monitor) { m.log = l } }

// WithNotifier sets the user notification channel.
func WithNotifier(n notify.Notifier) Option { return func(m *Monitor) { m.notifier = n } }

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// NewMonitor creates a disconnected monitor. Call Start to consume backend events.
func NewMonitor(rt *ipc.Runtime, cfg Config, opts ...Option) *Monitor {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = consts.DefaultHeartbeatTimeout
	}
	m := &Monitor{
		rt:       rt,
		cfg:      cfg,
		log:      logger.Log,
		notifier: notify.Discard,
		now:      time.Now,
		subs:     make(map[int]func(Change)),
		history:  notify.NewRing[Change](cfg.HistorySize),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "link")

	disconnected := string(consts.StatusDisconnected)
	connecting := string(consts.StatusConnecting)
	connected := string(consts.StatusConnected)
	failed := string(consts.StatusError)
	m.machine = fsm.NewFSM(disconnected, fsm.Events{
		{Name: evDial, Src: []string{disconnected, failed}, Dst: connecting},
		{Name: evEstablished, Src: []string{connecting, disconnected, failed}, Dst: connected},
		{Name: evLost, Src: []string{connected, connecting}, Dst: disconnected},
		{Name: evFail, Src: []string{connecting, connected}, Dst: failed},
	}, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			reason, _ := firstString(e.Args)
			m.pending = &Change{
				From:   consts.ConnectionStatus(e.Src),
				To:     consts.ConnectionStatus(e.Dst),
				Reason: reason,
				At:     m.now(),
			}
		},
	})
	return m
}

func firstString(args []interface{}) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}

// Start subscribes to connection_status and mavlink_message. It fails when
// the backend runtime is unavailable.
func (m *Monitor) Start() error {
	statusUnsub := m.rt.Listen(consts.EventConnectionStatus, m.onConnectionStatus)
	if statusUnsub == nil {
		return kerrors.New(kerrors.ErrCodeBackendUnavailable, "link.Start", "cannot subscribe to connection events", nil)
	}
	msgUnsub := m.rt.Listen(consts.EventMavlinkMessage, m.onMavlinkMessage)
	if msgUnsub == nil {
		statusUnsub()
		return kerrors.New(kerrors.ErrCodeBackendUnavailable, "link.Start", "cannot subscribe to vehicle messages", nil)
	}
	m.mu.Lock()
	m.unlisten = append(m.unlisten, statusUnsub, msgUnsub)
	m.mu.Unlock()
	return nil
}

// Close removes event subscriptions and stops the watchdog.
func (m *Monitor) Close() {
	m.mu.Lock()
	unlisten := m.unlisten
	m.unlisten = nil
	m.stopWatchdogLocked()
	m.mu.Unlock()
	for _, u := range unlisten {
		u()
	}
}

// Status returns the current connection status.
func (m *Monitor) Status() consts.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return consts.ConnectionStatus(m.machine.Current())
}

// Vehicle returns the vehicle reported on connect, or nil.
func (m *Monitor) Vehicle() *protocol.VehicleInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vehicle == nil {
		return nil
	}
	v := *m.vehicle
	return &v
}

// LastHeartbeat returns when the last HEARTBEAT arrived.
func (m *Monitor) LastHeartbeat() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeartbeat
}

// History returns the retained transitions, oldest first.
func (m *Monitor) History() []Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.Items()
}

// Subscribe registers fn for status changes. Subscribers run synchronously
// on the goroutine causing the change, in registration order.
func (m *Monitor) Subscribe(fn func(Change)) func() {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// OnStatus is Subscribe reduced to the new status.
func (m *Monitor) OnStatus(fn func(consts.ConnectionStatus)) func() {
	return m.Subscribe(func(c Change) { fn(c.To) })
}

// Connect dials the vehicle with the configured request.
func (m *Monitor) Connect(ctx context.Context) error {
	return m.ConnectWith(ctx, m.cfg.Connect)
}

// ConnectWith dials the vehicle with req.
func (m *Monitor) ConnectWith(ctx context.Context, req protocol.ConnectRequest) error {
	m.transition(evDial, "connecting to "+req.ConnectionString)

	res, err := ipc.ProtectedCall[protocol.ConnectResult](ctx, m.rt, consts.CmdConnectDrone, req.Args(),
		consts.CategoryConnection, ipc.WithTitle("Connection failed"))
	if err != nil {
		m.transition(evFail, kerrors.Message(err))
		return err
	}
	if !res.Success {
		err := kerrors.New(kerrors.ErrCodeBackendError, consts.CmdConnectDrone, "vehicle refused connection", nil)
		m.transition(evFail, err.Error())
		return err
	}

	m.mu.Lock()
	m.vehicle = res.VehicleInfo
	m.lastHeartbeat = m.now()
	m.mu.Unlock()
	m.transition(evEstablished, "connected to "+req.ConnectionString)
	return nil
}

// Disconnect closes the vehicle connection.
func (m *Monitor) Disconnect(ctx context.Context) error {
	if _, err := m.rt.ProtectedInvoke(ctx, consts.CmdDisconnectDrone, nil, consts.CategoryConnection,
		ipc.WithTitle("Disconnect failed")); err != nil {
		return err
	}
	m.mu.Lock()
	m.vehicle = nil
	m.mu.Unlock()
	m.transition(evLost, "disconnected by operator")
	return nil
}

func (m *Monitor) onConnectionStatus(payload json.RawMessage) error {
	var ev protocol.ConnectionStatusEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode connection_status: %w", err)
	}
	switch consts.ConnectionStatus(ev.Status) {
	case consts.StatusConnected:
		if ev.VehicleInfo != nil {
			m.mu.Lock()
			m.vehicle = ev.VehicleInfo
			m.mu.Unlock()
		}
		m.transition(evEstablished, reasonOr(ev.Reason, "backend reports connected"))
	case consts.StatusConnecting:
		m.transition(evDial, reasonOr(ev.Reason, "backend reports connecting"))
	case consts.StatusDisconnected:
		m.transition(evLost, reasonOr(ev.Reason, "backend reports disconnected"))
	case consts.StatusError:
		m.transition(evFail, reasonOr(ev.Reason, "backend reports link error"))
	default:
		return fmt.Errorf("unknown connection status %q", ev.Status)
	}
	return nil
}

func (m *Monitor) onMavlinkMessage(payload json.RawMessage) error {
	var msg protocol.MavlinkMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode mavlink_message: %w", err)
	}
	if msg.Type != protocol.MessageHeartbeat {
		return nil
	}

	m.mu.Lock()
	m.lastHeartbeat = m.now()
	status := consts.ConnectionStatus(m.machine.Current())
	if status == consts.StatusConnected {
		m.armWatchdogLocked()
	}
	m.mu.Unlock()

	if status == consts.StatusConnecting {
		m.transition(evEstablished, "heartbeat received")
	}
	return nil
}

func reasonOr(reason, def string) string {
	if reason != "" {
		return reason
	}
	return def
}

// transition fires event if it is valid from the current status and
// publishes the resulting change. Invalid events are ignored.
func (m *Monitor) transition(event, reason string) {
	m.mu.Lock()
	if !m.machine.Can(event) {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	if err := m.machine.Event(context.Background(), event, reason); err != nil {
		m.mu.Unlock()
		m.log.Debug("Transition rejected", "event", event, "err", err)
		return
	}
	change := m.pending
	m.pending = nil
	if change == nil {
		m.mu.Unlock()
		return
	}
	m.history.Push(*change)
	if change.To == consts.StatusConnected {
		m.armWatchdogLocked()
	} else {
		m.stopWatchdogLocked()
	}
	subs := m.subscribersLocked()
	m.mu.Unlock()

	m.announce(*change)
	for _, fn := range subs {
		fn(*change)
	}
}

func (m *Monitor) subscribersLocked() []func(Change) {
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		out = append(out, m.subs[id])
	}
	return out
}

func (m *Monitor) announce(c Change) {
	m.log.Info("Connection status changed", "from", c.From, "to", c.To, "reason", c.Reason)
	switch c.To {
	case consts.StatusConnected:
		notify.Send(m.notifier, notify.Success, "Connected", c.Reason)
	case consts.StatusDisconnected:
		if c.From == consts.StatusConnected {
			notify.Send(m.notifier, notify.Warning, "Connection lost", c.Reason)
		}
	case consts.StatusError:
		notify.Send(m.notifier, notify.Error, "Connection error", c.Reason)
	}
}

// armWatchdogLocked (re)starts the heartbeat timeout. mu must be held.
func (m *Monitor) armWatchdogLocked() {
	m.stopWatchdogLocked()
	gen := m.watchdogGen
	m.watchdog = time.AfterFunc(m.cfg.HeartbeatTimeout, func() { m.heartbeatExpired(gen) })
}

func (m *Monitor) stopWatchdogLocked() {
	m.watchdogGen++
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
}

func (m *Monitor) heartbeatExpired(gen uint64) {
	m.mu.Lock()
	stale := gen != m.watchdogGen
	m.mu.Unlock()
	if stale {
		return
	}
	m.log.Warn("Heartbeat timeout", "timeout", m.cfg.HeartbeatTimeout)
	m.transition(evLost, fmt.Sprintf("no heartbeat for %s", m.cfg.HeartbeatTimeout))
}

// Personal.AI order the ending
