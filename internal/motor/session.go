// Package motor implements the motor test safety session: a staged,
// time-bounded, confirmed protocol that gates throttle authority, with an
// emergency stop that is available in every state and never waits on the
// backend.
package motor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/turtacn/Kestrel/internal/audit"
	"github.com/turtacn/Kestrel/internal/ipc"
	"github.com/turtacn/Kestrel/internal/monitor"
	"github.com/turtacn/Kestrel/internal/notify"
	"github.com/turtacn/Kestrel/pkg/consts"
	kerrors "github.com/turtacn/Kestrel/pkg/errors"
	"github.com/turtacn/Kestrel/pkg/fsm"
	"github.com/turtacn/Kestrel/pkg/logger"
	"github.com/turtacn/Kestrel/pkg/protocol"
)

const (
	evAdvance fsm.Event = "advance"
	evLock    fsm.Event = "lock"
)

// StopReason labels an emergency stop.
type StopReason string

const (
	ReasonOperator      StopReason = "operator"
	ReasonEscapeKey     StopReason = "escape_key"
	ReasonSignal        StopReason = "signal"
	ReasonSessionClosed StopReason = "session_closed"
	ReasonRemote        StopReason = "remote"
)

// ConnectionSource reports the vehicle connection status.
type ConnectionSource interface {
	Status() consts.ConnectionStatus
	OnStatus(fn func(consts.ConnectionStatus)) func()
}

// Snapshot is a read-only view of a Session.
type Snapshot struct {
	Stage   consts.Stage
	Ceiling float64
	// Throttles holds the last acknowledged fraction per motor, index = motor ID - 1.
	Throttles         []float64
	Selected          []int
	PropellersRemoved bool
	Connected         bool
	ControlsEnabled   bool
	// CanAdvance is set when the next stage is reachable right now.
	CanAdvance bool
	// Deadline is when the inactivity countdown expires; zero while LOCKED.
	Deadline  time.Time
	Holding   bool
	Epoch     uint64
	Telemetry []protocol.MotorTelemetry
}

// Remaining returns the inactivity countdown left at now.
func (s Snapshot) Remaining(now time.Time) time.Duration {
	if s.Deadline.IsZero() || now.After(s.Deadline) {
		return 0
	}
	return s.Deadline.Sub(now)
}

// Session owns the stage and throttle state of one motor test panel.
// All methods are safe for concurrent use.
type Session struct {
	rt       *ipc.Runtime
	cfg      Config
	log      logger.Logger
	notifier notify.Notifier
	journal  audit.Recorder
	now      func() time.Time
	conn     ConnectionSource

	mu                sync.Mutex
	machine           *fsm.StateMachine
	epoch             uint64
	abort             chan struct{}
	inflight          map[uint64]context.CancelFunc
	nextCall          uint64
	live              bool
	throttles         []float64
	selected          map[int]bool
	propellersRemoved bool
	connected         bool
	timer             *time.Timer
	timerGen          uint64
	deadline          time.Time
	hold              *Hold
	patternRunning    bool
	telemetry         []protocol.MotorTelemetry
	limiters          map[string]*rate.Limiter
	subs              map[int]func(Snapshot)
	nextSub           int
	connUnsub         func()
	closed            bool

	stops sync.WaitGroup
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session's logger.
func WithLogger(l logger.Logger) Option { return func(s *Session) { s.log = l } }

// WithNotifier sets the user notification channel.
func WithNotifier(n notify.Notifier) Option { return func(s *Session) { s.notifier = n } }

// WithJournal records safety events to j.
func WithJournal(j audit.Recorder) Option { return func(s *Session) { s.journal = j } }

// WithClock replaces time.Now for deadlines and journal timestamps.
func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }

// WithConnection ties the session to a connection source. Without one the
// session starts disconnected and SetConnected must be called.
func WithConnection(c ConnectionSource) Option { return func(s *Session) { s.conn = c } }

// NewSession creates a LOCKED session.
func NewSession(rt *ipc.Runtime, cfg Config, opts ...Option) *Session {
	cfg.normalize()
	s := &Session{
		rt:        rt,
		cfg:       cfg,
		log:       logger.Log,
		notifier:  notify.Discard,
		journal:   audit.Discard,
		now:       time.Now,
		machine:   fsm.New(fsm.State(consts.StageLocked.String())),
		abort:     make(chan struct{}),
		inflight:  make(map[uint64]context.CancelFunc),
		throttles: make([]float64, cfg.Motors),
		selected:  make(map[int]bool),
		limiters:  make(map[string]*rate.Limiter),
		subs:      make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "motor")

	for st := consts.StageLocked; st < consts.MaxStage; st++ {
		s.machine.AddTransition(stateOf(st), stateOf(st+1), evAdvance, nil)
	}
	for st := consts.StageLocked; st <= consts.MaxStage; st++ {
		s.machine.AddTransition(stateOf(st), stateOf(consts.StageLocked), evLock, nil)
	}
	s.machine.AddGuard(evAdvance, s.guardAdvance)

	if s.conn != nil {
		s.connected = s.conn.Status() == consts.StatusConnected
		s.connUnsub = s.conn.OnStatus(s.onConnectionStatus)
	}
	monitor.MotorStage.Set(0)
	return s
}

func stateOf(st consts.Stage) fsm.State { return fsm.State(st.String()) }

// stageLocked must be called with mu held.
func (s *Session) stageLocked() consts.Stage {
	st, _ := consts.ParseStage(string(s.machine.Current()))
	return st
}

// Stage returns the current stage.
func (s *Session) Stage() consts.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stageLocked()
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	st := s.stageLocked()
	sel := make([]int, 0, len(s.selected))
	for id := range s.selected {
		sel = append(sel, id)
	}
	sort.Ints(sel)
	enabled := s.connected && s.propellersRemoved && !s.closed
	return Snapshot{
		Stage:             st,
		Ceiling:           st.Ceiling(),
		Throttles:         append([]float64(nil), s.throttles...),
		Selected:          sel,
		PropellersRemoved: s.propellersRemoved,
		Connected:         s.connected,
		ControlsEnabled:   enabled,
		CanAdvance:        enabled && s.machine.Can(evAdvance),
		Deadline:          s.deadline,
		Holding:           s.hold != nil,
		Epoch:             s.epoch,
		Telemetry:         append([]protocol.MotorTelemetry(nil), s.telemetry...),
	}
}

// Subscribe registers fn to receive a snapshot after every mutation. Calls
// are synchronous on the mutating goroutine.
func (s *Session) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// effects collects what a locked mutation must do once mu is released.
type effects struct {
	notes     []notify.Notification
	entries   []audit.Entry
	snap      *Snapshot
	subs      []func(Snapshot)
	abortHold *Hold
}

func (fx *effects) note(sev notify.Severity, title, msg string) {
	fx.notes = append(fx.notes, notify.Notification{Severity: sev, Title: title, Message: msg})
}

// publishLocked schedules a snapshot for subscribers.
func (s *Session) publishLocked(fx *effects) {
	snap := s.snapshotLocked()
	fx.snap = &snap
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fx.subs = fx.subs[:0]
	for _, id := range ids {
		fx.subs = append(fx.subs, s.subs[id])
	}
}

func (s *Session) apply(fx *effects) {
	if fx.abortHold != nil {
		fx.abortHold.abort()
	}
	for _, n := range fx.notes {
		notify.Send(s.notifier, n.Severity, n.Title, n.Message)
	}
	for _, e := range fx.entries {
		if e.Time.IsZero() {
			e.Time = s.now()
		}
		if _, err := s.journal.Record(context.Background(), e); err != nil {
			s.log.Error("Audit write failed", "kind", e.Kind, "err", err)
		}
	}
	if fx.snap != nil {
		for _, fn := range fx.subs {
			fn(*fx.snap)
		}
	}
}

// ConfirmPropellersRemoved sets the propeller-removal acknowledgment.
// Withdrawing it locks the session.
func (s *Session) ConfirmPropellersRemoved(removed bool) {
	s.mu.Lock()
	if s.propellersRemoved == removed {
		s.mu.Unlock()
		return
	}
	s.propellersRemoved = removed
	fx := &effects{}
	fx.entries = append(fx.entries, audit.Entry{Kind: audit.KindPropellers, Reason: fmt.Sprintf("propellers removed: %t", removed)})
	zero := false
	if !removed && s.stageLocked() != consts.StageLocked {
		s.lockLocked(fx, audit.KindStageChange, "propeller confirmation withdrawn")
		s.live = false
		zero = true
	}
	s.publishLocked(fx)
	s.mu.Unlock()

	s.apply(fx)
	if zero {
		s.dispatchZero(false)
	}
}

// SetConnected updates the connection flag directly. Sessions built
// WithConnection are updated by their source instead.
func (s *Session) SetConnected(connected bool) {
	if connected {
		s.onConnectionStatus(consts.StatusConnected)
	} else {
		s.onConnectionStatus(consts.StatusDisconnected)
	}
}

func (s *Session) onConnectionStatus(status consts.ConnectionStatus) {
	s.mu.Lock()
	up := status == consts.StatusConnected
	if up == s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = up
	fx := &effects{}
	stop := false
	if !up {
		wasArmed := s.stageLocked() != consts.StageLocked
		s.lockLocked(fx, audit.KindConnectionLost, fmt.Sprintf("connection %s", status))
		if wasArmed || s.live {
			fx.note(notify.Warning, "Motors locked", "Connection lost - reverting to LOCKED")
			stop = true
			s.live = false
		}
		s.log.Warn("Connection lost, session locked", "status", status)
	}
	s.publishLocked(fx)
	s.mu.Unlock()
	s.apply(fx)
	// The link may only have lost heartbeats; the backend can still be
	// reachable with motors spinning.
	if stop {
		s.dispatchZero(true)
	}
}

type advanceRequest struct {
	target  consts.Stage
	viaHold bool
	epoch   uint64
}

// rejection is a refused stage change with the notification explaining it.
type rejection struct {
	err   error
	sev   notify.Severity
	title string
	msg   string
}

func (r *rejection) Error() string { return r.err.Error() }
func (r *rejection) Unwrap() error { return r.err }

func reject(code kerrors.ErrorCode, sev notify.Severity, title, msg string) *rejection {
	return &rejection{
		err:   kerrors.New(code, "advance", msg, nil),
		sev:   sev,
		title: title,
		msg:   msg,
	}
}

// guardAdvance runs inside Fire with mu held.
func (s *Session) guardAdvance(from, to fsm.State, _ fsm.Event, args ...interface{}) error {
	req, _ := args[0].(advanceRequest)
	cur, _ := consts.ParseStage(string(from))
	next, _ := consts.ParseStage(string(to))
	if r := s.validateLocked(cur, next, req); r != nil {
		return r
	}
	return nil
}

func (s *Session) validateLocked(cur, next consts.Stage, req advanceRequest) *rejection {
	switch {
	case s.closed:
		return reject(kerrors.ErrCodeSafetyPreconditionUnmet, notify.Warning, "Session closed",
			"The motor test session has been closed")
	case !s.connected:
		return reject(kerrors.ErrCodeConnectionLost, notify.Warning, "Not connected",
			"Connect to the vehicle before testing motors")
	case !s.propellersRemoved:
		return reject(kerrors.ErrCodeSafetyPreconditionUnmet, notify.Warning, "Remove propellers",
			"Confirm all propellers are removed before arming motors")
	case cur == consts.MaxStage:
		return reject(kerrors.ErrCodeStageViolation, notify.Info, "Invalid stage",
			fmt.Sprintf("Already at %s", cur))
	case req.target != next:
		return reject(kerrors.ErrCodeStageViolation, notify.Info, "Invalid stage",
			fmt.Sprintf("Currently at %s; only %s can be selected next", cur, next))
	case cur == consts.StageLocked && s.cfg.ArmHold > 0 && !req.viaHold:
		return reject(kerrors.ErrCodeSafetyPreconditionUnmet, notify.Info, "Hold to arm",
			fmt.Sprintf("Hold the %s control for %s to arm", next, s.cfg.ArmHold))
	case req.viaHold && req.epoch != s.epoch:
		return reject(kerrors.ErrCodeEmergencyStopped, notify.Info, "Arming cancelled",
			"A safety reset happened while holding")
	}
	return nil
}

// Advance moves to target, which must be exactly one stage above the
// current one. Leaving LOCKED requires the hold gesture when ArmHold is set.
func (s *Session) Advance(target consts.Stage) error {
	return s.advance(advanceRequest{target: target})
}

func (s *Session) advance(req advanceRequest) error {
	s.mu.Lock()
	from := s.stageLocked()
	err := s.machine.Fire(evAdvance, req)
	fx := &effects{}
	if err != nil {
		s.mu.Unlock()
		var r *rejection
		if !errors.As(err, &r) {
			// Only STAGE_4 has no advance transition.
			r = reject(kerrors.ErrCodeStageViolation, notify.Info, "Invalid stage", fmt.Sprintf("Already at %s", from))
		}
		fx.note(r.sev, r.title, r.msg)
		s.apply(fx)
		s.log.Info("Stage change rejected", "from", from, "target", req.target, "err", r.err)
		return r.err
	}

	to := s.stageLocked()
	s.live = true
	s.resetTimerLocked()
	fx.entries = append(fx.entries, audit.Entry{Kind: audit.KindStageChange, From: from.String(), To: to.String()})
	s.publishLocked(fx)
	s.mu.Unlock()

	monitor.MotorStage.Set(float64(to))
	s.log.Info("Stage advanced", "from", from, "to", to)
	s.apply(fx)
	return nil
}

// lockLocked forces LOCKED, zeroes local throttles and invalidates every
// in-flight throttle result and pattern.
func (s *Session) lockLocked(fx *effects, kind audit.Kind, reason string) {
	from := s.stageLocked()
	s.epoch++
	for i := range s.throttles {
		s.throttles[i] = 0
	}
	_ = s.machine.Fire(evLock)
	close(s.abort)
	s.abort = make(chan struct{})
	for id, cancel := range s.inflight {
		cancel()
		delete(s.inflight, id)
	}
	s.stopTimerLocked()
	if s.hold != nil {
		fx.abortHold = s.hold
		s.hold = nil
	}
	fx.entries = append(fx.entries, audit.Entry{Kind: kind, From: from.String(), To: consts.StageLocked.String(), Reason: reason})
	monitor.MotorStage.Set(0)
}

// EmergencyStop zeroes every throttle and locks the session before
// returning, then tells the backend without waiting for it. It never fails.
func (s *Session) EmergencyStop(reason StopReason) {
	s.emergencyStop(reason, true)
}

// emergencyStop always locks locally. Unless always is set, the backend is
// only told when motors may be running since the last stop it was sent.
func (s *Session) emergencyStop(reason StopReason, always bool) {
	s.mu.Lock()
	fx := &effects{}
	from := s.stageLocked()
	send := always || s.live
	s.live = false
	s.lockLocked(fx, audit.KindEmergencyStop, string(reason))
	s.publishLocked(fx)
	s.mu.Unlock()

	if !send {
		s.log.Debug("Session locked, motors already stopped", "reason", reason)
		s.apply(fx)
		return
	}
	monitor.EmergencyStops.WithLabelValues(string(reason)).Inc()
	s.log.Warn("Emergency stop", "reason", reason, "from", from)
	fx.note(notify.Warning, "Emergency stop", fmt.Sprintf("All motors stopped (%s)", reason))
	s.apply(fx)
	s.dispatchZero(true)
}

// HandleKey maps global key bindings. Escape triggers the emergency stop.
func (s *Session) HandleKey(key string) bool {
	if key != consts.EscapeKey {
		return false
	}
	s.EmergencyStop(ReasonEscapeKey)
	return true
}

// dispatchZero sends zero throttle to every motor, and optionally the
// emergency stop command, bypassing retries and circuit breakers.
func (s *Session) dispatchZero(emergency bool) {
	s.stops.Add(1)
	go func() {
		defer s.stops.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
		defer cancel()

		opts := []ipc.Option{ipc.WithRetry(0, 0), ipc.WithTimeout(s.cfg.StopTimeout), ipc.WithoutNotification()}
		var g errgroup.Group
		if emergency {
			g.Go(func() error {
				_, err := s.rt.Invoke(ctx, consts.CmdEmergencyStop, nil, opts...)
				return err
			})
		}
		for id := 1; id <= s.cfg.Motors; id++ {
			id := id
			g.Go(func() error {
				_, err := s.rt.Invoke(ctx, consts.CmdSetMotorThrottle, throttleArgs(id, 0), opts...)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			s.log.Warn("Backend did not acknowledge stop", "err", err)
		}
	}()
}

func throttleArgs(motorID int, v float64) map[string]any {
	return map[string]any{"motorId": motorID, "throttle": v}
}

// resetTimerLocked restarts the inactivity countdown, or stops it in LOCKED.
func (s *Session) resetTimerLocked() {
	s.stopTimerLocked()
	if s.stageLocked() == consts.StageLocked {
		return
	}
	gen := s.timerGen
	s.deadline = s.now().Add(s.cfg.InactivityTimeout)
	s.timer = time.AfterFunc(s.cfg.InactivityTimeout, func() { s.onTimeout(gen) })
}

func (s *Session) stopTimerLocked() {
	s.timerGen++
	s.deadline = time.Time{}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) onTimeout(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.timerGen || s.stageLocked() == consts.StageLocked {
		s.mu.Unlock()
		return
	}
	fx := &effects{}
	s.lockLocked(fx, audit.KindTimeout, "inactivity timeout")
	s.live = false
	fx.note(notify.Warning, "Stage timeout - reverting to LOCKED",
		fmt.Sprintf("No motor activity for %s", s.cfg.InactivityTimeout))
	s.publishLocked(fx)
	s.mu.Unlock()

	s.log.Warn("Inactivity timeout, session locked", "timeout", s.cfg.InactivityTimeout)
	s.apply(fx)
	s.dispatchZero(false)
}

// SelectMotors sets the motors addressed by SetSelectedThrottle and
// patterns. No IDs selects every motor.
func (s *Session) SelectMotors(ids ...int) error {
	s.mu.Lock()
	for _, id := range ids {
		if id < 1 || id > s.cfg.Motors {
			s.mu.Unlock()
			return kerrors.New(kerrors.ErrCodeInvalidArgument, "SelectMotors",
				fmt.Sprintf("motor %d out of range 1-%d", id, s.cfg.Motors), nil)
		}
	}
	s.selected = make(map[int]bool, len(ids))
	for _, id := range ids {
		s.selected[id] = true
	}
	fx := &effects{}
	s.publishLocked(fx)
	s.mu.Unlock()
	s.apply(fx)
	return nil
}

// targetsLocked returns the selected motors, or all of them.
func (s *Session) targetsLocked() []int {
	ids := make([]int, 0, s.cfg.Motors)
	for id := 1; id <= s.cfg.Motors; id++ {
		if len(s.selected) == 0 || s.selected[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// throttleGateLocked checks a throttle request and returns the clamped fraction.
func (s *Session) throttleGateLocked(op string, percent float64) (float64, *rejection) {
	if s.closed {
		return 0, reject(kerrors.ErrCodeSafetyPreconditionUnmet, notify.Warning, "Session closed",
			"The motor test session has been closed")
	}
	if !s.connected {
		return 0, reject(kerrors.ErrCodeConnectionLost, notify.Warning, "Not connected",
			"Connect to the vehicle before testing motors")
	}
	if !s.propellersRemoved {
		return 0, reject(kerrors.ErrCodeSafetyPreconditionUnmet, notify.Warning, "Remove propellers",
			"Confirm all propellers are removed before arming motors")
	}
	st := s.stageLocked()
	if st == consts.StageLocked {
		return 0, reject(kerrors.ErrCodeStageViolation, notify.Info, "Motors locked",
			"Advance to STAGE_1 before setting throttle")
	}
	if math.IsNaN(percent) {
		return 0, reject(kerrors.ErrCodeInvalidArgument, notify.Info, "Invalid throttle", op+": throttle is not a number")
	}
	return Clamp(percent/100, st), nil
}

// Clamp bounds a requested throttle fraction to [0, stage ceiling].
func Clamp(v float64, st consts.Stage) float64 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return math.Min(v, st.Ceiling())
}

func (s *Session) rejectNow(r *rejection, op string) error {
	fx := &effects{}
	fx.note(r.sev, r.title, r.msg)
	s.apply(fx)
	s.log.Info("Throttle request rejected", "op", op, "err", r.err)
	return r.err
}

// trackLocked returns a child of ctx that the next safety reset cancels,
// so pending retries never reach the backend after a stop.
func (s *Session) trackLocked(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	id := s.nextCall
	s.nextCall++
	s.inflight[id] = cancel
	return ctx, func() {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
		cancel()
	}
}

func throttleFailed(motorID int) string { return fmt.Sprintf("Motor %d throttle failed", motorID) }

func superseded(op string) error {
	return kerrors.New(kerrors.ErrCodeEmergencyStopped, op, "throttle result discarded after a safety reset", nil)
}

// SetThrottle requests percent (0-100) on a 1-based motor. The value is
// clamped to the stage ceiling before it is sent, and the acknowledged value
// is only stored if no safety reset happened while the call was in flight.
// It returns the fraction that was sent.
func (s *Session) SetThrottle(ctx context.Context, motorID int, percent float64) (float64, error) {
	s.mu.Lock()
	if motorID < 1 || motorID > s.cfg.Motors {
		s.mu.Unlock()
		return 0, kerrors.New(kerrors.ErrCodeInvalidArgument, "SetThrottle",
			fmt.Sprintf("motor %d out of range 1-%d", motorID, s.cfg.Motors), nil)
	}
	v, r := s.throttleGateLocked("SetThrottle", percent)
	if r != nil {
		s.mu.Unlock()
		return 0, s.rejectNow(r, "SetThrottle")
	}
	epoch := s.epoch
	callCtx, done := s.trackLocked(ctx)
	defer done()
	s.resetTimerLocked()
	s.mu.Unlock()

	_, err := s.rt.ProtectedInvoke(callCtx, consts.CmdSetMotorThrottle, throttleArgs(motorID, v), consts.CategoryMotor,
		ipc.WithRetry(s.cfg.ThrottleRetries, s.cfg.ThrottleRetryDelay),
		ipc.WithTimeout(s.cfg.ThrottleTimeout),
		ipc.WithoutNotification())

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		s.log.Info("Discarding stale throttle result", "motor", motorID, "throttle", v)
		return 0, superseded("SetThrottle")
	}
	if err != nil {
		s.mu.Unlock()
		notify.Send(s.notifier, notify.Error, throttleFailed(motorID), kerrors.Message(err))
		return 0, err
	}
	s.throttles[motorID-1] = math.Min(v, s.stageLocked().Ceiling())
	fx := &effects{}
	s.publishLocked(fx)
	s.mu.Unlock()
	s.apply(fx)
	return v, nil
}

// SetSelectedThrottle applies percent to every selected motor concurrently.
// Motors that fail keep their previous value.
func (s *Session) SetSelectedThrottle(ctx context.Context, percent float64) error {
	s.mu.Lock()
	v, r := s.throttleGateLocked("SetSelectedThrottle", percent)
	if r != nil {
		s.mu.Unlock()
		return s.rejectNow(r, "SetSelectedThrottle")
	}
	ids := s.targetsLocked()
	epoch := s.epoch
	callCtx, done := s.trackLocked(ctx)
	defer done()
	s.resetTimerLocked()
	s.mu.Unlock()

	cmds := make([]ipc.Command, len(ids))
	for i, id := range ids {
		cmds[i] = ipc.Command{
			Name:     consts.CmdSetMotorThrottle,
			Args:     throttleArgs(id, v),
			Category: consts.CategoryMotor,
		}
	}
	// Members stay silent; the action reports its outcome once.
	results := s.rt.BatchInvoke(callCtx, cmds,
		ipc.WithRetry(s.cfg.ThrottleRetries, s.cfg.ThrottleRetryDelay),
		ipc.WithTimeout(s.cfg.ThrottleTimeout),
		ipc.WithoutNotification())

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return superseded("SetSelectedThrottle")
	}
	ceiling := s.stageLocked().Ceiling()
	var failed []int
	for i, res := range results {
		if res == nil {
			failed = append(failed, ids[i])
			continue
		}
		s.throttles[ids[i]-1] = math.Min(v, ceiling)
	}
	fx := &effects{}
	if len(failed) > 0 {
		fx.note(notify.Error, "Throttle failed", rejectedBy(failed))
	}
	s.publishLocked(fx)
	s.mu.Unlock()
	s.apply(fx)

	if len(failed) > 0 {
		return kerrors.New(kerrors.ErrCodeBackendError, "SetSelectedThrottle",
			fmt.Sprintf("%d of %d motors did not accept the throttle", len(failed), len(ids)), nil)
	}
	return nil
}

func rejectedBy(ids []int) string {
	if len(ids) == 1 {
		return fmt.Sprintf("Motor %d did not accept the throttle", ids[0])
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return "Motors " + strings.Join(parts, ", ") + " did not accept the throttle"
}

// Close locks the session, cancels timers and drops subscribers. The
// backend is sent a stop only if the motors may still be running. Close
// waits for outstanding stop commands to finish.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.emergencyStop(ReasonSessionClosed, false)

	s.mu.Lock()
	s.closed = true
	s.stopTimerLocked()
	s.subs = make(map[int]func(Snapshot))
	unsub := s.connUnsub
	s.connUnsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.stops.Wait()
}

// Personal.AI order the ending
