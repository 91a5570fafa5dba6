// Package simulator is a stand-in for the native flight-controller backend.
// It serves the same command set and emits the same events, with a simple
// motor model and injectable faults, so the console can be exercised
// without hardware.
package simulator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/turtacn/Kestrel/internal/bridge"
	"github.com/turtacn/Kestrel/pkg/consts"
	"github.com/turtacn/Kestrel/pkg/logger"
	"github.com/turtacn/Kestrel/pkg/protocol"
)

// Version is reported by health_check.
const Version = "kestrel-sim/1"

// Simulator implements bridge.Handler.
type Simulator struct {
	log        logger.Logger
	now        func() time.Time
	hbInterval time.Duration
	hbTimeout  time.Duration

	emitMu  sync.RWMutex
	emitter bridge.Emitter

	mu             sync.Mutex
	motors         int
	connected      bool
	connString     string
	lastHeartbeat  time.Time
	linkUp         bool
	vehicle        *protocol.VehicleInfo
	params         map[string]*protocol.Parameter
	throttles      []float64
	faults         map[int]Fault
	testActive     bool
	testAbort      chan struct{}
	emergencyStops int
	lastStop       time.Time
	sent, received uint64
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithLogger sets the simulator's logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Simulator) { s.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// WithHeartbeatInterval sets the heartbeat period used by Run.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Simulator) {
		if d > 0 {
			s.hbInterval = d
		}
	}
}

// WithEmitter sets where events are published.
func WithEmitter(e bridge.Emitter) Option {
	return func(s *Simulator) { s.emitter = e }
}

// New creates a disconnected simulator with the given number of motors.
func New(motors int, opts ...Option) *Simulator {
	if motors <= 0 {
		motors = consts.DefaultMotorCount
	}
	s := &Simulator{
		log:        logger.Log,
		now:        time.Now,
		hbInterval: time.Second,
		hbTimeout:  consts.DefaultHeartbeatTimeout,
		motors:     motors,
		linkUp:     true,
		params:     make(map[string]*protocol.Parameter),
		throttles:  make([]float64, motors),
		faults:     make(map[int]Fault),
		testAbort:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "simulator")
	return s
}

// SetEmitter sets where events are published. Servers are usually built
// around the simulator, so the emitter is often only known afterwards.
func (s *Simulator) SetEmitter(e bridge.Emitter) {
	s.emitMu.Lock()
	s.emitter = e
	s.emitMu.Unlock()
}

// emit must not be called with mu held: loopback listeners run inline and
// may call straight back into the simulator.
func (s *Simulator) emit(event string, payload any) {
	s.emitMu.RLock()
	e := s.emitter
	s.emitMu.RUnlock()
	if e == nil {
		return
	}
	if err := e.Emit(event, payload); err != nil {
		s.log.Debug("Emit failed", "event", event, "err", err)
	}
}

// Handle dispatches one backend command.
func (s *Simulator) Handle(ctx context.Context, command string, args json.RawMessage) (any, error) {
	s.mu.Lock()
	s.received++
	s.mu.Unlock()

	switch command {
	case consts.CmdHealthCheck:
		return protocol.HealthReport{Status: "ok", Version: Version}, nil
	case consts.CmdConnectDrone:
		return s.connect(args)
	case consts.CmdDisconnectDrone:
		return nil, s.disconnect()
	case consts.CmdGetVehicleInfo:
		return s.vehicleInfo()
	case consts.CmdGetParameters:
		return s.parameters()
	case consts.CmdSetParameter:
		return nil, s.setParameter(args)
	case consts.CmdSetMotorThrottle:
		return nil, s.setThrottle(args)
	case consts.CmdTestMotor:
		return nil, s.testMotor(ctx, args)
	case consts.CmdEmergencyStop:
		return nil, s.emergencyStop()
	case consts.CmdGetMotorTelem:
		return s.telemetry()
	default:
		return nil, bridge.ErrUnknownCommand
	}
}

// Run emits heartbeats while connected until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Heartbeat()
		}
	}
}

// Heartbeat emits one HEARTBEAT message if connected and the link is up.
func (s *Simulator) Heartbeat() {
	s.mu.Lock()
	if !s.connected || !s.linkUp {
		s.mu.Unlock()
		return
	}
	now := s.now()
	s.lastHeartbeat = now
	s.sent++
	sysID, compID := int(s.vehicle.SystemID), int(s.vehicle.ComponentID)
	s.mu.Unlock()

	s.emit(consts.EventMavlinkMessage, protocol.MavlinkMessage{
		Type:        protocol.MessageHeartbeat,
		SystemID:    sysID,
		ComponentID: compID,
		Timestamp:   now.UnixMilli(),
	})
}

// SetLinkUp simulates radio link loss and recovery. While down, heartbeats
// stop and commands start failing once the heartbeat timeout passes.
func (s *Simulator) SetLinkUp(up bool) {
	s.mu.Lock()
	s.linkUp = up
	s.mu.Unlock()
}

// State is a read-only view of the simulator.
type State struct {
	Connected        bool
	ConnectionString string
	Throttles        []float64
	TestActive       bool
	EmergencyStops   int
	MessagesSent     uint64
	MessagesReceived uint64
}

// State returns a snapshot of the simulator.
func (s *Simulator) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Connected:        s.connected,
		ConnectionString: s.connString,
		Throttles:        append([]float64(nil), s.throttles...),
		TestActive:       s.testActive,
		EmergencyStops:   s.emergencyStops,
		MessagesSent:     s.sent,
		MessagesReceived: s.received,
	}
}

// Personal.AI order the ending
