package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/turtacn/Kestrel/pkg/consts"
	"github.com/turtacn/Kestrel/pkg/protocol"
)

// Wire-visible error messages, kept identical to the flight backend's.
var (
	ErrInvalidConnectionString = errors.New("Invalid connection string format")
	ErrAlreadyConnected        = errors.New("Already connected to a drone")
	ErrNotConnected            = errors.New("Not connected to drone")
	ErrHeartbeatTimeout        = errors.New("Connection lost (heartbeat timeout)")
	ErrMotorTestActive         = errors.New("Cannot disconnect while motor test is active")
	ErrTestInProgress          = errors.New("Motor test already in progress")
	ErrTestMotorID             = errors.New("Invalid motor ID (must be 1-8)")
	ErrTestThrottle            = errors.New("Invalid throttle percentage (must be 0-100)")
	ErrTestDuration            = errors.New("Test duration too long (max 5 seconds)")
	ErrVehicleInfoUnavailable  = errors.New("Vehicle info not available")
	ErrTestAborted             = errors.New("Motor test aborted by emergency stop")
)

const (
	maxTestMotor    = 8
	maxTestThrottle = 100
	maxTestDuration = 5000 // ms
)

// ValidateConnectionString accepts udp://host:port, tcp://host:port,
// /dev/<tty>:<baud> and COM<n>:<baud>.
func ValidateConnectionString(s string) bool {
	if strings.HasPrefix(s, "udp://") || strings.HasPrefix(s, "tcp://") {
		return strings.Contains(s, ":") && len(s) > 10
	}
	if strings.HasPrefix(s, "/dev/") || strings.HasPrefix(s, "COM") {
		return strings.Contains(s, ":")
	}
	return false
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func (s *Simulator) connect(args json.RawMessage) (any, error) {
	var req protocol.ConnectRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if !ValidateConnectionString(req.ConnectionString) {
		return nil, ErrInvalidConnectionString
	}

	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	s.connected = true
	s.linkUp = true
	s.connString = req.ConnectionString
	s.lastHeartbeat = s.now()
	s.vehicle = &protocol.VehicleInfo{
		SystemID:        1,
		ComponentID:     1,
		AutopilotType:   "ArduPilot",
		VehicleType:     "Quadcopter",
		FirmwareVersion: "4.5.0",
		Capabilities:    []string{"MISSION", "PARAM", "FENCE", "RALLY"},
		FlightMode:      "STABILIZE",
	}
	s.loadDefaultParameters()
	info := *s.vehicle
	s.mu.Unlock()

	s.log.Info("Vehicle connected", "connection", req.ConnectionString)
	s.emit(consts.EventConnectionStatus, protocol.ConnectionStatusEvent{
		Status:      string(consts.StatusConnected),
		VehicleInfo: &info,
	})
	return protocol.ConnectResult{Success: true, VehicleInfo: &info}, nil
}

func (s *Simulator) disconnect() error {
	s.mu.Lock()
	if s.testActive {
		s.mu.Unlock()
		return ErrMotorTestActive
	}
	wasConnected := s.connected
	s.connected = false
	s.connString = ""
	s.lastHeartbeat = time.Time{}
	s.vehicle = nil
	s.params = make(map[string]*protocol.Parameter)
	for i := range s.throttles {
		s.throttles[i] = 0
	}
	s.mu.Unlock()

	if wasConnected {
		s.log.Info("Vehicle disconnected")
		s.emit(consts.EventConnectionStatus, protocol.ConnectionStatusEvent{
			Status: string(consts.StatusDisconnected),
			Reason: "disconnect requested",
		})
	}
	return nil
}

// verifyConnection must be called with mu held.
func (s *Simulator) verifyConnection() error {
	if !s.connected {
		return ErrNotConnected
	}
	if !s.lastHeartbeat.IsZero() && s.now().Sub(s.lastHeartbeat) > s.hbTimeout {
		return ErrHeartbeatTimeout
	}
	return nil
}

func (s *Simulator) vehicleInfo() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.verifyConnection(); err != nil {
		return nil, err
	}
	if s.vehicle == nil {
		return nil, ErrVehicleInfoUnavailable
	}
	info := *s.vehicle
	return info, nil
}

func (s *Simulator) parameters() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.verifyConnection(); err != nil {
		return nil, err
	}
	out := make([]protocol.Parameter, 0, len(s.params))
	for _, p := range s.params {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Simulator) setParameter(args json.RawMessage) error {
	var req protocol.SetParameterArgs
	if err := decodeArgs(args, &req); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.verifyConnection(); err != nil {
		return err
	}
	p, ok := s.params[req.ParamID]
	if !ok {
		return fmt.Errorf("Parameter %s not found", req.ParamID)
	}
	if p.MinValue != nil && req.Value < *p.MinValue {
		return fmt.Errorf("Value %g is below minimum %g", req.Value, *p.MinValue)
	}
	if p.MaxValue != nil && req.Value > *p.MaxValue {
		return fmt.Errorf("Value %g is above maximum %g", req.Value, *p.MaxValue)
	}
	p.Value = req.Value
	return nil
}

func (s *Simulator) setThrottle(args json.RawMessage) error {
	var req protocol.ThrottleArgs
	if err := decodeArgs(args, &req); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.verifyConnection(); err != nil {
		return err
	}
	if req.MotorID < 1 || req.MotorID > s.motors {
		return fmt.Errorf("Invalid motor ID (must be 1-%d)", s.motors)
	}
	if req.Throttle < 0 || req.Throttle > 1 {
		return fmt.Errorf("Invalid throttle %g (must be 0-1)", req.Throttle)
	}
	s.throttles[req.MotorID-1] = req.Throttle
	return nil
}

func (s *Simulator) testMotor(ctx context.Context, args json.RawMessage) error {
	var req protocol.TestMotorArgs
	if err := decodeArgs(args, &req); err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.verifyConnection(); err != nil {
		s.mu.Unlock()
		return err
	}
	switch {
	case req.MotorID < 1 || req.MotorID > maxTestMotor:
		s.mu.Unlock()
		return ErrTestMotorID
	case req.Throttle < 0 || req.Throttle > maxTestThrottle:
		s.mu.Unlock()
		return ErrTestThrottle
	case req.DurationMs < 0 || req.DurationMs > maxTestDuration:
		s.mu.Unlock()
		return ErrTestDuration
	case s.testActive:
		s.mu.Unlock()
		return ErrTestInProgress
	}
	s.testActive = true
	abort := s.testAbort
	if req.MotorID <= s.motors {
		s.throttles[req.MotorID-1] = float64(req.Throttle) / 100
	}
	s.mu.Unlock()

	timer := time.NewTimer(time.Duration(req.DurationMs) * time.Millisecond)
	defer timer.Stop()

	var err error
	select {
	case <-timer.C:
	case <-abort:
		err = ErrTestAborted
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	s.testActive = false
	if req.MotorID <= s.motors {
		s.throttles[req.MotorID-1] = 0
	}
	s.mu.Unlock()
	return err
}

// emergencyStop never fails and never checks the connection.
func (s *Simulator) emergencyStop() error {
	start := time.Now()

	s.mu.Lock()
	for i := range s.throttles {
		s.throttles[i] = 0
	}
	s.emergencyStops++
	s.lastStop = s.now()
	if s.testActive {
		close(s.testAbort)
		s.testAbort = make(chan struct{})
	}
	s.mu.Unlock()

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		s.log.Warn("Emergency stop exceeded latency budget", "elapsed", elapsed)
	}
	return nil
}

// loadDefaultParameters must be called with mu held.
func (s *Simulator) loadDefaultParameters() {
	f := func(v float64) *float64 { return &v }
	for _, p := range []protocol.Parameter{
		{ID: "ARMING_CHECK", Value: 1, ParamType: "INT32", Description: "Arming check bitmask", MinValue: f(0), MaxValue: f(65535)},
		{ID: "THR_MIN", Value: 130, ParamType: "INT16", Description: "Minimum throttle PWM", MinValue: f(0), MaxValue: f(1000), Units: "PWM"},
		{ID: "ANGLE_MAX", Value: 4500, ParamType: "INT16", Description: "Maximum lean angle", MinValue: f(1000), MaxValue: f(8000), Units: "centidegrees"},
		{ID: "BATT_CAPACITY", Value: 5000, ParamType: "INT32", Description: "Battery capacity", MinValue: f(0), MaxValue: f(50000), Units: "mAh"},
	} {
		p := p
		s.params[p.ID] = &p
	}
}

// Personal.AI order the ending
