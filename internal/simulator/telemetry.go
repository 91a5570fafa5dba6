package simulator

import "github.com/turtacn/Kestrel/pkg/protocol"

const (
	maxRPM         = 12000.0
	idleCurrent    = 0.4
	fullCurrent    = 24.0
	ambientCelsius = 25.0
	fullLoadRise   = 35.0
)

// Fault overrides the modelled telemetry of one motor. Zero fields keep the
// modelled value.
type Fault struct {
	Temperature float64
	Current     float64
	Stalled     bool
}

// InjectFault sets a fault on a 1-based motor.
func (s *Simulator) InjectFault(motorID int, f Fault) {
	s.mu.Lock()
	s.faults[motorID] = f
	s.mu.Unlock()
}

// ClearFaults removes every injected fault.
func (s *Simulator) ClearFaults() {
	s.mu.Lock()
	s.faults = make(map[int]Fault)
	s.mu.Unlock()
}

func (s *Simulator) telemetry() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.verifyConnection(); err != nil {
		return nil, err
	}

	report := protocol.TelemetryReport{Motors: make([]protocol.MotorTelemetry, s.motors)}
	for i, th := range s.throttles {
		m := protocol.MotorTelemetry{
			ID:          i + 1,
			RPM:         th * maxRPM,
			Current:     idleCurrent + th*(fullCurrent-idleCurrent),
			Temperature: ambientCelsius + th*fullLoadRise,
		}
		if th == 0 {
			m.Current = 0
		}
		if f, ok := s.faults[i+1]; ok {
			if f.Stalled {
				m.RPM = 0
			}
			if f.Current > 0 {
				m.Current = f.Current
			}
			if f.Temperature > 0 {
				m.Temperature = f.Temperature
			}
		}
		report.Motors[i] = m
	}
	return report, nil
}

// Personal.AI order the ending
