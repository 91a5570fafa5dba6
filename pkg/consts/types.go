package consts

import "time"

// Stage is the motor test safety stage. Stages are ordered; each one raises
// the throttle ceiling by a quarter.
type Stage int

const (
	StageLocked Stage = iota
	Stage1            // <= 25%
	Stage2            // <= 50%
	Stage3            // <= 75%
	Stage4            // <= 100%
)

// MaxStage is the highest stage reachable by progression.
const MaxStage = Stage4

var stageNames = [...]string{"LOCKED", "STAGE_1", "STAGE_2", "STAGE_3", "STAGE_4"}

func (s Stage) String() string {
	if s < StageLocked || s > MaxStage {
		return "UNKNOWN"
	}
	return stageNames[s]
}

// Ceiling is the maximum throttle fraction permitted in the stage.
func (s Stage) Ceiling() float64 {
	if s <= StageLocked || s > MaxStage {
		return 0
	}
	return float64(s) * 0.25
}

// ParseStage maps "LOCKED", "STAGE_n" or "n" onto a Stage.
func ParseStage(v string) (Stage, bool) {
	for i, n := range stageNames {
		if v == n {
			return Stage(i), true
		}
	}
	if len(v) == 1 && v[0] >= '0' && v[0] <= '4' {
		return Stage(v[0] - '0'), true
	}
	return StageLocked, false
}

// ConnectionStatus is the canonical link state between the console and the vehicle.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// Backend commands.
const (
	CmdHealthCheck      = "health_check"
	CmdConnectDrone     = "connect_drone"
	CmdDisconnectDrone  = "disconnect_drone"
	CmdGetVehicleInfo   = "get_vehicle_info"
	CmdGetParameters    = "get_drone_parameters"
	CmdSetParameter     = "set_drone_parameter"
	CmdSetMotorThrottle = "set_motor_throttle"
	CmdTestMotor        = "test_motor"
	CmdEmergencyStop    = "emergency_stop_motors"
	CmdGetMotorTelem    = "get_motor_telemetry"
)

// Backend events.
const (
	EventConnectionStatus = "connection_status"
	EventMavlinkMessage   = "mavlink_message"
)

// Circuit breaker categories.
const (
	CategoryMotor      = "motor"
	CategoryConnection = "connection"
	CategoryTelemetry  = "telemetry"
)

// Defaults
const (
	DefaultInvokeTimeout     = 30 * time.Second
	DefaultRetryDelay        = 1 * time.Second
	DefaultHealthTimeout     = 5 * time.Second
	DefaultFailureThreshold  = 5
	DefaultRecoveryTimeout   = 30 * time.Second
	DefaultMaxListenerErrors = 10
	DefaultListenerCooldown  = 5 * time.Second
	DefaultListenerNotifyMax = 3

	DefaultMotorCount        = 4
	DefaultInactivityTimeout = 10 * time.Second
	DefaultArmHold           = 3 * time.Second
	DefaultPatternThrottle   = 0.10
	DefaultPatternStep       = 2 * time.Second
	DefaultPatternPause      = 500 * time.Millisecond
	DefaultTelemetryInterval = 500 * time.Millisecond
	DefaultOverheatCelsius   = 80.0
	DefaultOvercurrentAmps   = 30.0
	DefaultHeartbeatTimeout  = 5 * time.Second
)

// EscapeKey is the global key binding for emergency stop.
const EscapeKey = "Escape"

// Personal.AI order the ending
