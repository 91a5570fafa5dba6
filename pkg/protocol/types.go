package protocol

import "encoding/json"

// VehicleInfo describes the flight controller reported on connect.
type VehicleInfo struct {
	SystemID        uint8    `json:"systemId"`
	ComponentID     uint8    `json:"componentId"`
	AutopilotType   string   `json:"autopilotType"`
	VehicleType     string   `json:"vehicleType"`
	FirmwareVersion string   `json:"firmwareVersion"`
	Capabilities    []string `json:"capabilities"`
	Armed           bool     `json:"armed"`
	FlightMode      string   `json:"flightMode"`
}

// ConnectRequest is the argument shape of connect_drone.
type ConnectRequest struct {
	ConnectionString  string `json:"connectionString" yaml:"connection_string"`
	BaudRate          int    `json:"baudRate" yaml:"baud_rate"`
	SystemID          int    `json:"systemId" yaml:"system_id"`
	ComponentID       int    `json:"componentId" yaml:"component_id"`
	HeartbeatInterval int    `json:"heartbeatInterval" yaml:"heartbeat_interval"` // milliseconds
}

// Args converts the request into an invoke argument map.
func (r ConnectRequest) Args() map[string]any {
	return map[string]any{
		"connectionString":  r.ConnectionString,
		"baudRate":          r.BaudRate,
		"systemId":          r.SystemID,
		"componentId":       r.ComponentID,
		"heartbeatInterval": r.HeartbeatInterval,
	}
}

// ConnectResult is returned by connect_drone.
type ConnectResult struct {
	Success     bool         `json:"success"`
	VehicleInfo *VehicleInfo `json:"vehicleInfo,omitempty"`
}

// ThrottleArgs is the argument shape of set_motor_throttle. Throttle is a 0..1 fraction.
type ThrottleArgs struct {
	MotorID  int     `json:"motorId"`
	Throttle float64 `json:"throttle"`
}

// TestMotorArgs is the argument shape of test_motor.
type TestMotorArgs struct {
	MotorID    int `json:"motorId"`
	Throttle   int `json:"throttle"` // percent
	DurationMs int `json:"durationMs"`
}

// MotorTelemetry is one motor's entry in get_motor_telemetry.
type MotorTelemetry struct {
	ID          int     `json:"id"`
	RPM         float64 `json:"rpm"`
	Current     float64 `json:"current"`
	Temperature float64 `json:"temperature"`
}

// TelemetryReport is returned by get_motor_telemetry.
type TelemetryReport struct {
	Motors []MotorTelemetry `json:"motors"`
}

// Parameter is a flight controller parameter.
type Parameter struct {
	ID          string   `json:"id"`
	Value       float64  `json:"value"`
	ParamType   string   `json:"paramType"`
	Description string   `json:"description,omitempty"`
	MinValue    *float64 `json:"minValue,omitempty"`
	MaxValue    *float64 `json:"maxValue,omitempty"`
	Units       string   `json:"units,omitempty"`
}

// SetParameterArgs is the argument shape of set_drone_parameter.
type SetParameterArgs struct {
	ParamID string  `json:"paramId"`
	Value   float64 `json:"value"`
}

// ConnectionStatusEvent is the payload of the connection_status event.
type ConnectionStatusEvent struct {
	Status      string       `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	VehicleInfo *VehicleInfo `json:"vehicleInfo,omitempty"`
}

// MavlinkMessage is the payload of the mavlink_message event.
type MavlinkMessage struct {
	Type        string          `json:"type"`
	SystemID    int             `json:"systemId"`
	ComponentID int             `json:"componentId"`
	Timestamp   int64           `json:"timestamp"` // unix millis
	Fields      json.RawMessage `json:"fields,omitempty"`
}

// MessageHeartbeat is the MavlinkMessage type used for liveness.
const MessageHeartbeat = "HEARTBEAT"

// HealthReport is returned by health_check.
type HealthReport struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// Personal.AI order the ending
