package protocol

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/turtacn/Kestrel/pkg/consts"
	kerrors "github.com/turtacn/Kestrel/pkg/errors"
)

// Config represents the root configuration of a Kestrel console.
type Config struct {
	Version       string              `yaml:"version"`
	Backend       BackendConfig       `yaml:"backend"`
	IPC           IPCConfig           `yaml:"ipc"`
	Motor         MotorConfig         `yaml:"motor"`
	Link          LinkConfig          `yaml:"link"`
	Audit         AuditConfig         `yaml:"audit"`
	Simulator     SimulatorConfig     `yaml:"simulator"`
	Control       ControlConfig       `yaml:"control"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type BackendConfig struct {
	URL         string `yaml:"url"`
	DialTimeout string `yaml:"dial_timeout"`
}

type IPCConfig struct {
	DefaultTimeout    string         `yaml:"default_timeout"`
	DefaultRetryDelay string         `yaml:"default_retry_delay"`
	HealthTimeout     string         `yaml:"health_timeout"`
	Breaker           BreakerConfig  `yaml:"breaker"`
	Listener          ListenerConfig `yaml:"listener"`
}

type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	RecoveryTimeout  string `yaml:"recovery_timeout"`
}

type ListenerConfig struct {
	MaxErrorsBeforeDisable int    `yaml:"max_errors_before_disable"`
	ErrorCooldown          string `yaml:"error_cooldown"`
	NotifyThreshold        int    `yaml:"notify_threshold"`
}

type MotorConfig struct {
	Count             int             `yaml:"count"`
	InactivityTimeout string          `yaml:"inactivity_timeout"`
	ArmHold           string          `yaml:"arm_hold"` // "0s" disables the hold gesture
	ThrottleRetries   int             `yaml:"throttle_retries"`
	ThrottleTimeout   string          `yaml:"throttle_timeout"`
	Pattern           PatternConfig   `yaml:"pattern"`
	Telemetry         TelemetryConfig `yaml:"telemetry"`
}

type PatternConfig struct {
	Throttle float64 `yaml:"throttle"` // fraction
	Step     string  `yaml:"step"`
	Pause    string  `yaml:"pause"`
}

type TelemetryConfig struct {
	Interval        string  `yaml:"interval"`
	OverheatCelsius float64 `yaml:"overheat_celsius"`
	OvercurrentAmps float64 `yaml:"overcurrent_amps"`
	WarnEvery       string  `yaml:"warn_every"`
}

type LinkConfig struct {
	HeartbeatTimeout string         `yaml:"heartbeat_timeout"`
	Connect          ConnectRequest `yaml:"connect"`
}

type AuditConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// ControlConfig enables the local control socket of a running console.
type ControlConfig struct {
	Socket string `yaml:"socket"`
}

type SimulatorConfig struct {
	Listen            string `yaml:"listen"`
	Motors            int    `yaml:"motors"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
}

type ObservabilityConfig struct {
	MetricsPort string `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// LoadConfig reads and parses a YAML config file, then applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrCodeConfigInvalid, "LoadConfig", "read config", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML bytes into a Config with defaults applied.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, kerrors.New(kerrors.ErrCodeConfigInvalid, "ParseConfig", "parse config", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Backend.URL == "" {
		c.Backend.URL = "ws://127.0.0.1:7878/ipc"
	}
	if c.IPC.Breaker.FailureThreshold == 0 {
		c.IPC.Breaker.FailureThreshold = consts.DefaultFailureThreshold
	}
	if c.IPC.Listener.MaxErrorsBeforeDisable == 0 {
		c.IPC.Listener.MaxErrorsBeforeDisable = consts.DefaultMaxListenerErrors
	}
	if c.IPC.Listener.NotifyThreshold == 0 {
		c.IPC.Listener.NotifyThreshold = consts.DefaultListenerNotifyMax
	}
	if c.Motor.Count == 0 {
		c.Motor.Count = consts.DefaultMotorCount
	}
	if c.Motor.ArmHold == "" {
		c.Motor.ArmHold = consts.DefaultArmHold.String()
	}
	if c.Motor.Pattern.Throttle == 0 {
		c.Motor.Pattern.Throttle = consts.DefaultPatternThrottle
	}
	if c.Motor.Telemetry.OverheatCelsius == 0 {
		c.Motor.Telemetry.OverheatCelsius = consts.DefaultOverheatCelsius
	}
	if c.Motor.Telemetry.OvercurrentAmps == 0 {
		c.Motor.Telemetry.OvercurrentAmps = consts.DefaultOvercurrentAmps
	}
	if c.Link.Connect.BaudRate == 0 {
		c.Link.Connect.BaudRate = 57600
	}
	if c.Link.Connect.SystemID == 0 {
		c.Link.Connect.SystemID = 255
	}
	if c.Link.Connect.ComponentID == 0 {
		c.Link.Connect.ComponentID = 190
	}
	if c.Link.Connect.HeartbeatInterval == 0 {
		c.Link.Connect.HeartbeatInterval = 1000
	}
	if c.Simulator.Listen == "" {
		c.Simulator.Listen = "127.0.0.1:7878"
	}
	if c.Simulator.Motors == 0 {
		c.Simulator.Motors = c.Motor.Count
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	switch c.Motor.Count {
	case 4, 6, 8:
	default:
		return kerrors.New(kerrors.ErrCodeConfigInvalid, "Validate",
			fmt.Sprintf("motor count must be 4, 6 or 8, got %d", c.Motor.Count), nil)
	}
	if c.Motor.Pattern.Throttle < 0 || c.Motor.Pattern.Throttle > 1 {
		return kerrors.New(kerrors.ErrCodeConfigInvalid, "Validate", "pattern throttle must be a 0..1 fraction", nil)
	}
	if c.Motor.ThrottleRetries < 0 {
		return kerrors.New(kerrors.ErrCodeConfigInvalid, "Validate", "throttle retries must not be negative", nil)
	}
	return nil
}

// DurationOr parses a duration string, returning def when s is empty or invalid.
func DurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// Personal.AI order the ending
