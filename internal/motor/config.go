package motor

import (
	"time"

	"github.com/turtacn/Kestrel/pkg/consts"
	"github.com/turtacn/Kestrel/pkg/protocol"
)

// Config tunes a Session. Zero durations fall back to the defaults, except
// ArmHold where zero disables the hold gesture.
type Config struct {
	Motors            int
	InactivityTimeout time.Duration
	ArmHold           time.Duration

	ThrottleRetries    int
	ThrottleRetryDelay time.Duration
	ThrottleTimeout    time.Duration
	// StopTimeout bounds the fire-and-forget stop commands.
	StopTimeout time.Duration

	PatternThrottle float64
	PatternStep     time.Duration
	PatternPause    time.Duration

	TelemetryInterval time.Duration
	OverheatCelsius   float64
	OvercurrentAmps   float64
	// WarnEvery rate limits repeated telemetry notifications per motor.
	WarnEvery time.Duration
}

// DefaultConfig returns the stock safety parameters.
func DefaultConfig() Config {
	return Config{
		Motors:             consts.DefaultMotorCount,
		InactivityTimeout:  consts.DefaultInactivityTimeout,
		ArmHold:            consts.DefaultArmHold,
		ThrottleRetries:    1,
		ThrottleRetryDelay: 200 * time.Millisecond,
		ThrottleTimeout:    2 * time.Second,
		StopTimeout:        2 * time.Second,
		PatternThrottle:    consts.DefaultPatternThrottle,
		PatternStep:        consts.DefaultPatternStep,
		PatternPause:       consts.DefaultPatternPause,
		TelemetryInterval:  consts.DefaultTelemetryInterval,
		OverheatCelsius:    consts.DefaultOverheatCelsius,
		OvercurrentAmps:    consts.DefaultOvercurrentAmps,
		WarnEvery:          5 * time.Second,
	}
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c protocol.MotorConfig) Config {
	d := DefaultConfig()
	if c.Count > 0 {
		d.Motors = c.Count
	}
	d.InactivityTimeout = protocol.DurationOr(c.InactivityTimeout, d.InactivityTimeout)
	d.ArmHold = protocol.DurationOr(c.ArmHold, d.ArmHold)
	if c.ThrottleRetries > 0 {
		d.ThrottleRetries = c.ThrottleRetries
	}
	d.ThrottleTimeout = protocol.DurationOr(c.ThrottleTimeout, d.ThrottleTimeout)
	if c.Pattern.Throttle > 0 {
		d.PatternThrottle = c.Pattern.Throttle
	}
	d.PatternStep = protocol.DurationOr(c.Pattern.Step, d.PatternStep)
	d.PatternPause = protocol.DurationOr(c.Pattern.Pause, d.PatternPause)
	d.TelemetryInterval = protocol.DurationOr(c.Telemetry.Interval, d.TelemetryInterval)
	if c.Telemetry.OverheatCelsius > 0 {
		d.OverheatCelsius = c.Telemetry.OverheatCelsius
	}
	if c.Telemetry.OvercurrentAmps > 0 {
		d.OvercurrentAmps = c.Telemetry.OvercurrentAmps
	}
	d.WarnEvery = protocol.DurationOr(c.Telemetry.WarnEvery, d.WarnEvery)
	return d
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Motors <= 0 {
		c.Motors = d.Motors
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = d.InactivityTimeout
	}
	if c.ArmHold < 0 {
		c.ArmHold = 0
	}
	if c.ThrottleRetries < 0 {
		c.ThrottleRetries = 0
	}
	if c.ThrottleTimeout <= 0 {
		c.ThrottleTimeout = d.ThrottleTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.PatternThrottle <= 0 || c.PatternThrottle > 1 {
		c.PatternThrottle = d.PatternThrottle
	}
	if c.PatternStep <= 0 {
		c.PatternStep = d.PatternStep
	}
	if c.PatternPause < 0 {
		c.PatternPause = 0
	}
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = d.TelemetryInterval
	}
	if c.OverheatCelsius <= 0 {
		c.OverheatCelsius = d.OverheatCelsius
	}
	if c.OvercurrentAmps <= 0 {
		c.OvercurrentAmps = d.OvercurrentAmps
	}
	if c.WarnEvery <= 0 {
		c.WarnEvery = d.WarnEvery
	}
}

// Personal.AI order the ending
