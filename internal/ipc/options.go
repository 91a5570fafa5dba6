package ipc

import (
	"strings"
	"time"

	"github.com/turtacn/Kestrel/pkg/consts"
	"github.com/turtacn/Kestrel/pkg/protocol"
)

// Config holds the runtime-wide defaults.
type Config struct {
	DefaultTimeout    time.Duration
	DefaultRetryDelay time.Duration
	HealthTimeout     time.Duration
	Breaker           BreakerConfig
	Listener          ListenerConfig
}

// BreakerConfig is shared by every category breaker.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// ListenerConfig holds the default auto-disable policy for event handlers.
type ListenerConfig struct {
	MaxErrorsBeforeDisable int
	ErrorCooldown          time.Duration
	// NotifyThreshold caps per-error notifications for one handler.
	NotifyThreshold int
}

// DefaultConfig returns the stock runtime configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:    consts.DefaultInvokeTimeout,
		DefaultRetryDelay: consts.DefaultRetryDelay,
		HealthTimeout:     consts.DefaultHealthTimeout,
		Breaker: BreakerConfig{
			FailureThreshold: consts.DefaultFailureThreshold,
			RecoveryTimeout:  consts.DefaultRecoveryTimeout,
		},
		Listener: ListenerConfig{
			MaxErrorsBeforeDisable: consts.DefaultMaxListenerErrors,
			ErrorCooldown:          consts.DefaultListenerCooldown,
			NotifyThreshold:        consts.DefaultListenerNotifyMax,
		},
	}
}

// ConfigFrom converts the YAML section into a runtime Config.
func ConfigFrom(c protocol.IPCConfig) Config {
	d := DefaultConfig()
	d.DefaultTimeout = protocol.DurationOr(c.DefaultTimeout, d.DefaultTimeout)
	d.DefaultRetryDelay = protocol.DurationOr(c.DefaultRetryDelay, d.DefaultRetryDelay)
	d.HealthTimeout = protocol.DurationOr(c.HealthTimeout, d.HealthTimeout)
	if c.Breaker.FailureThreshold > 0 {
		d.Breaker.FailureThreshold = c.Breaker.FailureThreshold
	}
	d.Breaker.RecoveryTimeout = protocol.DurationOr(c.Breaker.RecoveryTimeout, d.Breaker.RecoveryTimeout)
	if c.Listener.MaxErrorsBeforeDisable > 0 {
		d.Listener.MaxErrorsBeforeDisable = c.Listener.MaxErrorsBeforeDisable
	}
	if c.Listener.NotifyThreshold > 0 {
		d.Listener.NotifyThreshold = c.Listener.NotifyThreshold
	}
	d.Listener.ErrorCooldown = protocol.DurationOr(c.Listener.ErrorCooldown, d.Listener.ErrorCooldown)
	return d
}

// Options controls a single invoke.
type Options struct {
	// Notify surfaces the final failure (and a recovery) to the user.
	Notify bool
	// Title overrides the notification title derived from the command name.
	Title string
	// RetryAttempts is the number of retries after the first attempt.
	RetryAttempts int
	RetryDelay    time.Duration
	// Backoff multiplies RetryDelay after every retry. Values <= 1 keep it constant.
	Backoff float64
	// Timeout bounds every individual attempt.
	Timeout time.Duration
	// Quiet suppresses failure logging.
	Quiet bool
}

// Option mutates Options.
type Option func(*Options)

// WithRetry sets the retry budget and the delay between attempts.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(o *Options) {
		if attempts < 0 {
			attempts = 0
		}
		o.RetryAttempts = attempts
		o.RetryDelay = delay
	}
}

// WithBackoff sets the retry delay multiplier.
func WithBackoff(factor float64) Option {
	return func(o *Options) { o.Backoff = factor }
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithTitle sets the notification title.
func WithTitle(title string) Option {
	return func(o *Options) { o.Title = title }
}

// WithoutNotification disables user notifications for the call.
func WithoutNotification() Option {
	return func(o *Options) { o.Notify = false }
}

// WithNotification re-enables notifications, e.g. over a batch-wide WithoutNotification.
func WithNotification() Option {
	return func(o *Options) { o.Notify = true }
}

// Quietly suppresses failure logging for the call.
func Quietly() Option {
	return func(o *Options) { o.Quiet = true }
}

func (rt *Runtime) resolve(opts []Option) Options {
	o := Options{
		Notify:     true,
		RetryDelay: rt.cfg.DefaultRetryDelay,
		Timeout:    rt.cfg.DefaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.Timeout <= 0 {
		o.Timeout = rt.cfg.DefaultTimeout
	}
	return o
}

// humanize turns "set_motor_throttle" into "Set motor throttle".
func humanize(command string) string {
	s := strings.ReplaceAll(command, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (o Options) failureTitle(command string) string {
	if o.Title != "" {
		return o.Title
	}
	return humanize(command) + " failed"
}

// Personal.AI order the ending
