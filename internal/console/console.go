// Package console wires the backend transport, the IPC runtime, the link
// monitor and the motor safety session into one operator console.
package console

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/turtacn/Kestrel/internal/audit"
	"github.com/turtacn/Kestrel/internal/bridge"
	"github.com/turtacn/Kestrel/internal/control"
	"github.com/turtacn/Kestrel/internal/ipc"
	"github.com/turtacn/Kestrel/internal/link"
	"github.com/turtacn/Kestrel/internal/motor"
	"github.com/turtacn/Kestrel/internal/notify"
	kerrors "github.com/turtacn/Kestrel/pkg/errors"
	"github.com/turtacn/Kestrel/pkg/logger"
	"github.com/turtacn/Kestrel/pkg/protocol"
)

// Console is the composition root. Build one with New and release it with Close.
type Console struct {
	cfg     *protocol.Config
	log     logger.Logger
	backend bridge.Backend
	closer  func() error

	notes   *notify.Recorder
	journal *audit.Journal
	rt      *ipc.Runtime
	link    *link.Monitor
	session *motor.Session
}

type options struct {
	backend  bridge.Backend
	notifier notify.Notifier
	log      logger.Logger
}

// Option configures New.
type Option func(*options)

// WithBackend uses b instead of dialing cfg.Backend.URL.
func WithBackend(b bridge.Backend) Option { return func(o *options) { o.backend = b } }

// WithNotifier forwards user notifications to n as well.
func WithNotifier(n notify.Notifier) Option { return func(o *options) { o.notifier = n } }

// WithLogger sets the console's logger.
func WithLogger(l logger.Logger) Option { return func(o *options) { o.log = l } }

// New builds a console from cfg. Without WithBackend it dials the backend
// over WebSocket. A backend that refuses event subscriptions is tolerated:
// the session stays disconnected and the emergency stop still works locally.
func New(ctx context.Context, cfg *protocol.Config, opts ...Option) (*Console, error) {
	o := options{log: logger.Log}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Console{
		cfg:   cfg,
		log:   o.log.With("component", "console"),
		notes: notify.NewRecorder(256),
	}

	c.backend = o.backend
	if c.backend == nil {
		timeout := protocol.DurationOr(cfg.Backend.DialTimeout, 0)
		var copts []bridge.ClientOption
		copts = append(copts, bridge.WithLogger(o.log))
		if timeout > 0 {
			copts = append(copts, bridge.WithHandshakeTimeout(timeout))
		}
		client, err := bridge.Dial(ctx, cfg.Backend.URL, copts...)
		if err != nil {
			return nil, kerrors.New(kerrors.ErrCodeBackendUnavailable, "console.New", "dial "+cfg.Backend.URL, err)
		}
		c.backend = client
		c.closer = client.Close
	}

	if cfg.Audit.InMemory || cfg.Audit.Path != "" {
		j, err := audit.Open(audit.Config{Path: cfg.Audit.Path, InMemory: cfg.Audit.InMemory, Logger: o.log})
		if err != nil {
			c.closeBackend()
			return nil, err
		}
		c.journal = j
	}

	var notifier notify.Notifier = notify.Multi(c.notes, notify.LogNotifier{Log: o.log.With("component", "notify")})
	if o.notifier != nil {
		notifier = notify.Multi(notifier, o.notifier)
	}

	c.rt = ipc.NewRuntime(c.backend, ipc.ConfigFrom(cfg.IPC),
		ipc.WithNotifier(notifier), ipc.WithRuntimeLogger(o.log))
	c.link = link.NewMonitor(c.rt, link.ConfigFrom(cfg.Link),
		link.WithLogger(o.log), link.WithNotifier(notifier))
	if err := c.link.Start(); err != nil {
		c.log.Warn("Link monitor not started", "err", err)
	}

	sopts := []motor.Option{
		motor.WithLogger(o.log),
		motor.WithNotifier(notifier),
		motor.WithConnection(c.link),
	}
	if c.journal != nil {
		sopts = append(sopts, motor.WithJournal(c.journal))
	}
	c.session = motor.NewSession(c.rt, motor.ConfigFrom(cfg.Motor), sopts...)

	c.log.Info("Console ready", "backend", cfg.Backend.URL, "motors", cfg.Motor.Count)
	return c, nil
}

// Runtime returns the IPC runtime.
func (c *Console) Runtime() *ipc.Runtime { return c.rt }

// Link returns the connection monitor.
func (c *Console) Link() *link.Monitor { return c.link }

// Session returns the motor safety session.
func (c *Console) Session() *motor.Session { return c.session }

// Notifications returns the notification history.
func (c *Console) Notifications() *notify.Recorder { return c.notes }

// Journal returns the audit journal, or nil when auditing is off.
func (c *Console) Journal() *audit.Journal { return c.journal }

// HandleSignal reacts to an OS signal. Interrupts and terminations stop
// the motors; it reports whether the console should shut down.
func (c *Console) HandleSignal(sig os.Signal) bool {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM:
		c.log.Warn("Signal received, stopping motors", "signal", sig.String())
		c.session.EmergencyStop(motor.ReasonSignal)
		return true
	}
	return false
}

// HandleControl serves a control socket request.
func (c *Console) HandleControl(_ context.Context, req control.Request) control.Response {
	switch req.Op {
	case control.OpEmergencyStop:
		c.session.EmergencyStop(motor.ReasonRemote)
	case control.OpStatus:
	default:
		return control.Response{Error: "unknown op " + string(req.Op)}
	}
	snap := c.session.Snapshot()
	return control.Response{
		OK:         true,
		Stage:      snap.Stage.String(),
		Connection: string(c.link.Status()),
		Throttles:  snap.Throttles,
	}
}

// Run polls telemetry and serves the control socket, if configured, until
// ctx ends or an interrupt arrives.
func (c *Console) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.session.RunTelemetry(gctx) })
	if path := c.cfg.Control.Socket; path != "" {
		srv, err := control.Listen(path, c.HandleControl, c.log)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		g.Go(func() error { return srv.Serve(gctx) })
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-sigCh:
				if c.HandleSignal(sig) {
					cancel()
					return nil
				}
			}
		}
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close stops the motors and releases every resource.
func (c *Console) Close() error {
	c.session.Close()
	c.link.Close()
	var errs []error
	if c.journal != nil {
		errs = append(errs, c.journal.Close())
	}
	errs = append(errs, c.closeBackend())
	return errors.Join(errs...)
}

func (c *Console) closeBackend() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// Personal.AI order the ending
