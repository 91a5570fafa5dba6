package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/Kestrel/internal/audit"
	"github.com/turtacn/Kestrel/internal/console"
	"github.com/turtacn/Kestrel/internal/control"
	"github.com/turtacn/Kestrel/internal/link"
	"github.com/turtacn/Kestrel/internal/motor"
	"github.com/turtacn/Kestrel/pkg/consts"
	kerrors "github.com/turtacn/Kestrel/pkg/errors"
	"github.com/turtacn/Kestrel/pkg/logger"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func openConsole(ctx context.Context) (*console.Console, error) {
	return console.New(ctx, cfg, console.WithLogger(logger.Log))
}

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Serve a simulated flight controller backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()
		return console.ServeSimulator(ctx, cfg.Simulator, logger.Log)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the backend answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openConsole(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		h := c.Runtime().CheckBackendHealth(cmd.Context())
		if !h.Healthy {
			fmt.Fprintf(cmd.OutOrStdout(), "unhealthy latency=%s error=%q\n", h.Latency, h.Error)
			return kerrors.New(kerrors.ErrCodeBackendError, "health", "backend is unhealthy", nil)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "healthy latency=%s\n", h.Latency)
		return nil
	},
}

var estopCmd = &cobra.Command{
	Use:   "estop",
	Short: "Stop every motor now",
	RunE: func(cmd *cobra.Command, args []string) error {
		if path := cfg.Control.Socket; path != "" {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
			resp, err := control.Send(ctx, path, control.Request{Op: control.OpEmergencyStop})
			cancel()
			if err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "emergency stop sent to running console (stage %s)\n", resp.Stage)
				return nil
			}
			logger.Log.Warn("Running console unreachable, stopping through the backend", "err", err)
		}

		c, err := openConsole(cmd.Context())
		if err != nil {
			return err
		}
		c.Session().EmergencyStop(motor.ReasonOperator)
		// Close waits for the stop commands to be acknowledged or time out.
		if err := c.Close(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "emergency stop sent")
		return nil
	},
}

var motorTestFlags struct {
	stage      int
	motors     []int
	throttle   float64
	duration   time.Duration
	pattern    string
	propsOff   bool
	connection string
}

var motorTestCmd = &cobra.Command{
	Use:   "motor-test",
	Short: "Run a staged motor test",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := motorTestFlags
		if !f.propsOff {
			return kerrors.New(kerrors.ErrCodeSafetyPreconditionUnmet, "motor-test",
				"confirm propellers are removed with --propellers-removed", nil)
		}
		if f.stage < int(consts.Stage1) || f.stage > int(consts.MaxStage) {
			return kerrors.New(kerrors.ErrCodeInvalidArgument, "motor-test", "stage must be 1-4", nil)
		}

		ctx, stop := signalContext(cmd)
		defer stop()
		c, err := openConsole(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		req := cfg.Link.Connect
		if f.connection != "" {
			req.ConnectionString = f.connection
		}
		if err := c.Link().ConnectWith(ctx, req); err != nil {
			return err
		}
		defer func() { _ = c.Link().Disconnect(context.WithoutCancel(ctx)) }()

		s := c.Session()
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				s.EmergencyStop(motor.ReasonSignal)
			case <-done:
			}
		}()
		s.ConfirmPropellersRemoved(true)
		if err := s.SelectMotors(f.motors...); err != nil {
			return err
		}
		if err := armTo(ctx, cmd, s, consts.Stage(f.stage)); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if f.pattern != "" {
			fmt.Fprintf(out, "running %s pattern\n", f.pattern)
			return s.RunPattern(ctx, motor.Pattern(f.pattern))
		}
		if err := s.SetSelectedThrottle(ctx, f.throttle); err != nil {
			return err
		}
		snap := s.Snapshot()
		fmt.Fprintf(out, "%s throttles=%v for %s\n", snap.Stage, snap.Throttles, f.duration)
		select {
		case <-ctx.Done():
		case <-time.After(f.duration):
		}
		s.EmergencyStop(motor.ReasonOperator)
		fmt.Fprintln(out, "motors stopped")
		return nil
	},
}

// armTo walks the session up to target, holding the arm gesture when needed.
func armTo(ctx context.Context, cmd *cobra.Command, s *motor.Session, target consts.Stage) error {
	for st := consts.Stage1; st <= target; st++ {
		if st == consts.Stage1 && motor.ConfigFrom(cfg.Motor).ArmHold > 0 {
			h, err := s.BeginHold(st)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "holding to arm %s\n", st)
			if err := h.Wait(ctx); err != nil {
				h.Release()
				return err
			}
			continue
		}
		if err := s.Advance(st); err != nil {
			return err
		}
	}
	return nil
}

var watchConnect bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print connection changes and notifications until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()
		c, err := openConsole(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		out := cmd.OutOrStdout()
		unsub := c.Link().Subscribe(func(ch link.Change) {
			fmt.Fprintf(out, "%s link %s -> %s (%s)\n", ch.At.Format(time.RFC3339), ch.From, ch.To, ch.Reason)
		})
		defer unsub()
		notes := c.Notifications().Watch(64)
		go func() {
			for n := range notes {
				fmt.Fprintln(out, n.String())
			}
		}()

		if watchConnect {
			if err := c.Link().Connect(ctx); err != nil {
				return err
			}
		}
		return c.Run(ctx)
	},
}

var journalLimit int

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Print the safety audit journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Audit.Path == "" {
			return kerrors.New(kerrors.ErrCodeConfigInvalid, "journal", "audit.path is not configured", nil)
		}
		j, err := audit.Open(audit.Config{Path: cfg.Audit.Path, Logger: logger.Log})
		if err != nil {
			return err
		}
		defer j.Close()

		entries, err := j.Entries(journalLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, e := range entries {
			fmt.Fprintf(out, "%d %s %s", e.Seq, e.Time.Format(time.RFC3339), e.Kind)
			if e.From != "" || e.To != "" {
				fmt.Fprintf(out, " %s->%s", e.From, e.To)
			}
			if e.Motor != 0 {
				fmt.Fprintf(out, " motor=%d", e.Motor)
			}
			if e.Reason != "" {
				fmt.Fprintf(out, " reason=%q", e.Reason)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

func init() {
	mf := motorTestCmd.Flags()
	mf.IntVar(&motorTestFlags.stage, "stage", 1, "highest stage to arm (1-4)")
	mf.IntSliceVar(&motorTestFlags.motors, "motor", nil, "motor IDs to drive (default all)")
	mf.Float64Var(&motorTestFlags.throttle, "throttle", 5, "throttle percent, clamped to the stage ceiling")
	mf.DurationVar(&motorTestFlags.duration, "duration", 2*time.Second, "how long to hold the throttle")
	mf.StringVar(&motorTestFlags.pattern, "pattern", "", "run a test pattern instead (direction|ramp)")
	mf.BoolVar(&motorTestFlags.propsOff, "propellers-removed", false, "confirm all propellers are removed")
	mf.StringVar(&motorTestFlags.connection, "connection", "", "vehicle connection string (overrides config)")

	watchCmd.Flags().BoolVar(&watchConnect, "connect", false, "connect to the vehicle first")
	journalCmd.Flags().IntVar(&journalLimit, "limit", 50, "number of most recent entries, 0 for all")
}

// Personal.AI order the ending
