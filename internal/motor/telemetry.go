package motor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/turtacn/Kestrel/internal/audit"
	"github.com/turtacn/Kestrel/internal/ipc"
	"github.com/turtacn/Kestrel/internal/monitor"
	"github.com/turtacn/Kestrel/internal/notify"
	"github.com/turtacn/Kestrel/pkg/consts"
	"github.com/turtacn/Kestrel/pkg/protocol"
)

// allowWarnLocked rate limits repeated notifications per motor and kind.
func (s *Session) allowWarnLocked(kind string, motorID int) bool {
	k := kind + "/" + strconv.Itoa(motorID)
	l, ok := s.limiters[k]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.cfg.WarnEvery), 1)
		s.limiters[k] = l
	}
	return l.AllowN(s.now(), 1)
}

// CheckTelemetry applies the thermal and current limits to one report.
// An overheating motor gets an immediate zero-throttle command that skips
// retries and the circuit breaker; overcurrent only warns. Reports are
// ignored while disconnected.
func (s *Session) CheckTelemetry(ctx context.Context, report protocol.TelemetryReport) {
	s.mu.Lock()
	if !s.connected || s.closed {
		s.mu.Unlock()
		return
	}
	s.telemetry = append(s.telemetry[:0], report.Motors...)

	fx := &effects{}
	var cut []protocol.MotorTelemetry
	for _, m := range report.Motors {
		if m.ID < 1 || m.ID > s.cfg.Motors {
			continue
		}
		if m.Temperature >= s.cfg.OverheatCelsius {
			cut = append(cut, m)
			s.throttles[m.ID-1] = 0
			fx.entries = append(fx.entries, audit.Entry{
				Kind:   audit.KindOverheatCut,
				Motor:  m.ID,
				Reason: fmt.Sprintf("%.0f°C", m.Temperature),
			})
			if s.allowWarnLocked("heat", m.ID) {
				fx.note(notify.Error, "Motor overheating",
					fmt.Sprintf("Motor %d overheating: %.0f°C", m.ID, m.Temperature))
			}
		}
		if m.Current >= s.cfg.OvercurrentAmps && s.allowWarnLocked("current", m.ID) {
			fx.note(notify.Warning, "Motor overcurrent",
				fmt.Sprintf("Motor %d drawing %.1fA", m.ID, m.Current))
		}
	}
	s.publishLocked(fx)
	s.mu.Unlock()

	opts := []ipc.Option{ipc.WithRetry(0, 0), ipc.WithTimeout(s.cfg.StopTimeout), ipc.WithoutNotification()}
	for _, m := range cut {
		monitor.OverheatCuts.WithLabelValues(strconv.Itoa(m.ID)).Inc()
		s.log.Error("Motor overheating, throttle cut", "motor", m.ID, "temperature", m.Temperature)
		if _, err := s.rt.Invoke(ctx, consts.CmdSetMotorThrottle, throttleArgs(m.ID, 0), opts...); err != nil {
			s.log.Error("Overheat cut not acknowledged", "motor", m.ID, "err", err)
		}
	}
	s.apply(fx)
}

// PollTelemetry fetches one telemetry report and checks it.
func (s *Session) PollTelemetry(ctx context.Context) error {
	report, err := ipc.ProtectedCall[protocol.TelemetryReport](ctx, s.rt, consts.CmdGetMotorTelem, nil,
		consts.CategoryTelemetry, ipc.WithoutNotification(), ipc.Quietly(), ipc.WithTimeout(s.cfg.TelemetryInterval*4))
	if err != nil {
		return err
	}
	s.CheckTelemetry(ctx, report)
	return nil
}

// RunTelemetry polls telemetry every TelemetryInterval while connected,
// until ctx is done.
func (s *Session) RunTelemetry(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TelemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			connected := s.connected && !s.closed
			s.mu.Unlock()
			if !connected {
				continue
			}
			if err := s.PollTelemetry(ctx); err != nil {
				s.log.Debug("Telemetry poll failed", "err", err)
			}
		}
	}
}

// Personal.AI order the ending
