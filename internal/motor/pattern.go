package motor

import (
	"context"
	"fmt"
	"time"

	"github.com/turtacn/Kestrel/internal/notify"
	kerrors "github.com/turtacn/Kestrel/pkg/errors"
)

// Pattern is a scripted motor test.
type Pattern string

const (
	// PatternDirection spins each motor in turn at the pattern throttle.
	PatternDirection Pattern = "direction"
	// PatternRamp ramps each motor in turn up to the pattern throttle.
	PatternRamp Pattern = "ramp"
)

const rampSteps = 4

// RunPattern runs p on the selected motors (all when none are selected),
// one motor at a time with a pause in between. Any safety reset aborts the
// rest of the sequence.
func (s *Session) RunPattern(ctx context.Context, p Pattern) error {
	if p != PatternDirection && p != PatternRamp {
		return kerrors.New(kerrors.ErrCodeInvalidArgument, "RunPattern", fmt.Sprintf("unknown pattern %q", p), nil)
	}

	s.mu.Lock()
	if s.patternRunning {
		s.mu.Unlock()
		return kerrors.New(kerrors.ErrCodeInvalidArgument, "RunPattern", "a test pattern is already running", nil)
	}
	s.patternRunning = true
	epoch := s.epoch
	abort := s.abort
	ids := s.targetsLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.patternRunning = false
		s.mu.Unlock()
	}()

	s.log.Info("Test pattern started", "pattern", p, "motors", ids)
	percent := s.cfg.PatternThrottle * 100

	for i, id := range ids {
		if i > 0 {
			if err := s.wait(ctx, abort, s.cfg.PatternPause); err != nil {
				return s.patternAborted(ctx, p, id, err)
			}
		}
		if err := s.checkEpoch(epoch); err != nil {
			return s.patternAborted(ctx, p, id, err)
		}

		switch p {
		case PatternDirection:
			if _, err := s.SetThrottle(ctx, id, percent); err != nil {
				return s.patternAborted(ctx, p, id, err)
			}
			if err := s.wait(ctx, abort, s.cfg.PatternStep); err != nil {
				return s.patternAborted(ctx, p, id, err)
			}
		case PatternRamp:
			step := s.cfg.PatternStep / rampSteps
			for k := 1; k <= rampSteps; k++ {
				if err := s.checkEpoch(epoch); err != nil {
					return s.patternAborted(ctx, p, id, err)
				}
				if _, err := s.SetThrottle(ctx, id, percent*float64(k)/rampSteps); err != nil {
					return s.patternAborted(ctx, p, id, err)
				}
				if err := s.wait(ctx, abort, step); err != nil {
					return s.patternAborted(ctx, p, id, err)
				}
			}
		}

		if err := s.checkEpoch(epoch); err != nil {
			return s.patternAborted(ctx, p, id, err)
		}
		if _, err := s.SetThrottle(ctx, id, 0); err != nil {
			return s.patternAborted(ctx, p, id, err)
		}
	}

	s.log.Info("Test pattern finished", "pattern", p)
	notify.Send(s.notifier, notify.Success, "Test pattern complete", fmt.Sprintf("%s test finished on %d motors", p, len(ids)))
	return nil
}

func (s *Session) checkEpoch(epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return kerrors.New(kerrors.ErrCodeEmergencyStopped, "RunPattern", "aborted by a safety reset", nil)
	}
	return nil
}

// wait sleeps for d unless ctx ends or the session is reset.
func (s *Session) wait(ctx context.Context, abort <-chan struct{}, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-abort:
		return kerrors.New(kerrors.ErrCodeEmergencyStopped, "RunPattern", "aborted by a safety reset", nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// patternAborted zeroes the current motor when the session is still armed
// and reports why the pattern stopped.
func (s *Session) patternAborted(ctx context.Context, p Pattern, motorID int, cause error) error {
	s.log.Warn("Test pattern aborted", "pattern", p, "motor", motorID, "err", cause)
	switch kerrors.CodeOf(cause) {
	case kerrors.ErrCodeEmergencyStopped, kerrors.ErrCodeStageViolation,
		kerrors.ErrCodeConnectionLost, kerrors.ErrCodeSafetyPreconditionUnmet:
		// Already locked; nothing is spinning.
	default:
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StopTimeout)
		defer cancel()
		_, _ = s.SetThrottle(stopCtx, motorID, 0)
	}
	notify.Send(s.notifier, notify.Warning, "Test pattern aborted", fmt.Sprintf("%s test stopped at motor %d", p, motorID))
	return cause
}

// Personal.AI order the ending
