package motor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Kestrel/internal/audit"
	"github.com/turtacn/Kestrel/internal/ipc"
	"github.com/turtacn/Kestrel/internal/notify"
	"github.com/turtacn/Kestrel/pkg/consts"
	kerrors "github.com/turtacn/Kestrel/pkg/errors"
	"github.com/turtacn/Kestrel/pkg/logger"
)

func TestThrottleIsClampedToStageCeiling(t *testing.T) {
	requests := []float64{0, 0.1, 0.25, 0.3, 0.5, 0.6, 0.75, 0.9, 1}
	for st := consts.Stage1; st <= consts.MaxStage; st++ {
		st := st
		t.Run(st.String(), func(t *testing.T) {
			r := armedRig(t, testConfig(), st)
			for _, v := range requests {
				r.backend.reset()
				sent, err := r.s.SetThrottle(context.Background(), 1, v*100)
				require.NoError(t, err)

				want := v
				if ceiling := float64(st) * 0.25; want > ceiling {
					want = ceiling
				}
				calls := r.backend.throttles()
				require.Len(t, calls, 1)
				assert.InDelta(t, want, calls[0].Throttle, 1e-9, "requested %v", v)
				assert.InDelta(t, want, sent, 1e-9)
				assert.InDelta(t, want, r.s.Snapshot().Throttles[0], 1e-9)
			}
		})
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-0.5, consts.Stage4))
	assert.Equal(t, 1.0, Clamp(7, consts.Stage4))
	assert.Equal(t, 0.0, Clamp(0.5, consts.StageLocked))
	assert.Equal(t, 0.5, Clamp(0.9, consts.Stage2))
}

func TestAdvanceOnlyOneStageAtATime(t *testing.T) {
	r := newRig(t, testConfig())
	r.s.SetConnected(true)
	r.s.ConfirmPropellersRemoved(true)

	err := r.s.Advance(consts.Stage2)
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeStageViolation))
	assert.Equal(t, consts.StageLocked, r.s.Stage())

	require.NoError(t, r.s.Advance(consts.Stage1))

	err = r.s.Advance(consts.Stage3)
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeStageViolation))
	notes := r.rec.Find("Currently at STAGE_1; only STAGE_2 can be selected next")
	require.Len(t, notes, 1)
	assert.Equal(t, notify.Info, notes[0].Severity)

	err = r.s.Advance(consts.Stage1)
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeStageViolation))

	require.NoError(t, r.s.Advance(consts.Stage2))
	require.NoError(t, r.s.Advance(consts.Stage3))
	require.NoError(t, r.s.Advance(consts.Stage4))
	err = r.s.Advance(consts.Stage4 + 1)
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeStageViolation))
	assert.Equal(t, consts.Stage4, r.s.Stage())
	assert.Zero(t, len(r.backend.all()), "stage changes never call the backend")
}

func TestConcurrentAdvanceSucceedsOnce(t *testing.T) {
	r := armedRig(t, testConfig(), consts.Stage1)

	var ok atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if r.s.Advance(consts.Stage2) == nil {
				ok.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, consts.Stage2, r.s.Stage())
}

func TestStageNeverJumps(t *testing.T) {
	r := armedRig(t, testConfig(), consts.StageLocked)
	prev := consts.StageLocked
	r.s.Subscribe(func(s Snapshot) {
		if s.Stage != consts.StageLocked {
			assert.LessOrEqual(t, int(s.Stage), int(prev)+1)
		}
		prev = s.Stage
	})

	seq := []consts.Stage{3, 1, 1, 3, 2, 4, 3, 0, 4, 4}
	for i, target := range seq {
		_ = r.s.Advance(target)
		if i == 7 {
			r.s.EmergencyStop(ReasonOperator)
		}
	}
}

func TestPropellersRequired(t *testing.T) {
	r := newRig(t, testConfig())
	r.s.SetConnected(true)

	err := r.s.Advance(consts.Stage1)
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeSafetyPreconditionUnmet))
	assert.Equal(t, consts.StageLocked, r.s.Stage())
	assert.False(t, r.s.Snapshot().ControlsEnabled)
	assert.Len(t, r.rec.Find("Remove propellers"), 1)

	_, err = r.s.BeginHold(consts.Stage1)
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeSafetyPreconditionUnmet))

	_, err = r.s.SetThrottle(context.Background(), 1, 10)
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeSafetyPreconditionUnmet))
	assert.Empty(t, r.backend.all())
}

func TestWithdrawingPropellerConfirmationLocks(t *testing.T) {
	r := armedRig(t, testConfig(), consts.Stage2)
	_, err := r.s.SetThrottle(context.Background(), 1, 30)
	require.NoError(t, err)

	r.s.ConfirmPropellersRemoved(false)
	snap := r.s.Snapshot()
	assert.Equal(t, consts.StageLocked, snap.Stage)
	assert.Equal(t, []float64{0, 0, 0, 0}, snap.Throttles)
	assert.False(t, snap.ControlsEnabled)
}

func TestLockedRejectsThrottle(t *testing.T) {
	r := armedRig(t, testConfig(), consts.StageLocked)
	_, err := r.s.SetThrottle(context.Background(), 1, 10)
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeStageViolation))
	assert.Empty(t, r.backend.all())

	_, err = r.s.SetThrottle(context.Background(), 9, 10)
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeInvalidArgument))
}

func TestArmHoldGesture(t *testing.T) {
	cfg := testConfig()
	cfg.ArmHold = 60 * time.Millisecond
	r := newRig(t, cfg)
	r.s.SetConnected(true)
	r.s.ConfirmPropellersRemoved(true)

	err := r.s.Advance(consts.Stage1)
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeSafetyPreconditionUnmet))
	assert.Len(t, r.rec.Find("Hold to arm"), 1)

	h, err := r.s.BeginHold(consts.Stage1)
	require.NoError(t, err)
	assert.True(t, r.s.Snapshot().Holding)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, h.Release())
	<-h.Done()
	assert.True(t, kerrors.Is(h.Err(), kerrors.ErrCodeSafetyPreconditionUnmet))
	assert.Equal(t, consts.StageLocked, r.s.Stage())
	assert.False(t, r.s.Snapshot().Holding)
	assert.Len(t, r.rec.Find("Hold to arm"), 2)

	h, err = r.s.BeginHold(consts.Stage1)
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))
	assert.True(t, h.Release(), "release after completion is harmless")
	assert.Equal(t, consts.Stage1, r.s.Stage())
	assert.Equal(t, 1.0, h.Progress())

	// Only leaving LOCKED needs the gesture.
	require.NoError(t, r.s.Advance(consts.Stage2))
}

func TestEmergencyStopAbortsHold(t *testing.T) {
	cfg := testConfig()
	cfg.ArmHold = time.Second
	r := newRig(t, cfg)
	r.s.SetConnected(true)
	r.s.ConfirmPropellersRemoved(true)

	h, err := r.s.BeginHold(consts.Stage1)
	require.NoError(t, err)
	r.s.EmergencyStop(ReasonOperator)

	select {
	case <-h.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("hold not aborted")
	}
	assert.True(t, kerrors.Is(h.Err(), kerrors.ErrCodeEmergencyStopped))
	assert.Equal(t, consts.StageLocked, r.s.Stage())
}

func TestInactivityTimeoutLocks(t *testing.T) {
	cfg := testConfig()
	cfg.InactivityTimeout = 80 * time.Millisecond
	j := openJournal(t)

	r := armedRig(t, cfg, consts.Stage2, WithJournal(j))
	_, err := r.s.SetThrottle(context.Background(), 2, 40)
	require.NoError(t, err)
	assert.False(t, r.s.Snapshot().Deadline.IsZero())

	require.Eventually(t, func() bool { return r.s.Stage() == consts.StageLocked }, time.Second, 5*time.Millisecond)
	snap := r.s.Snapshot()
	assert.Equal(t, []float64{0, 0, 0, 0}, snap.Throttles)
	assert.True(t, snap.Deadline.IsZero())

	notes := r.rec.Find("Stage timeout - reverting to LOCKED")
	require.Len(t, notes, 1)
	assert.Equal(t, notify.Warning, notes[0].Severity)

	// The backend is told to zero every motor.
	require.Eventually(t, func() bool {
		zeros := map[int]bool{}
		for _, c := range r.backend.throttles() {
			if c.Throttle == 0 {
				zeros[c.MotorID] = true
			}
		}
		return len(zeros) == 4
	}, time.Second, 5*time.Millisecond)

	entries, err := j.Entries(0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, audit.KindTimeout, entries[len(entries)-1].Kind)
	assert.Equal(t, "STAGE_2", entries[len(entries)-1].From)
}

func TestThrottleActivityResetsCountdown(t *testing.T) {
	cfg := testConfig()
	cfg.InactivityTimeout = 150 * time.Millisecond
	r := armedRig(t, cfg, consts.Stage1)

	for i := 0; i < 4; i++ {
		time.Sleep(75 * time.Millisecond)
		_, err := r.s.SetThrottle(context.Background(), 1, 5)
		require.NoError(t, err)
	}
	assert.Equal(t, consts.Stage1, r.s.Stage())
	require.Eventually(t, func() bool { return r.s.Stage() == consts.StageLocked }, time.Second, 5*time.Millisecond)
}

func TestEmergencyStopInLockedIsIdempotent(t *testing.T) {
	r := armedRig(t, testConfig(), consts.StageLocked)
	r.s.EmergencyStop(ReasonOperator)
	r.s.EmergencyStop(ReasonOperator)

	snap := r.s.Snapshot()
	assert.Equal(t, consts.StageLocked, snap.Stage)
	assert.Equal(t, []float64{0, 0, 0, 0}, snap.Throttles)
	require.Eventually(t, func() bool {
		return r.backend.count(consts.CmdEmergencyStop) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestEscapeDuringInFlightThrottle(t *testing.T) {
	cfg := testConfig()
	cfg.ThrottleRetries = 2
	r := armedRig(t, cfg, consts.Stage3)

	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	var attempts atomic.Int32
	r.backend.setHook(func(c call) error {
		if c.Command != consts.CmdSetMotorThrottle || c.Throttle == 0 {
			return nil
		}
		n := attempts.Add(1)
		entered <- struct{}{}
		<-release
		if n == 1 {
			return errBackend
		}
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := r.s.SetThrottle(context.Background(), 2, 70)
		done <- err
	}()
	<-entered

	assert.True(t, r.s.HandleKey("Escape"))
	snap := r.s.Snapshot()
	assert.Equal(t, consts.StageLocked, snap.Stage, "lock is immediate")
	assert.Equal(t, []float64{0, 0, 0, 0}, snap.Throttles)

	close(release)
	err := <-done
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeEmergencyStopped))
	assert.Equal(t, []float64{0, 0, 0, 0}, r.s.Snapshot().Throttles)
	assert.Equal(t, consts.StageLocked, r.s.Stage())
	assert.False(t, r.s.HandleKey("Enter"))
}

func TestEscapeCancelsPendingThrottleRetry(t *testing.T) {
	cfg := testConfig()
	cfg.ThrottleRetries = 2
	cfg.ThrottleRetryDelay = 50 * time.Millisecond
	r := armedRig(t, cfg, consts.Stage2)

	failed := make(chan struct{})
	var once sync.Once
	r.backend.setHook(func(c call) error {
		if c.Command == consts.CmdSetMotorThrottle && c.Throttle > 0 {
			once.Do(func() { close(failed) })
			return errBackend
		}
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := r.s.SetThrottle(context.Background(), 1, 50)
		done <- err
	}()
	<-failed
	require.True(t, r.s.HandleKey("Escape"))

	err := <-done
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeEmergencyStopped))
	require.Eventually(t, func() bool {
		return r.backend.count(consts.CmdEmergencyStop) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(3 * cfg.ThrottleRetryDelay)

	last := map[int]float64{}
	nonzero := 0
	for _, c := range r.backend.throttles() {
		last[c.MotorID] = c.Throttle
		if c.Throttle > 0 {
			nonzero++
		}
	}
	assert.Equal(t, 1, nonzero, "the retry never reaches the backend")
	for id := 1; id <= cfg.Motors; id++ {
		assert.Zero(t, last[id], "motor %d", id)
	}
	assert.Zero(t, r.rec.Count(notify.Error), "a stopped throttle is not reported as failed")
}

func TestEmergencyStopBypassesOpenBreaker(t *testing.T) {
	r := armedRig(t, testConfig(), consts.Stage1)
	r.backend.setHook(func(c call) error {
		if c.Command == consts.CmdSetMotorThrottle && c.Throttle > 0 {
			return errBackend
		}
		return nil
	})
	for i := 0; i < 5; i++ {
		_, _ = r.s.SetThrottle(context.Background(), 1, 10)
	}
	require.Equal(t, ipc.CircuitOpen, r.rt.BreakerStats(consts.CategoryMotor).State)
	r.backend.reset()

	r.s.EmergencyStop(ReasonOperator)
	require.Eventually(t, func() bool {
		return r.backend.count(consts.CmdEmergencyStop) == 1 && len(r.backend.throttles()) == 4
	}, time.Second, 5*time.Millisecond)
	for _, c := range r.backend.throttles() {
		assert.Zero(t, c.Throttle)
	}
}

func TestEmergencyStopWithoutBackendStillLocks(t *testing.T) {
	r := armedRig(t, testConfig(), consts.Stage2)
	require.NoError(t, r.lb.Close())

	r.s.EmergencyStop(ReasonOperator)
	assert.Equal(t, consts.StageLocked, r.s.Stage())
	assert.Zero(t, r.rec.Count(notify.Error), "stop never surfaces an error")
	assert.Len(t, r.rec.Find("Emergency stop"), 1)
}

func TestConnectionLossLocks(t *testing.T) {
	conn := &fakeConn{status: consts.StatusConnected}
	r := armedRig(t, testConfig(), consts.Stage3, WithConnection(conn))
	_, err := r.s.SetThrottle(context.Background(), 1, 60)
	require.NoError(t, err)
	r.backend.reset()

	conn.set(consts.StatusDisconnected)
	require.Eventually(t, func() bool {
		return r.backend.count(consts.CmdEmergencyStop) == 1 && len(r.backend.throttles()) == 4
	}, time.Second, 5*time.Millisecond)
	for _, c := range r.backend.throttles() {
		assert.Zero(t, c.Throttle)
	}
	snap := r.s.Snapshot()
	assert.Equal(t, consts.StageLocked, snap.Stage)
	assert.Equal(t, []float64{0, 0, 0, 0}, snap.Throttles)
	assert.False(t, snap.Connected)
	assert.False(t, snap.ControlsEnabled)
	assert.False(t, snap.CanAdvance)

	err = r.s.Advance(consts.Stage1)
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeConnectionLost))
	_, err = r.s.SetThrottle(context.Background(), 1, 10)
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeConnectionLost))

	conn.set(consts.StatusConnected)
	assert.True(t, r.s.Snapshot().ControlsEnabled)
	assert.True(t, r.s.Snapshot().CanAdvance)
	require.NoError(t, r.s.Advance(consts.Stage1))
}

func TestCanAdvanceStopsAtTopStage(t *testing.T) {
	r := armedRig(t, testConfig(), consts.Stage3)
	assert.True(t, r.s.Snapshot().CanAdvance)
	require.NoError(t, r.s.Advance(consts.Stage4))
	snap := r.s.Snapshot()
	assert.True(t, snap.ControlsEnabled)
	assert.False(t, snap.CanAdvance)
}

func TestSelectedThrottle(t *testing.T) {
	r := armedRig(t, testConfig(), consts.Stage1)
	require.NoError(t, r.s.SelectMotors(1, 3))
	assert.Error(t, r.s.SelectMotors(0))

	require.NoError(t, r.s.SetSelectedThrottle(context.Background(), 40))
	assert.Equal(t, []float64{0.25, 0, 0.25, 0}, r.s.Snapshot().Throttles)

	r.backend.setHook(func(c call) error {
		if c.MotorID == 3 {
			return errBackend
		}
		return nil
	})
	err := r.s.SetSelectedThrottle(context.Background(), 10)
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeBackendError))
	assert.Equal(t, []float64{0.1, 0, 0.25, 0}, r.s.Snapshot().Throttles)
	assert.Equal(t, 1, r.rec.Count(notify.Error))
	assert.Len(t, r.rec.Find("Motor 3 did not accept the throttle"), 1)
}

func TestSelectedThrottleFailureNotifiesOnce(t *testing.T) {
	r := armedRig(t, testConfig(), consts.Stage1)
	r.backend.setHook(func(c call) error {
		if c.Command == consts.CmdSetMotorThrottle && c.Throttle > 0 {
			return errBackend
		}
		return nil
	})

	err := r.s.SetSelectedThrottle(context.Background(), 20)
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeBackendError))
	assert.Equal(t, 1, r.rec.Count(notify.Error))
	assert.Len(t, r.rec.Find("Motors 1, 2, 3, 4 did not accept the throttle"), 1)

	require.NoError(t, r.s.SelectMotors())
	assert.Empty(t, r.s.Snapshot().Selected)
}

func TestSubscribe(t *testing.T) {
	r := newRig(t, testConfig())
	var mu sync.Mutex
	var stages []consts.Stage
	unsub := r.s.Subscribe(func(s Snapshot) {
		mu.Lock()
		stages = append(stages, s.Stage)
		mu.Unlock()
	})
	r.s.SetConnected(true)
	r.s.ConfirmPropellersRemoved(true)
	require.NoError(t, r.s.Advance(consts.Stage1))
	r.s.EmergencyStop(ReasonOperator)
	unsub()
	unsub()
	require.NoError(t, r.s.Advance(consts.Stage1))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []consts.Stage{consts.StageLocked, consts.StageLocked, consts.Stage1, consts.StageLocked}, stages)
}

func TestCloseStopsEverything(t *testing.T) {
	r := armedRig(t, testConfig(), consts.Stage2)
	r.s.Close()
	r.s.Close()

	assert.Equal(t, consts.StageLocked, r.s.Stage())
	assert.GreaterOrEqual(t, r.backend.count(consts.CmdEmergencyStop), 1, "close waits for the stop commands")
	_, err := r.s.SetThrottle(context.Background(), 1, 10)
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeSafetyPreconditionUnmet))
	assert.False(t, r.s.Snapshot().ControlsEnabled)
}

func TestCloseOnlyStopsLiveMotors(t *testing.T) {
	r := newRig(t, testConfig())
	r.s.Close()
	assert.Zero(t, r.backend.count(consts.CmdEmergencyStop), "never armed")

	r = armedRig(t, testConfig(), consts.Stage1)
	r.s.EmergencyStop(ReasonOperator)
	r.s.Close()
	assert.Equal(t, 1, r.backend.count(consts.CmdEmergencyStop), "already stopped")
	assert.Len(t, r.rec.Find("Emergency stop"), 1)
}

func TestJournalRecordsSafetyEvents(t *testing.T) {
	j := openJournal(t)

	r := armedRig(t, testConfig(), consts.Stage2, WithJournal(j))
	r.s.EmergencyStop(ReasonEscapeKey)

	entries, err := j.Entries(0)
	require.NoError(t, err)
	var kinds []string
	for _, e := range entries {
		kinds = append(kinds, fmt.Sprintf("%s:%s>%s", e.Kind, e.From, e.To))
	}
	assert.Equal(t, []string{
		"propellers:>",
		"stage_change:LOCKED>STAGE_1",
		"stage_change:STAGE_1>STAGE_2",
		"emergency_stop:STAGE_2>LOCKED",
	}, kinds)
	assert.Equal(t, "escape_key", entries[3].Reason)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10*time.Second, cfg.InactivityTimeout)
	assert.Equal(t, 3*time.Second, cfg.ArmHold)
	assert.Equal(t, 0.10, cfg.PatternThrottle)
	assert.Equal(t, 80.0, cfg.OverheatCelsius)
	assert.Equal(t, 30.0, cfg.OvercurrentAmps)
}

// openJournal registers its Close before the rig's, so the session closes first.
func openJournal(t *testing.T) *audit.Journal {
	t.Helper()
	j, err := audit.Open(audit.Config{InMemory: true, Logger: logger.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}
