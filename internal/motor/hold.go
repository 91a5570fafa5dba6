package motor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/turtacn/Kestrel/internal/notify"
	"github.com/turtacn/Kestrel/pkg/consts"
	kerrors "github.com/turtacn/Kestrel/pkg/errors"
)

type holdState int

const (
	holdPending holdState = iota
	holdFired
	holdReleased
	holdAborted
)

// Hold is a timed confirmation gesture in progress. The stage change happens
// when the hold duration elapses without Release. The input modality that
// drives it (touch, held key, pointer) is up to the caller.
type Hold struct {
	s       *Session
	target  consts.Stage
	epoch   uint64
	started time.Time
	timer   *time.Timer

	mu    sync.Mutex
	state holdState
	err   error
	done  chan struct{}
}

// BeginHold starts the confirmation gesture for target. Preconditions are
// checked up front, so a hold that cannot succeed is refused immediately.
func (s *Session) BeginHold(target consts.Stage) (*Hold, error) {
	s.mu.Lock()
	cur := s.stageLocked()
	next := cur + 1
	if next > consts.MaxStage {
		next = consts.MaxStage
	}
	if r := s.validateLocked(cur, next, advanceRequest{target: target, viaHold: true, epoch: s.epoch}); r != nil {
		s.mu.Unlock()
		return nil, s.rejectNow(r, "BeginHold")
	}
	h := &Hold{
		s:       s,
		target:  target,
		epoch:   s.epoch,
		started: s.now(),
		done:    make(chan struct{}),
	}
	prev := s.hold
	s.hold = h
	fx := &effects{}
	s.publishLocked(fx)
	s.mu.Unlock()

	if prev != nil {
		prev.abort()
	}
	s.apply(fx)

	if s.cfg.ArmHold <= 0 {
		h.complete()
		return h, nil
	}
	h.mu.Lock()
	if h.state == holdPending {
		h.timer = time.AfterFunc(s.cfg.ArmHold, h.complete)
	}
	h.mu.Unlock()
	return h, nil
}

func (h *Hold) complete() {
	h.mu.Lock()
	if h.state != holdPending {
		h.mu.Unlock()
		return
	}
	h.state = holdFired
	h.mu.Unlock()

	err := h.s.advance(advanceRequest{target: h.target, viaHold: true, epoch: h.epoch})
	h.s.clearHold(h)
	h.finish(err)
}

// Release ends the gesture. It reports whether the hold had already
// completed; an early release cancels the stage change.
func (h *Hold) Release() bool {
	h.mu.Lock()
	switch h.state {
	case holdFired:
		h.mu.Unlock()
		return true
	case holdReleased, holdAborted:
		h.mu.Unlock()
		return false
	}
	h.state = holdReleased
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()

	h.s.clearHold(h)
	msg := fmt.Sprintf("Released too early: hold the %s control for %s to confirm", h.target, h.s.cfg.ArmHold)
	notify.Send(h.s.notifier, notify.Info, "Hold to arm", msg)
	h.finish(kerrors.New(kerrors.ErrCodeSafetyPreconditionUnmet, "Hold", "released before the hold completed", nil))
	return false
}

// abort cancels a pending hold after a safety reset.
func (h *Hold) abort() {
	h.mu.Lock()
	if h.state != holdPending {
		h.mu.Unlock()
		return
	}
	h.state = holdAborted
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()
	h.finish(kerrors.New(kerrors.ErrCodeEmergencyStopped, "Hold", "hold cancelled by a safety reset", nil))
}

func (h *Hold) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Done is closed once the hold has completed, been released or aborted.
func (h *Hold) Done() <-chan struct{} { return h.done }

// Err returns the outcome once Done is closed: nil if the stage advanced.
func (h *Hold) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the hold ends or ctx is done.
func (h *Hold) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Progress returns how far the hold is, from 0 to 1.
func (h *Hold) Progress() float64 {
	d := h.s.cfg.ArmHold
	if d <= 0 {
		return 1
	}
	p := float64(h.s.now().Sub(h.started)) / float64(d)
	if p > 1 {
		return 1
	}
	return p
}

func (s *Session) clearHold(h *Hold) {
	s.mu.Lock()
	if s.hold != h {
		s.mu.Unlock()
		return
	}
	s.hold = nil
	fx := &effects{}
	s.publishLocked(fx)
	s.mu.Unlock()
	s.apply(fx)
}

// Personal.AI order the ending
