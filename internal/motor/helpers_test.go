package motor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/turtacn/Kestrel/internal/bridge"
	"github.com/turtacn/Kestrel/internal/ipc"
	"github.com/turtacn/Kestrel/internal/notify"
	"github.com/turtacn/Kestrel/pkg/consts"
	"github.com/turtacn/Kestrel/pkg/logger"
	"github.com/turtacn/Kestrel/pkg/protocol"
)

type call struct {
	Command  string
	MotorID  int
	Throttle float64
}

// fakeBackend records every command and lets tests intercept them.
type fakeBackend struct {
	mu    sync.Mutex
	calls []call
	hook  func(c call) error
	telem protocol.TelemetryReport
}

func (f *fakeBackend) Handle(ctx context.Context, command string, args json.RawMessage) (any, error) {
	var c call
	c.Command = command
	if command == consts.CmdSetMotorThrottle {
		var a protocol.ThrottleArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		c.MotorID, c.Throttle = a.MotorID, a.Throttle
	}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	hook := f.hook
	telem := f.telem
	f.mu.Unlock()

	if hook != nil {
		if err := hook(c); err != nil {
			return nil, err
		}
	}
	if command == consts.CmdGetMotorTelem {
		return telem, nil
	}
	return nil, nil
}

func (f *fakeBackend) setHook(h func(c call) error) {
	f.mu.Lock()
	f.hook = h
	f.mu.Unlock()
}

func (f *fakeBackend) all() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeBackend) count(command string) int {
	n := 0
	for _, c := range f.all() {
		if c.Command == command {
			n++
		}
	}
	return n
}

func (f *fakeBackend) throttles() []call {
	var out []call
	for _, c := range f.all() {
		if c.Command == consts.CmdSetMotorThrottle {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeBackend) reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

var errBackend = errors.New("motor controller busy")

type rig struct {
	backend *fakeBackend
	lb      *bridge.Loopback
	rt      *ipc.Runtime
	rec     *notify.Recorder
	s       *Session
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ArmHold = 0
	cfg.ThrottleRetries = 0
	cfg.ThrottleRetryDelay = 5 * time.Millisecond
	cfg.ThrottleTimeout = time.Second
	cfg.StopTimeout = time.Second
	cfg.InactivityTimeout = time.Minute
	cfg.PatternStep = 20 * time.Millisecond
	cfg.PatternPause = 10 * time.Millisecond
	return cfg
}

func newRig(t *testing.T, cfg Config, opts ...Option) *rig {
	t.Helper()
	fb := &fakeBackend{}
	lb := bridge.NewLoopback(fb)
	rec := notify.NewRecorder(256)
	icfg := ipc.DefaultConfig()
	icfg.DefaultRetryDelay = 5 * time.Millisecond
	rt := ipc.NewRuntime(lb, icfg, ipc.WithNotifier(rec), ipc.WithRuntimeLogger(logger.Nop()))
	opts = append([]Option{WithLogger(logger.Nop()), WithNotifier(rec)}, opts...)
	s := NewSession(rt, cfg, opts...)
	t.Cleanup(s.Close)
	return &rig{backend: fb, lb: lb, rt: rt, rec: rec, s: s}
}

// armed returns a connected session with propellers confirmed at stage.
func armedRig(t *testing.T, cfg Config, stage consts.Stage, opts ...Option) *rig {
	t.Helper()
	r := newRig(t, cfg, opts...)
	r.s.SetConnected(true)
	r.s.ConfirmPropellersRemoved(true)
	for st := consts.Stage1; st <= stage; st++ {
		if st == consts.Stage1 && cfg.ArmHold > 0 {
			h, err := r.s.BeginHold(st)
			require.NoError(t, err)
			require.NoError(t, h.Wait(context.Background()))
			continue
		}
		require.NoError(t, r.s.Advance(st))
	}
	require.Equal(t, stage, r.s.Stage())
	return r
}

type fakeConn struct {
	mu     sync.Mutex
	status consts.ConnectionStatus
	subs   []func(consts.ConnectionStatus)
}

func (c *fakeConn) Status() consts.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeConn) OnStatus(fn func(consts.ConnectionStatus)) func() {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	idx := len(c.subs) - 1
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.subs[idx] = nil
		c.mu.Unlock()
	}
}

func (c *fakeConn) set(st consts.ConnectionStatus) {
	c.mu.Lock()
	c.status = st
	subs := append(([]func(consts.ConnectionStatus))(nil), c.subs...)
	c.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(st)
		}
	}
}
