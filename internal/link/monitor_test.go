package link

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Kestrel/internal/bridge"
	"github.com/turtacn/Kestrel/internal/ipc"
	"github.com/turtacn/Kestrel/internal/notify"
	"github.com/turtacn/Kestrel/internal/simulator"
	"github.com/turtacn/Kestrel/pkg/consts"
	kerrors "github.com/turtacn/Kestrel/pkg/errors"
	"github.com/turtacn/Kestrel/pkg/logger"
	"github.com/turtacn/Kestrel/pkg/protocol"
)

type env struct {
	sim *simulator.Simulator
	lb  *bridge.Loopback
	rt  *ipc.Runtime
	rec *notify.Recorder
	mon *Monitor
}

func newEnv(t *testing.T, timeout time.Duration, mutate ...func(*Config)) *env {
	t.Helper()
	sim := simulator.New(4, simulator.WithLogger(logger.Nop()))
	lb := bridge.NewLoopback(sim)
	sim.SetEmitter(lb)
	rec := notify.NewRecorder(64)
	cfg := ipc.DefaultConfig()
	cfg.DefaultRetryDelay = time.Millisecond
	rt := ipc.NewRuntime(lb, cfg, ipc.WithNotifier(rec), ipc.WithRuntimeLogger(logger.Nop()))
	mcfg := Config{
		HeartbeatTimeout: timeout,
		Connect:          protocol.ConnectRequest{ConnectionString: "udp://127.0.0.1:14550"},
	}
	for _, m := range mutate {
		m(&mcfg)
	}
	mon := NewMonitor(rt, mcfg, WithLogger(logger.Nop()), WithNotifier(rec))
	require.NoError(t, mon.Start())
	t.Cleanup(mon.Close)
	return &env{sim: sim, lb: lb, rt: rt, rec: rec, mon: mon}
}

type changes struct {
	mu  sync.Mutex
	all []Change
}

func (c *changes) add(ch Change) {
	c.mu.Lock()
	c.all = append(c.all, ch)
	c.mu.Unlock()
}

func (c *changes) statuses() []consts.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]consts.ConnectionStatus, len(c.all))
	for i, ch := range c.all {
		out[i] = ch.To
	}
	return out
}

func TestConnectAndDisconnect(t *testing.T) {
	e := newEnv(t, time.Second)
	var seen changes
	e.mon.Subscribe(seen.add)

	assert.Equal(t, consts.StatusDisconnected, e.mon.Status())
	require.NoError(t, e.mon.Connect(context.Background()))
	assert.Equal(t, consts.StatusConnected, e.mon.Status())
	require.NotNil(t, e.mon.Vehicle())
	assert.Equal(t, "Quadcopter", e.mon.Vehicle().VehicleType)

	require.NoError(t, e.mon.Disconnect(context.Background()))
	assert.Equal(t, consts.StatusDisconnected, e.mon.Status())
	assert.Nil(t, e.mon.Vehicle())

	assert.Equal(t, []consts.ConnectionStatus{
		consts.StatusConnecting, consts.StatusConnected, consts.StatusDisconnected,
	}, seen.statuses())
	assert.Len(t, e.rec.Find("Connected"), 1)
	assert.Len(t, e.mon.History(), 3)
}

func TestHistoryDropsOldest(t *testing.T) {
	e := newEnv(t, time.Second, func(c *Config) { c.HistorySize = 2 })
	require.NoError(t, e.mon.Connect(context.Background()))
	require.NoError(t, e.mon.Disconnect(context.Background()))

	h := e.mon.History()
	require.Len(t, h, 2)
	assert.Equal(t, consts.StatusConnected, h[0].To)
	assert.Equal(t, consts.StatusDisconnected, h[1].To)
}

func TestConnectFailureMovesToError(t *testing.T) {
	e := newEnv(t, time.Second)
	err := e.mon.ConnectWith(context.Background(), protocol.ConnectRequest{ConnectionString: "nonsense"})
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeBackendError))
	assert.Equal(t, consts.StatusError, e.mon.Status())
	errs := e.rec.Find("Connection failed")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "Invalid connection string format")
	assert.Len(t, e.rec.Find("Connection error"), 1)

	// A later successful connect recovers from error.
	require.NoError(t, e.mon.Connect(context.Background()))
	assert.Equal(t, consts.StatusConnected, e.mon.Status())
}

func TestHeartbeatTimeoutDisconnects(t *testing.T) {
	e := newEnv(t, 60*time.Millisecond)
	var seen changes
	e.mon.Subscribe(seen.add)
	require.NoError(t, e.mon.Connect(context.Background()))

	// Heartbeats keep the link up.
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		e.sim.Heartbeat()
	}
	assert.Equal(t, consts.StatusConnected, e.mon.Status())
	assert.False(t, e.mon.LastHeartbeat().IsZero())

	e.sim.SetLinkUp(false)
	require.Eventually(t, func() bool {
		return e.mon.Status() == consts.StatusDisconnected
	}, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, e.rec.Find("Connection lost"))
	assert.Contains(t, seen.statuses(), consts.StatusDisconnected)
}

func TestBackendEventsDriveStatus(t *testing.T) {
	e := newEnv(t, time.Second)

	require.NoError(t, e.lb.Emit(consts.EventConnectionStatus, protocol.ConnectionStatusEvent{Status: "connecting"}))
	assert.Equal(t, consts.StatusConnecting, e.mon.Status())

	require.NoError(t, e.lb.Emit(consts.EventMavlinkMessage, protocol.MavlinkMessage{Type: protocol.MessageHeartbeat}))
	assert.Equal(t, consts.StatusConnected, e.mon.Status())

	require.NoError(t, e.lb.Emit(consts.EventConnectionStatus, protocol.ConnectionStatusEvent{Status: "error", Reason: "serial port vanished"}))
	assert.Equal(t, consts.StatusError, e.mon.Status())
	assert.NotEmpty(t, e.rec.Find("serial port vanished"))

	// Unknown statuses are handler errors and leave the status untouched.
	require.NoError(t, e.lb.Emit(consts.EventConnectionStatus, protocol.ConnectionStatusEvent{Status: "weird"}))
	assert.Equal(t, consts.StatusError, e.mon.Status())
	stats := e.rt.ListenerStats(consts.EventConnectionStatus)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].ErrorCount)
}

func TestStartFailsWithoutBackend(t *testing.T) {
	rt := ipc.NewRuntime(nil, ipc.DefaultConfig(), ipc.WithRuntimeLogger(logger.Nop()))
	mon := NewMonitor(rt, Config{}, WithLogger(logger.Nop()))
	err := mon.Start()
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeBackendUnavailable))
	assert.Equal(t, consts.StatusDisconnected, mon.Status())
}

func TestUnsubscribe(t *testing.T) {
	e := newEnv(t, time.Second)
	var seen changes
	unsub := e.mon.Subscribe(seen.add)
	unsub()
	unsub()
	require.NoError(t, e.mon.Connect(context.Background()))
	assert.Empty(t, seen.statuses())
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(protocol.LinkConfig{HeartbeatTimeout: "2s"})
	assert.Equal(t, 2*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, consts.DefaultHeartbeatTimeout, ConfigFrom(protocol.LinkConfig{}).HeartbeatTimeout)
}
