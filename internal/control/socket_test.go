package control

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/turtacn/Kestrel/pkg/errors"
	"github.com/turtacn/Kestrel/pkg/logger"
)

func serve(t *testing.T, h Handler) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kestrel.sock")
	srv, err := Listen(path, h, logger.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(cancel)
	return srv, cancel, done
}

func TestSendRoundTrip(t *testing.T) {
	var stops atomic.Int32
	srv, _, _ := serve(t, func(_ context.Context, req Request) Response {
		switch req.Op {
		case OpEmergencyStop:
			stops.Add(1)
			return Response{OK: true, Stage: "LOCKED"}
		case OpStatus:
			return Response{OK: true, Stage: "STAGE_2", Connection: "connected", Throttles: []float64{0.1, 0}}
		}
		return Response{Error: "unknown op"}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := Send(ctx, srv.Path(), Request{Op: OpEmergencyStop})
	require.NoError(t, err)
	assert.Equal(t, "LOCKED", resp.Stage)
	assert.Equal(t, int32(1), stops.Load())

	resp, err = Send(ctx, srv.Path(), Request{Op: OpStatus})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0}, resp.Throttles)

	_, err = Send(ctx, srv.Path(), Request{Op: "reboot"})
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeBackendError))
}

func TestListenReplacesStaleSocketAndRestrictsMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.sock")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	srv, err := Listen(path, func(context.Context, Request) Response { return Response{OK: true} }, logger.Nop())
	require.NoError(t, err)
	defer srv.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, info.Mode()&os.ModeSocket)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestServeStopsWithContextAndRemovesSocket(t *testing.T) {
	srv, cancel, done := serve(t, func(context.Context, Request) Response { return Response{OK: true} })
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
	_, err := os.Stat(srv.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestMalformedRequest(t *testing.T) {
	srv, _, _ := serve(t, func(context.Context, Request) Response { return Response{OK: true} })
	conn, err := net.Dial("unix", srv.Path())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("invalid json\n"))
	require.NoError(t, err)
	buf := make([]byte, 256)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "malformed request")
}

func TestSendWithoutConsole(t *testing.T) {
	_, err := Send(context.Background(), filepath.Join(t.TempDir(), "none.sock"), Request{Op: OpStatus})
	assert.True(t, kerrors.Is(err, kerrors.ErrCodeBackendUnavailable))
}
