// Package control lets a second process reach a running console over a
// Unix domain socket, so `kestrel estop` stops the motors through the
// session that actually owns them.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	kerrors "github.com/turtacn/Kestrel/pkg/errors"
	"github.com/turtacn/Kestrel/pkg/logger"
)

// Op names a control request.
type Op string

const (
	OpEmergencyStop Op = "estop"
	OpStatus        Op = "status"
)

// Request is one JSON line sent by a client.
type Request struct {
	Op Op `json:"op"`
}

// Response answers a Request.
type Response struct {
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Connection string    `json:"connection,omitempty"`
	Throttles  []float64 `json:"throttles,omitempty"`
}

// Handler serves requests. It runs on the connection's goroutine.
type Handler func(ctx context.Context, req Request) Response

// Server accepts control connections on a socket path.
type Server struct {
	path    string
	handler Handler
	log     logger.Logger
	timeout time.Duration

	l     net.Listener
	once  sync.Once
	conns sync.WaitGroup
}

// Listen creates the socket at path, replacing a stale one, readable only
// by the owner.
func Listen(path string, h Handler, log logger.Logger) (*Server, error) {
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrCodeConfigInvalid, "control.Listen", "listen on "+path, err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		l.Close()
		return nil, kerrors.New(kerrors.ErrCodeConfigInvalid, "control.Listen", "chmod "+path, err)
	}
	if log == nil {
		log = logger.Log
	}
	return &Server{
		path:    path,
		handler: h,
		log:     log.With("component", "control", "socket", path),
		timeout: 5 * time.Second,
		l:       l,
	}, nil
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Serve accepts connections until ctx ends or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	s.log.Info("Control socket listening")
	for {
		conn, err := s.l.Accept()
		if err != nil {
			s.conns.Wait()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serve(ctx, conn)
		}()
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.timeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.log.Warn("Malformed control request", "err", err)
		_ = json.NewEncoder(conn).Encode(Response{Error: "malformed request"})
		return
	}
	s.log.Info("Control request", "op", req.Op)
	resp := s.handler(ctx, req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Warn("Control reply failed", "op", req.Op, "err", err)
	}
}

// Close stops accepting and removes the socket file.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		err = s.l.Close()
		_ = os.Remove(s.path)
	})
	return err
}

// Send delivers req to the console listening at path and waits for the reply.
func Send(ctx context.Context, path string, req Request) (Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return Response{}, kerrors.New(kerrors.ErrCodeBackendUnavailable, "control.Send", "no console listening on "+path, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, kerrors.New(kerrors.ErrCodeBackendError, "control.Send", "write request", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, kerrors.New(kerrors.ErrCodeBackendError, "control.Send", "read reply", err)
	}
	if !resp.OK {
		return resp, kerrors.New(kerrors.ErrCodeBackendError, "control.Send", resp.Error, nil)
	}
	return resp, nil
}

// Personal.AI order the ending
