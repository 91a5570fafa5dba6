package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/turtacn/Kestrel/pkg/logger"
)

// Server exposes a Handler over WebSocket and broadcasts events to every
// connected client.
type Server struct {
	handler  Handler
	upgrader websocket.Upgrader
	log      logger.Logger

	mu      sync.Mutex
	clients map[*serverConn]struct{}
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (sc *serverConn) write(env Envelope) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.ws.WriteJSON(env)
}

// NewServer creates a Server for h.
func NewServer(h Handler, log logger.Logger) *Server {
	if log == nil {
		log = logger.Log
	}
	return &Server{
		handler: h,
		upgrader: websocket.Upgrader{
			// The console and backend share a host; origin checks do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     log.With("component", "bridge-server"),
		clients: make(map[*serverConn]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Failed to upgrade the websocket", "err", err)
		return
	}
	sc := &serverConn{ws: ws}
	s.mu.Lock()
	s.clients[sc] = struct{}{}
	s.mu.Unlock()
	s.log.Info("Console connected", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, sc)
		s.mu.Unlock()
		ws.Close()
		s.log.Info("Console disconnected", "remote", r.RemoteAddr)
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		if env.Kind != KindInvoke {
			continue
		}
		go s.serve(ctx, sc, env)
	}
}

func (s *Server) serve(ctx context.Context, sc *serverConn, req Envelope) {
	res := Envelope{ID: req.ID, Kind: KindResult, Command: req.Command}
	out, err := s.handler.Handle(ctx, req.Command, req.Args)
	if err != nil {
		res.Error = err.Error()
	} else if res.Payload, err = json.Marshal(out); err != nil {
		res.Error = err.Error()
	}
	if err := sc.write(res); err != nil {
		s.log.Warn("Failed to write result", "command", req.Command, "err", err)
	}
}

// Emit broadcasts an event to all connected consoles.
func (s *Server) Emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{Kind: KindEvent, Event: event, Payload: raw}

	s.mu.Lock()
	clients := make([]*serverConn, 0, len(s.clients))
	for sc := range s.clients {
		clients = append(clients, sc)
	}
	s.mu.Unlock()

	for _, sc := range clients {
		if err := sc.write(env); err != nil {
			s.log.Warn("Failed to emit event", "event", event, "err", err)
		}
	}
	return nil
}

// Clients returns the number of connected consoles.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every console.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sc := range s.clients {
		sc.ws.Close()
	}
}

// Personal.AI order the ending
