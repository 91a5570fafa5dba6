package console

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turtacn/Kestrel/internal/bridge"
	"github.com/turtacn/Kestrel/internal/simulator"
	"github.com/turtacn/Kestrel/pkg/logger"
	"github.com/turtacn/Kestrel/pkg/protocol"
)

// SimPath is where the simulated backend accepts WebSocket connections.
const SimPath = "/ipc"

// NewSimHandler returns an HTTP handler serving sim over WebSocket, with the
// simulator's events broadcast to every client.
func NewSimHandler(sim *simulator.Simulator, log logger.Logger) (http.Handler, *bridge.Server) {
	srv := bridge.NewServer(sim, log)
	sim.SetEmitter(srv)
	mux := http.NewServeMux()
	mux.Handle(SimPath, srv)
	return mux, srv
}

// ServeSimulator runs a simulated backend on cfg.Listen until ctx ends.
func ServeSimulator(ctx context.Context, cfg protocol.SimulatorConfig, log logger.Logger) error {
	var opts []simulator.Option
	opts = append(opts, simulator.WithLogger(log))
	if d := protocol.DurationOr(cfg.HeartbeatInterval, 0); d > 0 {
		opts = append(opts, simulator.WithHeartbeatInterval(d))
	}
	sim := simulator.New(cfg.Motors, opts...)
	handler, bsrv := NewSimHandler(sim, log)
	httpSrv := &http.Server{Addr: cfg.Listen, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Simulated backend listening", "addr", cfg.Listen, "path", SimPath, "motors", cfg.Motors)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return sim.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		bsrv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Personal.AI order the ending
