package ipc

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turtacn/Kestrel/pkg/consts"
)

// Command is one member of a batch.
type Command struct {
	Name string
	Args map[string]any
	// Category routes the command through ProtectedInvoke when set.
	Category string
	// Options are applied over the batch-wide options.
	Options []Option
}

// BatchInvoke runs all commands concurrently. Results are positional; a
// failed command yields nil and never fails the rest of the batch.
func (rt *Runtime) BatchInvoke(ctx context.Context, commands []Command, global ...Option) []json.RawMessage {
	results := make([]json.RawMessage, len(commands))
	var g errgroup.Group
	for i, cmd := range commands {
		i, cmd := i, cmd
		g.Go(func() error {
			opts := make([]Option, 0, len(global)+len(cmd.Options))
			opts = append(opts, global...)
			opts = append(opts, cmd.Options...)

			var raw json.RawMessage
			var err error
			if cmd.Category != "" {
				raw, err = rt.ProtectedInvoke(ctx, cmd.Name, cmd.Args, cmd.Category, opts...)
			} else {
				raw, err = rt.Invoke(ctx, cmd.Name, cmd.Args, opts...)
			}
			if err == nil {
				results[i] = raw
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Health is the outcome of CheckBackendHealth.
type Health struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// CheckBackendHealth pings the backend with a short fixed timeout and no
// notifications. Latency is reported whatever the outcome.
func (rt *Runtime) CheckBackendHealth(ctx context.Context) Health {
	start := time.Now()
	_, err := rt.Invoke(ctx, consts.CmdHealthCheck, nil,
		WithTimeout(rt.cfg.HealthTimeout), WithoutNotification(), Quietly())
	h := Health{Healthy: err == nil, Latency: time.Since(start)}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}

// Personal.AI order the ending
