package core

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"tools.zach/dev/gamecord/internal/state"
)

// ///////////////////////////////////////////////
// Supervisor
// ///////////////////////////////////////////////

// Runner is a task the supervisor owns until shutdown.
type Runner interface {
	Run(ctx context.Context) error
}

// Supervisor starts the polling loops and joins them on shutdown.
type Supervisor struct {
	state  *state.State
	logger *slog.Logger
}

// NewSupervisor returns a Supervisor whose loops stop on st's exit signal.
func NewSupervisor(st *state.State, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{state: st, logger: log}
}

// Handle joins the loops of one [Supervisor.Start] call.
type Handle struct {
	state *state.State
	group *errgroup.Group
}

// Start runs every loop in its own goroutine. A loop that fails does not
// stop the others.
func (s *Supervisor) Start(ctx context.Context, loops ...Runner) *Handle {
	// A plain Group: one loop's error must not cancel its siblings.
	g := new(errgroup.Group)
	for _, loop := range loops {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("polling loop panic", "error", r)
					err = fmt.Errorf("polling loop panic: %v", r)
				}
			}()
			return loop.Run(ctx)
		})
	}
	s.logger.Info("polling loops started", "count", len(loops))
	return &Handle{state: s.state, group: g}
}

// Wait blocks until every loop has returned and reports the first error.
func (h *Handle) Wait() error {
	return h.group.Wait()
}

// Terminate signals exit and waits for every loop. Ticks in flight finish
// first.
func (h *Handle) Terminate() error {
	h.state.Exit()
	return h.group.Wait()
}
