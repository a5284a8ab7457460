package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/streamforge/internal/health"
)

var (
	ErrUnknownStream = errors.New("unknown stream")
	ErrNotHalted     = errors.New("stream is not halted")
)

// Engine supervises one controller per stream. Streams run independently: a
// halted stream is parked until Resume while the others keep ingesting. A
// checkpoint failure or any other unexpected error stops the whole engine.
type Engine struct {
	controllers []*Controller
	monitor     *health.Monitor
	logger      *slog.Logger

	mu     sync.Mutex
	resume map[string]chan struct{}
}

// New creates an Engine over controllers.
func New(controllers []*Controller, monitor *health.Monitor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		controllers: controllers,
		monitor:     monitor,
		logger:      logger.With("component", "engine"),
		resume:      make(map[string]chan struct{}, len(controllers)),
	}
	for _, c := range controllers {
		e.resume[c.Name()] = make(chan struct{}, 1)
	}
	return e
}

// Run blocks until ctx is cancelled and every controller has stopped, or
// until one controller fails fatally. It returns nil on a clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range e.controllers {
		g.Go(func() error {
			return e.supervise(gctx, c)
		})
	}
	e.logger.Info("engine started", "streams", len(e.controllers))
	err := g.Wait()
	if err != nil {
		e.logger.Error("engine stopped", "err", err)
		return err
	}
	e.logger.Info("engine stopped")
	return nil
}

func (e *Engine) supervise(ctx context.Context, c *Controller) error {
	for {
		err := c.Run(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrHalted) {
			return err
		}
		e.logger.Warn("stream parked until resumed", "stream", c.Name(), "err", err)
		select {
		case <-e.resumeC(c.Name()):
			e.logger.Info("resuming stream", "stream", c.Name())
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) resumeC(name string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resume[name]
}

// Resume restarts a halted stream from its last committed checkpoint.
func (e *Engine) Resume(name string) error {
	ch := e.resumeC(name)
	if ch == nil {
		return fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	// Only one Resume leaves HALTED; a repeat sees STARTING and is rejected.
	if !e.monitor.Transition(name, health.StateHalted, health.StateStarting) {
		snap, _ := e.monitor.Snapshot(name)
		return fmt.Errorf("%w: %s is %s", ErrNotHalted, name, snap.State)
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

// States returns the current controller state of every stream.
func (e *Engine) States() map[string]health.State {
	out := make(map[string]health.State, len(e.controllers))
	for _, c := range e.controllers {
		snap, _ := e.monitor.Snapshot(c.Name())
		out[c.Name()] = snap.State
	}
	return out
}
