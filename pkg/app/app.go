// Package app is the resource manager: it owns every component's lifetime,
// starts them in dependency order, and tears them down strictly in reverse.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// stopTimeout is how long a component gets to signal stopped before it is
// force-cancelled.
const stopTimeout = 2 * time.Second

// ErrStopTimeout marks a component that had to be force-cancelled.
var ErrStopTimeout = errors.New("app: component stop timed out")

// Component is one managed resource. Start must return promptly (long work
// belongs in goroutines the component owns); Stop must release everything
// and return within the stop timeout.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Func adapts start/stop funcs into a Component.
type Func struct {
	ComponentName string
	OnStart       func(ctx context.Context) error
	OnStop        func(ctx context.Context) error
}

func (f Func) Name() string { return f.ComponentName }

func (f Func) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f Func) Stop(ctx context.Context) error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop(ctx)
}

// Manager starts components in registration order (the caller registers them
// in topological order of the dependency DAG) and stops them in reverse.
type Manager struct {
	components []Component
	started    int
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Add registers a component. Registration order is startup order.
func (m *Manager) Add(c Component) {
	m.components = append(m.components, c)
}

// Start brings every component up in order. On failure, components already
// started are stopped in reverse before the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	for i, c := range m.components {
		slog.Debug("starting component", "name", c.Name())
		if err := c.Start(ctx); err != nil {
			slog.Error("component start failed", "name", c.Name(), "err", err)
			m.started = i
			m.stopStarted(context.Background())
			return fmt.Errorf("app: start %s: %w", c.Name(), err)
		}
	}
	m.started = len(m.components)
	return nil
}

// Stop tears everything down in reverse order. Each component gets
// stopTimeout; a component that overruns is abandoned with its context
// cancelled, and teardown continues. All stop errors are joined.
func (m *Manager) Stop(ctx context.Context) error {
	return m.stopStarted(ctx)
}

func (m *Manager) stopStarted(ctx context.Context) error {
	var errs []error
	for i := m.started - 1; i >= 0; i-- {
		c := m.components[i]
		if err := stopOne(ctx, c); err != nil {
			slog.Warn("component stop failed", "name", c.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		} else {
			slog.Debug("component stopped", "name", c.Name())
		}
	}
	m.started = 0
	return errors.Join(errs...)
}

// stopOne runs a single Stop under the per-component deadline.
func stopOne(ctx context.Context, c Component) error {
	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(stopCtx)
	g.Go(func() error {
		return c.Stop(gctx)
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-stopCtx.Done():
		// The component's context is cancelled; it is now force-abandoned.
		return ErrStopTimeout
	}
}
