package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TrapFlow/pkg/logger"
)

// Service is a long-running component with a background loop.
type Service interface {
	Start() error
	Stop(ctx context.Context) error
}

// Component is a named Service. Components start in order and stop in
// reverse order.
type Component struct {
	Name    string
	Service Service
}

// failer is implemented by services that can die after Start, such as the
// HTTP listener.
type failer interface {
	Errors() <-chan error
}

// App encapsulates the entire application lifecycle.
type App struct {
	logger     *logger.Logger
	grace      time.Duration
	components []Component
}

// New creates an App. grace bounds the whole shutdown. Infrastructure
// clients are closed by the caller after Run returns.
func New(l *logger.Logger, grace time.Duration, components ...Component) *App {
	if l == nil {
		l = logger.NewNop()
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &App{
		logger:     l,
		grace:      grace,
		components: components,
	}
}

// Run starts the application and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext starts every component and blocks until ctx is done or a
// component fails. A failure is returned after shutdown.
func (a *App) RunContext(ctx context.Context) error {
	started, err := a.start()
	if err != nil {
		a.shutdown(started)
		return err
	}

	failed := a.watch(started)
	a.logger.Info("trapflow running", logger.Int("components", len(started)))

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-failed:
		a.logger.Error("component failed, shutting down", logger.Error(runErr))
	}

	if err := a.shutdown(started); err != nil && runErr == nil {
		a.logger.Warn("shutdown incomplete", logger.Error(err))
	}
	return runErr
}

func (a *App) start() ([]Component, error) {
	started := make([]Component, 0, len(a.components))
	for _, c := range a.components {
		if c.Service == nil {
			continue
		}
		if err := c.Service.Start(); err != nil {
			a.logger.Error("component start failed", logger.String("component", c.Name), logger.Error(err))
			return started, fmt.Errorf("start %s: %w", c.Name, err)
		}
		a.logger.Info("component started", logger.String("component", c.Name))
		started = append(started, c)
	}
	return started, nil
}

func (a *App) watch(started []Component) <-chan error {
	out := make(chan error, len(started))
	for _, c := range started {
		f, ok := c.Service.(failer)
		if !ok {
			continue
		}
		go func(name string, errs <-chan error) {
			if err, ok := <-errs; ok && err != nil {
				out <- fmt.Errorf("%s: %w", name, err)
			}
		}(c.Name, f.Errors())
	}
	return out
}

// shutdown stops started components in reverse order. They share one grace
// deadline.
func (a *App) shutdown(started []Component) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.grace)
	defer cancel()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		begin := time.Now()
		if err := c.Service.Stop(ctx); err != nil {
			a.logger.Warn("component stop error", logger.String("component", c.Name), logger.Error(err))
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Name, err))
			continue
		}
		a.logger.Info("component stopped",
			logger.String("component", c.Name),
			logger.Duration("elapsed", time.Since(begin)),
		)
	}

	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
