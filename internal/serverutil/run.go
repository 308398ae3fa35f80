// Package serverutil coordinates the process lifecycle: the HTTP server and
// the background workers that feed it run as one group, and a signal or a
// component failure shuts everything down together.
package serverutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultShutdownTimeout bounds graceful teardown once the run context is
// cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// HTTPServer is the slice of the API server the runner drives. Start blocks
// until the listener stops; Shutdown drains in-flight requests.
type HTTPServer interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

type component struct {
	name string
	run  func(ctx context.Context) error
}

// Runner runs a set of named components until one fails or the run context
// is cancelled. Components are expected to return promptly once their context
// is done; a nil return on cancellation is treated as a clean stop.
type Runner struct {
	logger          *slog.Logger
	shutdownTimeout time.Duration
	components      []component
}

// NewRunner builds a Runner. A zero shutdown timeout falls back to
// DefaultShutdownTimeout.
func NewRunner(logger *slog.Logger, shutdownTimeout time.Duration) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Runner{logger: logger, shutdownTimeout: shutdownTimeout}
}

// Add registers a background worker. The worker must return when its context
// is cancelled.
func (r *Runner) Add(name string, run func(ctx context.Context) error) {
	r.components = append(r.components, component{name: name, run: run})
}

// AddServer registers an HTTP server. When the run context is cancelled the
// server gets a bounded graceful shutdown before the runner gives up on it.
func (r *Runner) AddServer(name string, srv HTTPServer) {
	timeout := r.shutdownTimeout
	r.Add(name, func(ctx context.Context) error {
		serveErr := make(chan error, 1)
		go func() {
			serveErr <- srv.Start()
		}()

		select {
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		shutdownErr := srv.Shutdown(shutdownCtx)

		select {
		case err := <-serveErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-shutdownCtx.Done():
			if shutdownErr == nil {
				shutdownErr = shutdownCtx.Err()
			}
		}
		return shutdownErr
	})
}

// Run starts every registered component and blocks until all of them return.
// The first failure cancels the rest; context cancellation is not reported as
// an error.
func (r *Runner) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, c := range r.components {
		c := c
		r.logger.Info("component starting", slog.String("component", c.name))
		group.Go(func() error {
			err := c.run(groupCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("component failed",
					slog.String("component", c.name),
					slog.String("error", err.Error()),
				)
				return fmt.Errorf("%s: %w", c.name, err)
			}
			r.logger.Info("component stopped", slog.String("component", c.name))
			return nil
		})
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
