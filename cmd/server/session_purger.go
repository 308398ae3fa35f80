package main

import (
	"context"
	"log/slog"
	"time"
)

type sessionPurger interface {
	PurgeExpired() error
}

// sessionPurgeLoop returns a runner component that sweeps expired sessions on
// a fixed interval. A nil purger or non-positive interval yields a component
// that just waits for cancellation.
func sessionPurgeLoop(logger *slog.Logger, sessions sessionPurger, interval time.Duration) func(ctx context.Context) error {
	if sessions == nil || interval <= 0 {
		return func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}
	}
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := sessions.PurgeExpired(); err != nil && logger != nil {
					logger.Error("failed to purge expired sessions", "error", err)
				}
			}
		}
	}
}
