// Package safego provides panic-recovering goroutine launchers for background work.
package safego

import (
	"context"
	"log/slog"
	"time"
)

// Go launches fn in a new goroutine. A panic inside fn is recovered and logged
// with the task name instead of crashing the process.
func Go(name string, fn func()) {
	go func() {
		defer recoverAndLog(name)
		fn()
	}()
}

// Every runs fn on each tick of interval until ctx is cancelled. A panic in
// one run is logged and does not stop later runs. The returned channel is
// closed once the loop has exited.
func Every(ctx context.Context, name string, interval time.Duration, fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runOnce(name, fn)
			}
		}
	}()
	return done
}

func runOnce(name string, fn func()) {
	defer recoverAndLog(name)
	fn()
}

func recoverAndLog(name string) {
	if r := recover(); r != nil {
		slog.Error("recovered panic in background goroutine", "task", name, "panic", r)
	}
}
