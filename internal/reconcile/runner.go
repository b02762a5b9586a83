package reconcile

import (
	"context"
	"log"
	"time"
)

// maxBackoff caps the error backoff of a sweep loop.
const maxBackoff = 5 * time.Minute

// Sweep is one reconciliation pass. Returning an error backs the loop off;
// the next pass always runs.
type Sweep func(ctx context.Context) error

// Runner drives a named sweep on a fixed interval until its context is
// cancelled. Consecutive failures double the wait up to maxBackoff so a
// broken dependency is probed, not hammered.
type Runner struct {
	name     string
	interval time.Duration
	sweep    Sweep
}

// NewRunner creates a runner for one sweep.
func NewRunner(name string, interval time.Duration, sweep Sweep) *Runner {
	return &Runner{name: name, interval: interval, sweep: sweep}
}

// Start runs the sweep loop in a goroutine.
func (r *Runner) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Runner) loop(ctx context.Context) {
	log.Printf("[Reconcile] %s sweep every %s", r.name, r.interval)

	wait := r.interval
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Reconcile] %s sweep stopped", r.name)
			return
		case <-time.After(wait):
		}

		if err := r.sweep(ctx); err != nil {
			log.Printf("[Reconcile] %s sweep: %v", r.name, err)
			wait *= 2
			if wait > maxBackoff {
				wait = maxBackoff
			}
			continue
		}
		wait = r.interval
	}
}
