package runs

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically force-fails runs that never reported back. It only
// changes bookkeeping; the connector call itself is left to its own timeout.
type Reaper struct {
	tracker  *Tracker
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewReaper(tracker *Tracker, interval, timeout time.Duration) *Reaper {
	return &Reaper{
		tracker:  tracker,
		interval: interval,
		timeout:  timeout,
		logger:   slog.Default().With("component", "reaper"),
	}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval, "timeout", r.timeout)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep reaps once and returns how many runs were moved to stuck.
func (r *Reaper) Sweep(ctx context.Context) int {
	reaped, err := r.tracker.ReapStuckRuns(ctx, r.timeout)
	if err != nil {
		r.logger.Error("stuck run sweep failed", "error", err)
		return 0
	}
	if len(reaped) > 0 {
		r.logger.Info("stuck runs reaped", "count", len(reaped))
	}
	return len(reaped)
}
