package tracker

import (
	"context"
	"log/slog"
	"time"
)

// ResetScheduler periodically runs the daily-reset check so the counter
// rolls over near midnight even when no traffic arrives.
type ResetScheduler struct {
	svc      *Service
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewResetScheduler(svc *Service, interval time.Duration) *ResetScheduler {
	return &ResetScheduler{svc: svc, interval: interval}
}

// Start launches the check loop. Call Stop to shut it down.
func (rs *ResetScheduler) Start(ctx context.Context) {
	ctx, rs.cancel = context.WithCancel(ctx)
	rs.done = make(chan struct{})

	go func() {
		defer close(rs.done)

		ticker := time.NewTicker(rs.interval)
		defer ticker.Stop()

		slog.Info("reset scheduler started", "interval", rs.interval)
		for {
			select {
			case <-ctx.Done():
				slog.Info("reset scheduler stopped")
				return
			case <-ticker.C:
				if performed, err := rs.svc.DailyReset(ctx); err != nil {
					slog.Warn("scheduled reset check", "error", err)
				} else if performed {
					slog.Info("scheduled reset performed")
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (rs *ResetScheduler) Stop() {
	if rs.cancel == nil {
		return
	}
	rs.cancel()
	<-rs.done
}
