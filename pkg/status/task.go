package status

import (
	"context"
	"log/slog"
	"time"
)

var StatusInterval = 30 * time.Second

// Reporter is implemented by anything whose status is worth logging on
// an interval, such as a running job-shard.
type Reporter interface {
	Status() JobStatus
	Summary() string
}

// WatchStatus logs the reporter's status every interval until the context
// is cancelled or the status stops running.
func WatchStatus(ctx context.Context, r Reporter, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = StatusInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := r.Status()
			logger.Info(r.Summary(), "status", current.String())
			if !current.IsRunning() {
				return
			}
		}
	}
}
