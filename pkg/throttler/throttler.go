// Package throttler contains the rate limiters that slow down reading from
// the source and writing to the target.
package throttler

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

var (
	loopInterval = 5 * time.Second
)

type Throttler interface {
	Open(ctx context.Context) error
	Close() error
	IsThrottled() bool
	BlockWait(ctx context.Context)
	UpdateLag(ctx context.Context) error
}

// NewReplicationThrottler returns a Throttler that holds back work while
// the replica lags more than lagTolerance behind its source.
func NewReplicationThrottler(replica *sql.DB, lagTolerance time.Duration, logger *slog.Logger) (Throttler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repl{
		replica:      replica,
		lagTolerance: lagTolerance,
		logger:       logger,
	}, nil
}
