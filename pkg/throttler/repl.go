package throttler

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var blockWaitInterval = 1 * time.Second

var errNotAReplica = errors.New("server is not a replica")

// Repl throttles on the replication lag of a replica.
type Repl struct {
	sync.Mutex
	replica        *sql.DB
	lagTolerance   time.Duration
	currentLagInMs int64
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	logger         *slog.Logger
}

var _ Throttler = &Repl{}

// Open measures the lag once and then keeps measuring it every loopInterval.
func (l *Repl) Open(ctx context.Context) error {
	if err := l.UpdateLag(ctx); err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()
	loopCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(loopInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := l.UpdateLag(loopCtx); err != nil && loopCtx.Err() == nil {
					l.logger.Error("error getting lag", "error", err)
				}
			}
		}
	}()
	return nil
}

func (l *Repl) Close() error {
	l.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.Unlock()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	return nil
}

func (l *Repl) IsThrottled() bool {
	return atomic.LoadInt64(&l.currentLagInMs) >= l.lagTolerance.Milliseconds()
}

// BlockWait blocks until the lag is within the tolerance, or up to 60s
// to allow some progress to be made.
func (l *Repl) BlockWait(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for range 60 {
		if atomic.LoadInt64(&l.currentLagInMs) < l.lagTolerance.Milliseconds() {
			return
		}
		timer.Reset(blockWaitInterval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
	l.logger.Warn("lag monitor timed out", "lag_ms", atomic.LoadInt64(&l.currentLagInMs), "tolerance", l.lagTolerance)
}

// UpdateLag reads Seconds_Behind_Source from SHOW REPLICA STATUS.
// A stopped replica reports NULL, which counts as infinitely behind.
func (l *Repl) UpdateLag(ctx context.Context) error {
	lag, err := replicaLag(ctx, l.replica)
	if err != nil {
		return err
	}
	atomic.StoreInt64(&l.currentLagInMs, lag.Milliseconds())
	if l.IsThrottled() {
		l.logger.Warn("high replication lag", "lag", lag, "tolerance", l.lagTolerance)
	}
	return nil
}

func replicaLag(ctx context.Context, db *sql.DB) (time.Duration, error) {
	rows, err := db.QueryContext(ctx, "SHOW REPLICA STATUS") //nolint: execinquery
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, err
		}
		return 0, errNotAReplica
	}
	values := make([]sql.RawBytes, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return 0, err
	}
	for i, col := range cols {
		if col != "Seconds_Behind_Source" && col != "Seconds_Behind_Master" {
			continue
		}
		if values[i] == nil {
			return time.Duration(1 << 62), nil
		}
		seconds, err := strconv.ParseInt(string(values[i]), 10, 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(seconds) * time.Second, nil
	}
	return 0, errors.New("SHOW REPLICA STATUS has no lag column")
}
