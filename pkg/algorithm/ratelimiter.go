package algorithm

import (
	"fmt"
	"strconv"
	"time"

	"github.com/block/reshard/pkg/dbconn"
	"github.com/block/reshard/pkg/throttler"
	"github.com/block/reshard/pkg/utils"
)

const (
	RateLimiterNoop = "NOOP"
	RateLimiterQPS  = "QPS"
	RateLimiterRepl = "REPL"

	PropQPS          = "qps"
	PropDSN          = "dsn"
	PropLagTolerance = "lag-tolerance"

	defaultLagTolerance = 10 * time.Second
)

func newNoopRateLimiter(map[string]string, *Environment) (any, error) {
	return &throttler.Noop{}, nil
}

func newQPSRateLimiter(props map[string]string, _ *Environment) (any, error) {
	qps, err := strconv.Atoi(props[PropQPS])
	if err != nil || qps <= 0 {
		return nil, fmt.Errorf("%w: %s must be a positive integer, got %q", ErrInvalidProps, PropQPS, props[PropQPS])
	}
	return throttler.NewQPS(qps)
}

// replRateLimiter owns the replica pool of a replication throttler.
type replRateLimiter struct {
	throttler.Throttler
	replica utils.Closer
}

func (r *replRateLimiter) Close() error {
	return utils.CloseAll(r.replica, r.Throttler)
}

func newReplRateLimiter(props map[string]string, env *Environment) (any, error) {
	dsn := props[PropDSN]
	if dsn == "" {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidProps, PropDSN)
	}
	tolerance := defaultLagTolerance
	if raw, ok := props[PropLagTolerance]; ok {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: %s %q", ErrInvalidProps, PropLagTolerance, raw)
		}
		tolerance = d
	}
	cfg := *env.dbConfig()
	cfg.MaxOpenConnections = 1
	replica, err := dbconn.Open(dsn, &cfg)
	if err != nil {
		return nil, err
	}
	t, err := throttler.NewReplicationThrottler(replica, tolerance, env.logger())
	if err != nil {
		utils.CloseAndLog(replica)
		return nil, err
	}
	return &replRateLimiter{Throttler: t, replica: replica}, nil
}
