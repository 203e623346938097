package throttler

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// QPS admits at most qps batches per second.
type QPS struct {
	limiter *rate.Limiter
}

var _ Throttler = &QPS{}

// NewQPS returns a QPS throttler. qps must be positive.
func NewQPS(qps int) (*QPS, error) {
	if qps <= 0 {
		return nil, fmt.Errorf("qps must be positive, got %d", qps)
	}
	return &QPS{limiter: rate.NewLimiter(rate.Limit(qps), qps)}, nil
}

func (t *QPS) Open(_ context.Context) error {
	return nil
}

func (t *QPS) Close() error {
	return nil
}

func (t *QPS) IsThrottled() bool {
	return t.limiter.Tokens() < 1
}

// BlockWait takes one token, waiting for it if needed.
func (t *QPS) BlockWait(ctx context.Context) {
	_ = t.limiter.Wait(ctx)
}

func (t *QPS) UpdateLag(_ context.Context) error {
	return nil
}
