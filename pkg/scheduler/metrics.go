package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/block/reshard/pkg/metrics"
	"github.com/block/reshard/pkg/progress"
)

// reportPersist sends the outcome of a checkpoint write, along with the
// status and the largest incremental idle time of the job-shard.
func reportPersist(ctx context.Context, sink metrics.Sink, logger *slog.Logger, jobID string, shardingItem int, p *progress.JobProgress, err error) {
	if sink == nil {
		return
	}
	m := &metrics.Metrics{JobID: jobID, ShardingItem: shardingItem}
	if err != nil {
		m.Values = append(m.Values, metrics.MetricValue{Name: metrics.CheckpointFailuresMetricName, Value: 1, Type: metrics.COUNTER})
	} else {
		m.Values = append(m.Values, metrics.MetricValue{Name: metrics.CheckpointWritesMetricName, Value: 1, Type: metrics.COUNTER})
	}
	m.Values = append(m.Values, metrics.MetricValue{Name: metrics.JobStatusMetricName, Value: float64(p.Status), Type: metrics.GAUGE})
	if len(p.Incremental) > 0 {
		var idle int64
		now := time.Now()
		for _, inc := range p.Incremental {
			idle = max(idle, inc.IdleMinutes(now))
		}
		m.Values = append(m.Values, metrics.MetricValue{Name: metrics.IncrementalIdleMetricName, Value: float64(idle), Type: metrics.GAUGE})
	}
	metrics.Send(ctx, sink, logger, m)
}
