// Package metrics contains a sink interface used to export progress of
// migration jobs. It provides a NoopSink, a LogSink and a Prometheus sink.
package metrics

import (
	"context"
	"log/slog"
	"time"
)

// Metric types.
const (
	UNKNOWN byte = iota
	COUNTER
	GAUGE
)

const (
	SinkTimeout = 1 * time.Second

	InventoryRowsMetricName      = "inventory_rows_copied"
	InventoryBatchTimeMetricName = "inventory_batch_processing_time"
	IncrementalEventsMetricName  = "incremental_events_applied"
	IncrementalIdleMetricName    = "incremental_idle_minutes"
	JobStatusMetricName          = "job_status"
	CheckpointWritesMetricName   = "checkpoint_writes"
	CheckpointFailuresMetricName = "checkpoint_write_failures"
)

// Metrics are collection of MetricValues for one job-shard.
type Metrics struct {
	JobID        string
	ShardingItem int
	Values       []MetricValue
}

type MetricValue struct {
	// Name is the metric name
	Name string

	// Value is the value of the metric.
	Value float64

	// Type is the metric type: GAUGE, COUNTER, and other const.
	Type byte
}

// Sink sends metrics to an external destination.
type Sink interface {
	// Send sends metrics to the sink. It must respect the context timeout, if any.
	Send(ctx context.Context, metrics *Metrics) error
}

// Send is a helper that applies SinkTimeout and logs, rather than
// returns, a failure. Metrics never fail a job.
func Send(ctx context.Context, sink Sink, logger *slog.Logger, m *Metrics) {
	if sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, SinkTimeout)
	defer cancel()
	if err := sink.Send(ctx, m); err != nil {
		logger.Warn("could not send metrics", "job-id", m.JobID, "error", err)
	}
}

// NoopSink is the default sink which does nothing
type NoopSink struct{}

func (s *NoopSink) Send(ctx context.Context, m *Metrics) error {
	return nil
}

var _ Sink = &NoopSink{}

// logSink logs metrics
type logSink struct {
	logger *slog.Logger
}

func (l *logSink) Send(ctx context.Context, m *Metrics) error {
	for _, v := range m.Values {
		switch v.Type {
		case COUNTER:
			l.logger.Info("metric", "job-id", m.JobID, "sharding-item", m.ShardingItem, "name", v.Name, "type", "counter", "value", v.Value)
		case GAUGE:
			l.logger.Info("metric", "job-id", m.JobID, "sharding-item", m.ShardingItem, "name", v.Name, "type", "gauge", "value", v.Value)
		default:
			l.logger.Error("Received invalid metric type", "type", v.Type, "name", v.Name, "value", v.Value)
		}
	}
	return nil
}

var _ Sink = &logSink{}

func NewLogSink(logger *slog.Logger) *logSink {
	return &logSink{
		logger: logger,
	}
}
