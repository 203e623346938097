package metrics

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "reshard"

var labelNames = []string{"job_id", "sharding_item"}

// PrometheusSink maps the known metric names onto Prometheus vectors
// labelled by job id and sharding item.
type PrometheusSink struct {
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
}

var _ Sink = &PrometheusSink{}

// NewPrometheusSink creates the vectors and registers them with reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		counters: map[string]*prometheus.CounterVec{
			InventoryRowsMetricName: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: InventoryRowsMetricName + "_total",
				Help: "Rows copied by inventory tasks.",
			}, labelNames),
			IncrementalEventsMetricName: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: IncrementalEventsMetricName + "_total",
				Help: "Change events applied by incremental tasks.",
			}, labelNames),
			CheckpointWritesMetricName: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: CheckpointWritesMetricName + "_total",
				Help: "Job progress checkpoints written.",
			}, labelNames),
			CheckpointFailuresMetricName: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: CheckpointFailuresMetricName + "_total",
				Help: "Job progress checkpoints that failed to write.",
			}, labelNames),
		},
		gauges: map[string]*prometheus.GaugeVec{
			InventoryBatchTimeMetricName: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: InventoryBatchTimeMetricName + "_seconds",
				Help: "Time taken by the last inventory batch.",
			}, labelNames),
			IncrementalIdleMetricName: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: IncrementalIdleMetricName,
				Help: "Minutes since the incremental task applied a change.",
			}, labelNames),
			JobStatusMetricName: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: JobStatusMetricName,
				Help: "Current job status code of the job-shard.",
			}, labelNames),
		},
	}
	for _, c := range s.counters {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	for _, g := range s.gauges {
		if err := reg.Register(g); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PrometheusSink) Send(ctx context.Context, m *Metrics) error {
	item := strconv.Itoa(m.ShardingItem)
	for _, v := range m.Values {
		switch v.Type {
		case COUNTER:
			c, ok := s.counters[v.Name]
			if !ok {
				return fmt.Errorf("unknown counter metric %q", v.Name)
			}
			c.WithLabelValues(m.JobID, item).Add(v.Value)
		case GAUGE:
			g, ok := s.gauges[v.Name]
			if !ok {
				return fmt.Errorf("unknown gauge metric %q", v.Name)
			}
			g.WithLabelValues(m.JobID, item).Set(v.Value)
		default:
			return fmt.Errorf("invalid metric type %d for %q", v.Type, v.Name)
		}
	}
	return nil
}

// Forget drops every series of a job once it is removed.
func (s *PrometheusSink) Forget(jobID string) {
	for _, c := range s.counters {
		c.DeletePartialMatch(prometheus.Labels{"job_id": jobID})
	}
	for _, g := range s.gauges {
		g.DeletePartialMatch(prometheus.Labels{"job_id": jobID})
	}
}
