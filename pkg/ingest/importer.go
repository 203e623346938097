package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/block/reshard/pkg/applier"
	"github.com/block/reshard/pkg/metrics"
	"github.com/block/reshard/pkg/throttler"
)

const defaultFetchTimeout = 3 * time.Second

// ImporterConfig is the write side of one pipeline task.
type ImporterConfig struct {
	JobID        string
	ShardingItem int
	BatchSize    int
	FetchTimeout time.Duration
	// Inventory selects the inventory metrics instead of the incremental ones.
	Inventory bool
	Applier   applier.Applier
	Throttler throttler.Throttler
	Sink      metrics.Sink
	Logger    *slog.Logger
}

// MySQLImporter applies fetched records through an applier and acks them
// once written.
type MySQLImporter struct {
	config  ImporterConfig
	channel Channel
	stopped atomic.Bool
	logger  *slog.Logger
}

var _ Importer = &MySQLImporter{}

func NewMySQLImporter(config ImporterConfig, channel Channel) *MySQLImporter {
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaultFetchTimeout
	}
	if config.Throttler == nil {
		config.Throttler = &throttler.Noop{}
	}
	if config.Sink == nil {
		config.Sink = &metrics.NoopSink{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MySQLImporter{
		config:  config,
		channel: channel,
		logger:  logger,
	}
}

// Run returns nil after a FinishedRecord is applied, when the channel is
// closed and drained, or when the importer is stopped.
func (i *MySQLImporter) Run(ctx context.Context) error {
	for {
		if i.stopped.Load() {
			return nil
		}
		records, err := i.channel.Fetch(ctx, i.config.BatchSize, i.config.FetchTimeout)
		if errors.Is(err, ErrChannelClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(records) == 0 {
			continue
		}
		finished, err := i.write(ctx, records)
		if err != nil {
			return err
		}
		i.channel.Ack(records)
		if finished {
			return nil
		}
	}
}

func (i *MySQLImporter) write(ctx context.Context, records []Record) (bool, error) {
	var changes []applier.RowChange
	finished := false
	for _, r := range records {
		switch r := r.(type) {
		case *DataRecord:
			c, err := i.changes(r)
			if err != nil {
				return false, err
			}
			changes = append(changes, c...)
		case *FinishedRecord:
			finished = true
		}
	}
	if len(changes) == 0 {
		return finished, nil
	}
	i.config.Throttler.BlockWait(ctx)
	start := time.Now()
	if _, err := i.config.Applier.Apply(ctx, changes); err != nil {
		return false, err
	}
	i.sendMetrics(ctx, len(changes), time.Since(start))
	return finished, nil
}

// changes converts a record into row changes. An update that moves a row
// to another key or data node deletes the old image first.
func (i *MySQLImporter) changes(r *DataRecord) ([]applier.RowChange, error) {
	after := rowChange(r, false)
	switch r.Type {
	case Insert:
		return []applier.RowChange{after}, nil
	case Delete:
		after.Deleted = true
		return []applier.RowChange{after}, nil
	}
	before := rowChange(r, true)
	before.Deleted = true
	if r.PrimaryKeyChanged() {
		return []applier.RowChange{before, after}, nil
	}
	oldNode, err := i.config.Applier.Route(before)
	if err != nil {
		return nil, err
	}
	newNode, err := i.config.Applier.Route(after)
	if err != nil {
		return nil, err
	}
	if oldNode != newNode {
		return []applier.RowChange{before, after}, nil
	}
	return []applier.RowChange{after}, nil
}

func rowChange(r *DataRecord, oldImage bool) applier.RowChange {
	c := applier.RowChange{
		LogicTable: r.LogicTable,
		Columns:    make([]string, 0, len(r.Columns)),
		Values:     make([]any, 0, len(r.Columns)),
	}
	for _, col := range r.Columns {
		c.Columns = append(c.Columns, col.Name)
		if oldImage {
			c.Values = append(c.Values, col.OldValue)
		} else {
			c.Values = append(c.Values, col.Value)
		}
		if col.PrimaryKey {
			c.KeyColumns = append(c.KeyColumns, col.Name)
		}
	}
	return c
}

func (i *MySQLImporter) sendMetrics(ctx context.Context, n int, elapsed time.Duration) {
	m := &metrics.Metrics{JobID: i.config.JobID, ShardingItem: i.config.ShardingItem}
	if i.config.Inventory {
		m.Values = []metrics.MetricValue{
			{Name: metrics.InventoryRowsMetricName, Value: float64(n), Type: metrics.COUNTER},
			{Name: metrics.InventoryBatchTimeMetricName, Value: float64(elapsed.Milliseconds()), Type: metrics.GAUGE},
		}
	} else {
		m.Values = []metrics.MetricValue{
			{Name: metrics.IncrementalEventsMetricName, Value: float64(n), Type: metrics.COUNTER},
		}
	}
	metrics.Send(ctx, i.config.Sink, i.logger, m)
}

// Stop makes Run return before the next fetch.
func (i *MySQLImporter) Stop() {
	i.stopped.Store(true)
}
