package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/block/reshard/pkg/ingest"
	"github.com/block/reshard/pkg/position"
	"github.com/block/reshard/pkg/progress"
)

// IncrementalTask replicates the changes of one source data source. It
// never finishes on its own.
type IncrementalTask struct {
	sync.Mutex
	id             string
	dataSourceName string
	dsn            string
	tableNameMap   map[string]string
	env            *Environment
	handle         handleInfo
	position       position.IngestPosition
	delay          progress.Delay
	dumper         ingest.Dumper
	importer       ingest.Importer
	stopped        bool
	now            func() time.Time
	logger         *slog.Logger
}

var _ PipelineTask = &IncrementalTask{}

func (t *IncrementalTask) TaskID() string {
	return t.id
}

func (t *IncrementalTask) Progress() progress.TaskProgress {
	return t.IncrementalProgress()
}

// IncrementalProgress is Progress with the concrete type.
func (t *IncrementalTask) IncrementalProgress() *progress.IncrementalTaskProgress {
	t.Lock()
	defer t.Unlock()
	return progress.NewIncrementalTaskProgress(t.position, t.delay)
}

// IdleMinutes is how long the task has gone without applying a change.
func (t *IncrementalTask) IdleMinutes() int64 {
	return t.IncrementalProgress().IdleMinutes(t.now())
}

func (t *IncrementalTask) Run(ctx context.Context) error {
	t.Lock()
	if t.stopped {
		t.Unlock()
		return nil
	}
	if t.delay.LatestActiveTime.IsZero() {
		t.delay.LatestActiveTime = t.now()
	}
	ch := ingest.NewMemoryChannel(t.env.BlockQueueSize, t.onAck)
	t.dumper = t.env.Factory.NewIncrementalDumper(ingest.IncrementalDumperConfig{
		DataSourceName: t.dataSourceName,
		DSN:            t.dsn,
		TableNameMap:   t.tableNameMap,
		Position:       t.position,
		Logger:         t.logger,
	}, t.env.Source, ch)
	t.importer = t.env.Factory.NewImporter(ingest.ImporterConfig{
		JobID:        t.handle.jobID,
		ShardingItem: t.handle.shardingItem,
		BatchSize:    t.env.OutputBatchSize,
		Applier:      t.env.Applier,
		Throttler:    t.env.OutputThrottler,
		Sink:         t.env.Sink,
		Logger:       t.logger,
	}, ch)
	dumper, importer := t.dumper, t.importer
	t.Unlock()
	defer ch.Close()

	t.logger.Info("incremental task starting", "position", t.Progress().Position().String())
	err := runDumperAndImporter(ctx, ch, dumper, importer, func() error {
		return importer.Run(ctx)
	})
	if err != nil {
		return fmt.Errorf("incremental task %s failed: %w", t.id, err)
	}
	t.logger.Info("incremental task stopped", "position", t.Progress().Position().String())
	return nil
}

func (t *IncrementalTask) onAck(records []ingest.Record) {
	t.Lock()
	defer t.Unlock()
	for _, r := range records {
		data, ok := r.(*ingest.DataRecord)
		if !ok {
			// Only placeholders mark a committed transaction, resuming from a
			// row record could start inside one.
			if pos := r.Position(); pos != nil {
				t.position = pos
			}
			continue
		}
		t.delay.LatestActiveTime = t.now()
		if !data.CommitTime.IsZero() {
			t.delay.LastEventTimestamp = data.CommitTime
		}
	}
}

func (t *IncrementalTask) Stop() {
	t.Lock()
	defer t.Unlock()
	t.stopped = true
	if t.dumper != nil {
		t.dumper.Stop()
	}
	if t.importer != nil {
		t.importer.Stop()
	}
}
