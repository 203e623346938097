package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/block/reshard/pkg/ingest"
	"github.com/block/reshard/pkg/position"
	"github.com/block/reshard/pkg/progress"
)

// InventoryTask copies one actual table of the source. Its position
// advances as the importer acknowledges records and becomes Finished once
// the whole table has been written.
type InventoryTask struct {
	sync.Mutex
	id             string
	dataSourceName string
	logicTable     string
	actualTable    string
	slice          int
	slices         *ingest.KeySlices
	env            *Environment
	handle         handleInfo
	position       position.IngestPosition
	dumper         ingest.Dumper
	importer       ingest.Importer
	stopped        bool
	logger         *slog.Logger
}

// handleInfo identifies the job-shard a task belongs to, for metrics.
type handleInfo struct {
	jobID        string
	shardingItem int
}

var _ PipelineTask = &InventoryTask{}

// InventoryTaskID is the id of the inventory task copying one slice of an
// actual table.
func InventoryTaskID(dataSourceName, actualTable string, slice int) string {
	return fmt.Sprintf("%s.%s#%d", dataSourceName, actualTable, slice)
}

func (t *InventoryTask) TaskID() string {
	return t.id
}

func (t *InventoryTask) Progress() progress.TaskProgress {
	t.Lock()
	defer t.Unlock()
	return progress.NewInventoryTaskProgress(t.position)
}

// Run copies the table. A task that is already finished returns at once, a
// stopped task returns nil without finishing.
func (t *InventoryTask) Run(ctx context.Context) error {
	t.Lock()
	if t.stopped || position.IsFinished(t.position) {
		t.Unlock()
		return nil
	}
	ch := ingest.NewMemoryChannel(t.env.BlockQueueSize, t.onAck)
	t.dumper = t.env.Factory.NewInventoryDumper(ingest.InventoryDumperConfig{
		DataSourceName: t.dataSourceName,
		LogicTable:     t.logicTable,
		ActualTable:    t.actualTable,
		Position:       t.position,
		Slices:         t.slices,
		Slice:          t.slice,
		BatchSize:      t.env.InputBatchSize,
		Throttler:      t.env.InputThrottler,
		Logger:         t.logger,
	}, t.env.Source, ch)
	t.importer = t.env.Factory.NewImporter(ingest.ImporterConfig{
		JobID:        t.handle.jobID,
		ShardingItem: t.handle.shardingItem,
		BatchSize:    t.env.OutputBatchSize,
		Inventory:    true,
		Applier:      t.env.Applier,
		Throttler:    t.env.OutputThrottler,
		Sink:         t.env.Sink,
		Logger:       t.logger,
	}, ch)
	dumper, importer := t.dumper, t.importer
	t.Unlock()
	defer ch.Close()

	t.logger.Info("inventory task starting", "position", t.Progress().Position().String())
	err := runDumperAndImporter(ctx, ch, dumper, importer, func() error {
		// Wait without ctx: the importer always ends once it is stopped.
		return t.env.ImporterEngine.Submit(importer, nil).Wait(context.Background())
	})
	if err != nil {
		return fmt.Errorf("inventory task %s failed: %w", t.id, err)
	}
	t.logger.Info("inventory task ended", "position", t.Progress().Position().String())
	return nil
}

func (t *InventoryTask) onAck(records []ingest.Record) {
	last := records[len(records)-1].Position()
	if last == nil {
		return
	}
	t.Lock()
	defer t.Unlock()
	t.position = last
}

// Stop is cooperative: the dumper ends after its current batch.
func (t *InventoryTask) Stop() {
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
