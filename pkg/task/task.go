// Package task contains the pipeline tasks of a job-shard: inventory tasks
// copy a snapshot of one actual table, incremental tasks replicate the
// source's changes until they are stopped.
package task

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"

	"github.com/block/reshard/pkg/applier"
	"github.com/block/reshard/pkg/engine"
	"github.com/block/reshard/pkg/ingest"
	"github.com/block/reshard/pkg/metrics"
	"github.com/block/reshard/pkg/progress"
	"github.com/block/reshard/pkg/throttler"
)

// PipelineTask is a unit of work submitted to an execute engine.
type PipelineTask interface {
	engine.Runnable
	TaskID() string
	// Stop asks Run to return at the next unit of work.
	Stop()
	Progress() progress.TaskProgress
}

// Environment is what the tasks of one job-shard share. Nothing in it is
// modified by a task.
type Environment struct {
	Factory ingest.Factory
	// Source is the pool of the job-shard's source data source.
	Source          *sql.DB
	Applier         applier.Applier
	InputThrottler  throttler.Throttler
	OutputThrottler throttler.Throttler
	// ImporterEngine runs the importers of inventory tasks.
	ImporterEngine *engine.Engine
	InputBatchSize int
	// OutputBatchSize is the most records an importer applies at once.
	OutputBatchSize int
	BlockQueueSize  int
	Sink            metrics.Sink
	Logger          *slog.Logger
}

func (e *Environment) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Progresses returns the progress of every task, in order.
func Progresses[T PipelineTask](tasks []T) []progress.TaskProgress {
	result := make([]progress.TaskProgress, 0, len(tasks))
	for _, t := range tasks {
		result = append(result, t.Progress())
	}
	return result
}

// StopAll stops every task.
func StopAll[T PipelineTask](tasks []T) {
	for _, t := range tasks {
		t.Stop()
	}
}

// runDumperAndImporter runs both sides of a channel until they end. When
// one side fails the other is stopped and the channel closed, so neither
// stays blocked, and the first failure is returned. runImporter must not
// return before the importer has ended.
func runDumperAndImporter(ctx context.Context, ch ingest.Channel, dumper ingest.Dumper, importer ingest.Importer, runImporter func() error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		once     sync.Once
		firstErr error
		wg       sync.WaitGroup
	)
	fail := func(err error) {
		once.Do(func() { firstErr = err })
		dumper.Stop()
		importer.Stop()
		ch.Close()
		cancel()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := dumper.Run(ctx); err != nil {
			fail(err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := runImporter(); err != nil {
			fail(err)
		}
	}()
	wg.Wait()
	return firstErr
}
