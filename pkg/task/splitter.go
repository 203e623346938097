package task

import (
	"fmt"
	"sort"
	"time"

	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/ingest"
	"github.com/block/reshard/pkg/position"
	"github.com/block/reshard/pkg/progress"
)

// SplitInventory plans the inventory tasks of the sharding item: each
// actual table is cut into Handle.Concurrency key slices, resumed from
// initProgress when they have a position. It does no I/O; the key ranges
// are resolved by the first dumper of the table that runs.
func SplitInventory(taskConfig *config.TaskConfiguration, initProgress *progress.JobProgress, env *Environment) []*InventoryTask {
	dumper := taskConfig.Dumper
	concurrency := max(taskConfig.Handle.Concurrency, 1)
	actualTables := make([]string, 0, len(dumper.TableNameMap))
	for actual := range dumper.TableNameMap {
		actualTables = append(actualTables, actual)
	}
	sort.Strings(actualTables)
	tasks := make([]*InventoryTask, 0, len(actualTables)*concurrency)
	for _, actual := range actualTables {
		positions, resumed := slicePositions(dumper.DataSourceName, actual, concurrency, initProgress)
		var slices *ingest.KeySlices
		if concurrency > 1 && !resumed {
			slices = ingest.NewKeySlices(concurrency)
		}
		for i, pos := range positions {
			id := InventoryTaskID(dumper.DataSourceName, actual, i)
			tasks = append(tasks, &InventoryTask{
				id:             id,
				dataSourceName: dumper.DataSourceName,
				logicTable:     dumper.TableNameMap[actual],
				actualTable:    actual,
				slice:          i,
				slices:         slices,
				env:            env,
				handle:         handleInfo{jobID: taskConfig.Handle.JobID, shardingItem: taskConfig.Handle.ShardingItem},
				position:       pos,
				logger:         env.logger().With("task-id", id),
			})
		}
	}
	return tasks
}

// slicePositions returns the start position of every slice of a table and
// whether any slice checkpointed in a previous run. The ranges of that run
// are gone for slices that never checkpointed, so those copy the whole
// table instead of cutting it again.
func slicePositions(dataSourceName, actual string, concurrency int, initProgress *progress.JobProgress) ([]position.IngestPosition, bool) {
	positions := make([]position.IngestPosition, concurrency)
	resumed := false
	for i := range positions {
		positions[i] = position.Placeholder{}
		if pos, ok := initProgress.InventoryPosition(InventoryTaskID(dataSourceName, actual, i)); ok {
			positions[i] = pos
			if _, placeholder := pos.(position.Placeholder); !placeholder {
				resumed = true
			}
		}
	}
	return positions, resumed
}

// NewIncrementalTask creates the incremental task of the sharding item's
// source, starting at pos. delay is restored from a previous run when
// there was one.
func NewIncrementalTask(taskConfig *config.TaskConfiguration, pos position.IngestPosition, delay progress.Delay, env *Environment) (*IncrementalTask, error) {
	dsn, err := taskConfig.Dumper.DataSource.DSN()
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("incremental task of %s has no start position", taskConfig.Dumper.DataSourceName)
	}
	id := taskConfig.Dumper.DataSourceName
	return &IncrementalTask{
		id:             id,
		dataSourceName: taskConfig.Dumper.DataSourceName,
		dsn:            dsn,
		tableNameMap:   taskConfig.Dumper.TableNameMap,
		env:            env,
		handle:         handleInfo{jobID: taskConfig.Handle.JobID, shardingItem: taskConfig.Handle.ShardingItem},
		position:       pos,
		delay:          delay,
		now:            time.Now,
		logger:         env.logger().With("task-id", id),
	}, nil
}
