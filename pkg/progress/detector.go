package progress

import (
	"log/slog"

	"github.com/block/reshard/pkg/position"
)

// AllInventoryTasksFinished is true when every task is at the Finished
// position. An empty list counts as finished: usually there is simply no
// inventory left to copy, but it can also mean the splitter produced
// nothing, so it is logged.
func AllInventoryTasksFinished(tasks []TaskProgress) bool {
	if len(tasks) == 0 {
		slog.Warn("inventory tasks is empty, treating inventory as finished")
		return true
	}
	for _, t := range tasks {
		if t == nil || !position.IsFinished(t.Position()) {
			return false
		}
	}
	return true
}

// IsJobCompleted is true when every one of the expected sharding items
// reported a progress and none of them is still running.
func IsJobCompleted(shardingTotalCount int, progresses []*JobProgress) bool {
	if len(progresses) != shardingTotalCount {
		return false
	}
	for _, p := range progresses {
		if p == nil || p.Status.IsRunning() {
			return false
		}
	}
	return true
}
