package algorithm

import (
	"fmt"
	"strconv"

	"github.com/block/reshard/pkg/config"
)

// CompletionDetector decides when incremental replication has caught up
// enough to offer a cutover.
type CompletionDetector interface {
	AllIncrementalTasksAlmostFinished(idleMinutes []int64) bool
}

// IdleDetector reports almost finished once every incremental task has been
// idle for at least the threshold.
type IdleDetector struct {
	threshold int64
}

var _ CompletionDetector = &IdleDetector{}

// NewIdleDetector requires a positive incremental-task-idle-minute-threshold.
func NewIdleDetector(props map[string]string) (*IdleDetector, error) {
	raw, ok := props[config.PropIdleThreshold]
	if !ok {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidProps, config.PropIdleThreshold)
	}
	threshold, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q: %w", ErrInvalidProps, config.PropIdleThreshold, raw, err)
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidProps, config.PropIdleThreshold, threshold)
	}
	return &IdleDetector{threshold: threshold}, nil
}

func (d *IdleDetector) Threshold() int64 {
	return d.threshold
}

// AllIncrementalTasksAlmostFinished is false for no tasks.
func (d *IdleDetector) AllIncrementalTasksAlmostFinished(idleMinutes []int64) bool {
	if len(idleMinutes) == 0 {
		return false
	}
	for _, m := range idleMinutes {
		if m < d.threshold {
			return false
		}
	}
	return true
}
