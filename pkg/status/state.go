// Package status holds the job status state machine of a job-shard.
package status

import (
	"errors"
	"fmt"
	"sync/atomic"
)

//nolint:recvcheck // String() uses value receiver, the Cell uses pointer receivers (atomic ops)
type JobStatus int32

var ErrUnknownStatus = errors.New("unknown job status")

const (
	Running JobStatus = iota
	ExecuteInventoryTask
	ExecuteIncrementalTask
	AlmostFinished
	Finished
	PreparingFailure
	ExecuteInventoryTaskFailure
	ExecuteIncrementalTaskFailure
)

var names = map[JobStatus]string{
	Running:                       "RUNNING",
	ExecuteInventoryTask:          "EXECUTE_INVENTORY_TASK",
	ExecuteIncrementalTask:        "EXECUTE_INCREMENTAL_TASK",
	AlmostFinished:                "ALMOST_FINISHED",
	Finished:                      "FINISHED",
	PreparingFailure:              "PREPARING_FAILURE",
	ExecuteInventoryTaskFailure:   "EXECUTE_INVENTORY_TASK_FAILURE",
	ExecuteIncrementalTaskFailure: "EXECUTE_INCREMENTAL_TASK_FAILURE",
}

func (s JobStatus) String() string {
	if name, ok := names[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsRunning reports whether the job-shard still has work in flight.
// ALMOST_FINISHED is running: incremental replication continues until cutover.
func (s JobStatus) IsRunning() bool {
	switch s {
	case Running, ExecuteInventoryTask, ExecuteIncrementalTask, AlmostFinished:
		return true
	}
	return false
}

func (s JobStatus) IsFailure() bool {
	switch s {
	case PreparingFailure, ExecuteInventoryTaskFailure, ExecuteIncrementalTaskFailure:
		return true
	}
	return false
}

func ParseJobStatus(s string) (JobStatus, error) {
	for status, name := range names {
		if name == s {
			return status, nil
		}
	}
	return Running, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

func (s JobStatus) MarshalText() ([]byte, error) {
	if _, ok := names[s]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, int32(s))
	}
	return []byte(s.String()), nil
}

func (s *JobStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseJobStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// transitions lists the legal forward moves. Failure states have no
// outgoing edge and EXECUTE_INCREMENTAL_TASK may be re-entered.
var transitions = map[JobStatus][]JobStatus{
	Running:                {ExecuteInventoryTask, ExecuteIncrementalTask, PreparingFailure},
	ExecuteInventoryTask:   {ExecuteIncrementalTask, ExecuteInventoryTaskFailure},
	ExecuteIncrementalTask: {ExecuteIncrementalTask, AlmostFinished, ExecuteIncrementalTaskFailure},
	AlmostFinished:         {Finished, ExecuteIncrementalTaskFailure},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Cell is an atomic JobStatus. The zero value is RUNNING.
type Cell struct {
	v atomic.Int32
}

func NewCell(initial JobStatus) *Cell {
	c := &Cell{}
	c.v.Store(int32(initial))
	return c
}

func (c *Cell) Get() JobStatus {
	return JobStatus(c.v.Load())
}

// Transition moves the cell to `to` if the move is legal from the current
// value. It returns false and leaves the cell untouched otherwise.
func (c *Cell) Transition(to JobStatus) bool {
	for {
		from := c.v.Load()
		if !CanTransition(JobStatus(from), to) {
			return false
		}
		if c.v.CompareAndSwap(from, int32(to)) {
			return true
		}
	}
}

// ForceSet overwrites the status. It is used for externally driven
// changes and when restoring persisted progress.
func (c *Cell) ForceSet(to JobStatus) {
	c.v.Store(int32(to))
}
