// Package scheduler runs the tasks of job-shards: a Scheduler drives one
// job-shard through inventory and incremental execution, the Registry keeps
// the schedulers of this process and checkpoints their progress, and the
// PersistService coalesces high frequency progress signals into writes.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/block/reshard/pkg/engine"
	"github.com/block/reshard/pkg/job"
	"github.com/block/reshard/pkg/progress"
	"github.com/block/reshard/pkg/status"
	"github.com/block/reshard/pkg/task"
)

// Engine runs submitted tasks. *engine.Engine is the implementation.
type Engine interface {
	Submit(r engine.Runnable, cb engine.Callback) *engine.Future
}

// Cleaner releases the position resources of a job-shard.
type Cleaner interface {
	Cleanup(ctx context.Context, jobCtx *job.Context) error
}

type SchedulerConfig struct {
	InventoryEngine   Engine
	IncrementalEngine Engine
	Cleaner           Cleaner
	// OnProgress is called whenever the job-shard's progress changed in a
	// way worth checkpointing. It may be nil.
	OnProgress func(jobID string, shardingItem int)
	// StatusInterval is how often the job-shard's status is logged. Zero
	// disables the log.
	StatusInterval time.Duration
	Logger         *slog.Logger
}

// Scheduler drives one job-shard: inventory tasks first, then incremental
// tasks, until it is stopped.
type Scheduler struct {
	sync.Mutex
	jobCtx  *job.Context
	cfg     SchedulerConfig
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewScheduler(jobCtx *job.Context, cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = jobCtx.Logger()
	}
	return &Scheduler{jobCtx: jobCtx, cfg: cfg, logger: logger}
}

// newDefaultScheduler uses the engines of the job's algorithm context.
func newDefaultScheduler(jobCtx *job.Context, cfg RegistryConfig) *Scheduler {
	return NewScheduler(jobCtx, SchedulerConfig{
		InventoryEngine:   jobCtx.RuleAltered.InventoryDumperEngine,
		IncrementalEngine: jobCtx.RuleAltered.IncrementalDumperEngine,
		Cleaner:           cfg.Cleaner,
		OnProgress:        cfg.OnProgress,
		StatusInterval:    cfg.StatusInterval,
	})
}

func (s *Scheduler) JobContext() *job.Context {
	return s.jobCtx
}

// Start spawns the run loop and returns at once.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.Lock()
	s.cancel = cancel
	s.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
	if s.cfg.StatusInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			status.WatchStatus(ctx, s.jobCtx, s.cfg.StatusInterval, s.logger)
		}()
	}
}

func (s *Scheduler) run() {
	if s.isStopped() {
		return
	}
	if progress.AllInventoryTasksFinished(task.Progresses(s.jobCtx.InventoryTasks())) {
		s.logger.Info("all inventory tasks are finished, starting incremental tasks")
		s.executeIncremental()
		return
	}
	s.executeInventory()
}

func (s *Scheduler) isStopped() bool {
	s.Lock()
	defer s.Unlock()
	return s.stopped
}

func (s *Scheduler) progressed() {
	if s.cfg.OnProgress != nil {
		s.cfg.OnProgress(s.jobCtx.JobID(), s.jobCtx.ShardingItem())
	}
}

func (s *Scheduler) executeInventory() {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return
	}
	if !s.jobCtx.TransitionStatus(status.ExecuteInventoryTask) {
		s.logger.Warn("can not start inventory tasks", "status", s.jobCtx.Status().String())
		return
	}
	tasks := s.jobCtx.InventoryTasks()
	s.logger.Info("starting inventory tasks", "count", len(tasks))
	for _, t := range tasks {
		s.cfg.InventoryEngine.Submit(t, &inventoryCallback{s: s, taskID: t.TaskID()})
	}
	s.progressed()
}

type inventoryCallback struct {
	s      *Scheduler
	taskID string
}

func (c *inventoryCallback) OnSuccess() {
	s := c.s
	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	finished := progress.AllInventoryTasksFinished(task.Progresses(s.jobCtx.InventoryTasks()))
	s.Unlock()
	s.logger.Info("inventory task finished", "task-id", c.taskID)
	s.progressed()
	if finished {
		s.executeIncremental()
	}
}

func (c *inventoryCallback) OnFailure(err error) {
	c.s.fail(c.taskID, err, status.ExecuteInventoryTaskFailure)
}

// executeIncremental is reached from the run loop and from the callback of
// the last inventory task. Only the first call submits.
func (s *Scheduler) executeIncremental() {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return
	}
	if s.jobCtx.Status() == status.ExecuteIncrementalTask {
		return
	}
	if !s.jobCtx.TransitionStatus(status.ExecuteIncrementalTask) {
		s.logger.Warn("can not start incremental tasks", "status", s.jobCtx.Status().String())
		return
	}
	tasks := s.jobCtx.IncrementalTasks()
	s.logger.Info("starting incremental tasks", "count", len(tasks))
	for _, t := range tasks {
		s.cfg.IncrementalEngine.Submit(t, &incrementalCallback{s: s, taskID: t.TaskID()})
	}
	s.progressed()
}

type incrementalCallback struct {
	s      *Scheduler
	taskID string
}

func (c *incrementalCallback) OnSuccess() {
	c.s.logger.Info("incremental task ended", "task-id", c.taskID)
}

func (c *incrementalCallback) OnFailure(err error) {
	c.s.fail(c.taskID, err, status.ExecuteIncrementalTaskFailure)
}

// fail stops every task and records the failure. Failures reported after
// Stop are the tasks being cancelled and are ignored.
func (s *Scheduler) fail(taskID string, err error, failure status.JobStatus) {
	s.Lock()
	if s.stopped {
		s.Unlock()
		s.logger.Debug("task ended after stop", "task-id", taskID, "error", err)
		return
	}
	s.stopTasks()
	if !s.jobCtx.TransitionStatus(failure) {
		s.logger.Warn("could not record task failure", "status", s.jobCtx.Status().String(), "failure", failure.String())
	}
	s.Unlock()
	s.logger.Error("task failed", "task-id", taskID, "error", err)
	s.progressed()
}

func (s *Scheduler) stopTasks() {
	task.StopAll(s.jobCtx.InventoryTasks())
	task.StopAll(s.jobCtx.IncrementalTasks())
}

// Stop stops every task and waits for the run loop. It is idempotent. A
// job-shard stopped in ALMOST_FINISHED has its position resources cleaned
// up.
func (s *Scheduler) Stop(ctx context.Context) {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	s.stopTasks()
	if s.cancel != nil {
		s.cancel()
	}
	current := s.jobCtx.Status()
	s.Unlock()
	s.wg.Wait()
	s.logger.Info("stopped job-shard", "status", current.String())
	if current == status.AlmostFinished && s.cfg.Cleaner != nil {
		if err := s.cfg.Cleaner.Cleanup(ctx, s.jobCtx); err != nil {
			s.logger.Error("cleanup failed", "error", err)
		}
	}
}
