package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/block/reshard/pkg/algorithm"
	"github.com/block/reshard/pkg/checksum"
	"github.com/block/reshard/pkg/dbconn"
	"github.com/block/reshard/pkg/job"
	"github.com/block/reshard/pkg/progress"
	"github.com/block/reshard/pkg/repository"
	"github.com/block/reshard/pkg/scheduler"
	"github.com/block/reshard/pkg/status"
	"github.com/block/reshard/pkg/utils"
)

var ErrJobNotReady = errors.New("job is not ready for cutover")

// JobInfo summarizes a persisted job.
type JobInfo struct {
	JobID              string
	DatabaseName       string
	Tables             []string
	ShardingTotalCount int
	// Active is true when a sharding item runs in this process.
	Active    bool
	Disabled  bool
	Completed bool
}

type JobAPIConfig struct {
	Governance *repository.Governance
	Runtime    Runtime
	Registry   *scheduler.Registry
	// Algorithms builds consistency checkers for jobs not running here.
	Algorithms *algorithm.Registry
	DBConfig   *dbconn.DBConfig
	// Events receives a CutoverReadyEvent per caught up job. Sends block,
	// so it needs a reader.
	Events chan<- CutoverReadyEvent
	Logger *slog.Logger
}

// JobAPI administers jobs and detects when they are ready for cutover.
type JobAPI struct {
	cfg    JobAPIConfig
	now    func() time.Time
	logger *slog.Logger

	sync.Mutex
	// held are the rule and row locks of jobs in ALMOST_FINISHED, released
	// when the job is finished or stopped.
	held map[string][]utils.Closer
}

func NewJobAPI(cfg JobAPIConfig) *JobAPI {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Algorithms == nil {
		cfg.Algorithms = algorithm.NewDefaultRegistry()
	}
	if cfg.DBConfig == nil {
		cfg.DBConfig = dbconn.NewDBConfig()
	}
	return &JobAPI{cfg: cfg, now: time.Now, logger: cfg.Logger, held: map[string][]utils.Closer{}}
}

func (a *JobAPI) List(ctx context.Context) ([]JobInfo, error) {
	ids, err := a.cfg.Governance.ListJobIDs(ctx)
	if err != nil {
		return nil, err
	}
	active := map[string]bool{}
	for _, id := range a.cfg.Registry.JobIDs() {
		active[id] = true
	}
	infos := make([]JobInfo, 0, len(ids))
	for _, id := range ids {
		jobConfig, err := a.cfg.Governance.GetJobConfiguration(ctx, id)
		if err != nil {
			return nil, err
		}
		disabled, err := a.cfg.Governance.IsJobDisabled(ctx, id)
		if err != nil {
			return nil, err
		}
		progresses, err := a.Progress(ctx, id)
		if err != nil {
			return nil, err
		}
		infos = append(infos, JobInfo{
			JobID:              id,
			DatabaseName:       jobConfig.DatabaseName,
			Tables:             jobConfig.AlteredLogicTables,
			ShardingTotalCount: jobConfig.ShardingTotalCount,
			Active:             active[id],
			Disabled:           disabled,
			Completed:          progress.IsJobCompleted(jobConfig.ShardingTotalCount, progresses),
		})
	}
	return infos, nil
}

// Progress returns the progress of every sharding item, nil for an item
// that has none yet. Items running in this process report their live
// progress, the others what was last persisted.
func (a *JobAPI) Progress(ctx context.Context, jobID string) ([]*progress.JobProgress, error) {
	jobConfig, err := a.cfg.Governance.GetJobConfiguration(ctx, jobID)
	if err != nil {
		return nil, err
	}
	progresses, err := a.cfg.Governance.GetJobProgresses(ctx, jobID, jobConfig.ShardingTotalCount)
	if err != nil {
		return nil, err
	}
	for _, jobCtx := range a.cfg.Registry.Get(jobID) {
		if item := jobCtx.ShardingItem(); item < len(progresses) {
			progresses[item] = jobCtx.ToJobProgress()
		}
	}
	return progresses, nil
}

// Start schedules a stopped job again.
func (a *JobAPI) Start(ctx context.Context, jobID string) error {
	jobConfig, err := a.cfg.Governance.GetJobConfiguration(ctx, jobID)
	if err != nil {
		return err
	}
	if err := a.cfg.Governance.SetJobDisabled(ctx, jobID, false); err != nil {
		return err
	}
	return a.cfg.Runtime.Schedule(ctx, jobConfig)
}

// Stop unschedules a job and keeps it from being resumed.
func (a *JobAPI) Stop(ctx context.Context, jobID string) error {
	if _, err := a.cfg.Governance.GetJobConfiguration(ctx, jobID); err != nil {
		return err
	}
	if err := a.cfg.Governance.SetJobDisabled(ctx, jobID, true); err != nil {
		return err
	}
	err := a.cfg.Runtime.Unschedule(ctx, jobID)
	a.release(jobID)
	return err
}

// Remove stops a job and deletes its configuration and progress.
func (a *JobAPI) Remove(ctx context.Context, jobID string) error {
	if err := a.Stop(ctx, jobID); err != nil {
		return err
	}
	return a.cfg.Governance.DeleteJob(ctx, jobID)
}

// CheckConsistency runs the job's consistency checker.
func (a *JobAPI) CheckConsistency(ctx context.Context, jobID string) ([]*checksum.Result, error) {
	if contexts := a.cfg.Registry.Get(jobID); len(contexts) > 0 && contexts[0].RuleAltered != nil {
		return contexts[0].RuleAltered.ConsistencyChecker.Check(ctx, contexts[0].JobConfig)
	}
	jobConfig, err := a.cfg.Governance.GetJobConfiguration(ctx, jobID)
	if err != nil {
		return nil, err
	}
	manager := dbconn.NewDataSourceManager(a.cfg.DBConfig)
	defer utils.CloseAndLogWith(a.logger, manager)
	checker, err := a.cfg.Algorithms.NewConsistencyChecker(jobConfig.ActionConfig.DataConsistencyChecker, &algorithm.Environment{
		Manager:  manager,
		DBConfig: a.cfg.DBConfig,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, err
	}
	return checker.Check(ctx, jobConfig)
}

// Finish confirms the cutover of a job in ALMOST_FINISHED: its tasks are
// stopped, the held locks released and every sharding item is persisted
// as FINISHED.
func (a *JobAPI) Finish(ctx context.Context, jobID string) error {
	progresses, err := a.Progress(ctx, jobID)
	if err != nil {
		return err
	}
	for item, p := range progresses {
		if p == nil || (p.Status != status.AlmostFinished && p.Status != status.Finished) {
			return fmt.Errorf("%w: job %s sharding item %d is %s", ErrJobNotReady, jobID, item, statusOf(p))
		}
	}
	if err := a.cfg.Runtime.Unschedule(ctx, jobID); err != nil {
		return err
	}
	a.release(jobID)
	for item, p := range progresses {
		p.Status = status.Finished
		if err := a.cfg.Governance.PersistJobProgress(ctx, jobID, item, p); err != nil {
			return err
		}
	}
	a.logger.Info("job finished", "job-id", jobID)
	return nil
}

func statusOf(p *progress.JobProgress) string {
	if p == nil {
		return "not started"
	}
	return p.Status.String()
}

func (a *JobAPI) hold(jobID string, closers ...utils.Closer) {
	a.Lock()
	defer a.Unlock()
	a.held[jobID] = append(a.held[jobID], closers...)
}

func (a *JobAPI) holding(jobID string) bool {
	a.Lock()
	defer a.Unlock()
	_, ok := a.held[jobID]
	return ok
}

func (a *JobAPI) release(jobID string) {
	a.Lock()
	closers := a.held[jobID]
	delete(a.held, jobID)
	a.Unlock()
	// row locks before the rule lock
	for i := len(closers) - 1; i >= 0; i-- {
		utils.CloseAndLogWith(a.logger, closers[i])
	}
}

// RunFinishedChecker calls CheckFinished on every interval until ctx is
// done.
func (a *JobAPI) RunFinishedChecker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.CheckFinished(ctx)
		}
	}
}

// CheckFinished looks at every job running in this process. A job whose
// sharding items are all replicating incrementally and are all idle per
// the completion detector is moved to ALMOST_FINISHED with source writes
// paused, checked for consistency and announced as ready for cutover.
func (a *JobAPI) CheckFinished(ctx context.Context) {
	for _, jobID := range a.cfg.Registry.JobIDs() {
		if a.holding(jobID) {
			continue
		}
		contexts := a.cfg.Registry.Get(jobID)
		if !a.almostFinished(contexts) {
			continue
		}
		if err := a.prepareCutover(ctx, contexts[0]); err != nil {
			a.logger.Error("could not prepare cutover", "job-id", jobID, "error", err)
		}
	}
}

func (a *JobAPI) almostFinished(contexts []*job.Context) bool {
	if len(contexts) == 0 || contexts[0].RuleAltered == nil {
		return false
	}
	if len(contexts) != contexts[0].JobConfig.ShardingTotalCount {
		return false
	}
	var idle []int64
	for _, jobCtx := range contexts {
		if jobCtx.Status() != status.ExecuteIncrementalTask {
			return false
		}
		idle = append(idle, jobCtx.IdleMinutes(a.now())...)
	}
	return contexts[0].RuleAltered.CompletionDetector.AllIncrementalTasksAlmostFinished(idle)
}

func (a *JobAPI) prepareCutover(ctx context.Context, jobCtx *job.Context) error {
	jobConfig, ruleAltered := jobCtx.JobConfig, jobCtx.RuleAltered
	jobID := jobConfig.JobID
	ruleLock, err := ruleAltered.RuleLock.TryLock(ctx, jobConfig.DatabaseName)
	if err != nil {
		return fmt.Errorf("could not take rule lock: %w", err)
	}
	a.cfg.Registry.UpdateJobStatus(jobID, status.AlmostFinished)
	rowLock, err := ruleAltered.SourceWritingLock.Lock(ctx, jobConfig)
	if err != nil {
		a.cfg.Registry.UpdateJobStatus(jobID, status.ExecuteIncrementalTask)
		utils.CloseAndLogWith(a.logger, ruleLock)
		return fmt.Errorf("could not stop source writing: %w", err)
	}
	a.hold(jobID, ruleLock, rowLock)
	a.logger.Info("source writing stopped, checking consistency", "job-id", jobID)

	results, err := ruleAltered.ConsistencyChecker.Check(ctx, jobConfig)
	if err != nil {
		a.resume(jobID)
		return fmt.Errorf("consistency check failed: %w", err)
	}
	consistent := true
	for _, r := range results {
		if !r.Matched() {
			consistent = false
			a.logger.Error("logic table is not consistent", "job-id", jobID, "table", r.LogicTable,
				"source-count", r.SourceCount, "target-count", r.TargetCount, "content-matched", r.ContentMatched)
		}
	}
	if !consistent {
		a.resume(jobID)
	}
	event := CutoverReadyEvent{JobID: jobID, DatabaseName: jobConfig.DatabaseName, Results: results, Consistent: consistent}
	if a.cfg.Events != nil {
		select {
		case a.cfg.Events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if consistent {
		a.logger.Info("job is ready for cutover", "job-id", jobID)
	}
	return nil
}

// resume lets source writes through again and returns the job to
// incremental replication.
func (a *JobAPI) resume(jobID string) {
	a.release(jobID)
	a.cfg.Registry.UpdateJobStatus(jobID, status.ExecuteIncrementalTask)
}
