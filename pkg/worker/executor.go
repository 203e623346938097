package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/dbconn"
	"github.com/block/reshard/pkg/job"
	"github.com/block/reshard/pkg/metrics"
	"github.com/block/reshard/pkg/prepare"
	"github.com/block/reshard/pkg/repository"
	"github.com/block/reshard/pkg/scheduler"
	"github.com/block/reshard/pkg/status"
	"github.com/block/reshard/pkg/utils"
)

// Preparer plans the tasks of a job-shard before it is scheduled.
type Preparer interface {
	Prepare(ctx context.Context, jobCtx *job.Context) error
}

type ExecutorConfig struct {
	Governance *repository.Governance
	Registry   *scheduler.Registry
	Persist    *scheduler.PersistService
	Contexts   *job.ContextManager
	Preparer   Preparer
	DBConfig   *dbconn.DBConfig
	Sink       metrics.Sink
	Logger     *slog.Logger
}

// Executor is the entry point the job runtime calls for every sharding
// item it owns.
type Executor struct {
	cfg    ExecutorConfig
	logger *slog.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Preparer == nil {
		cfg.Preparer = prepare.NewPreparer(cfg.DBConfig, cfg.Logger)
	}
	return &Executor{cfg: cfg, logger: cfg.Logger}
}

func (e *Executor) isRunning(jobID string, shardingItem int) bool {
	for _, jobCtx := range e.cfg.Registry.Get(jobID) {
		if jobCtx.ShardingItem() == shardingItem {
			return true
		}
	}
	return false
}

// Execute starts a sharding item of a job. jobParameter is the serialized
// job configuration. A sharding item already running here is left alone.
// When preparation fails the item's progress is persisted with
// PREPARING_FAILURE and the job is stopped in this process.
func (e *Executor) Execute(ctx context.Context, jobName string, shardingItem int, jobParameter string) error {
	jobConfig, err := config.UnmarshalJobConfiguration(jobParameter)
	if err != nil {
		return err
	}
	if err := jobConfig.Validate(); err != nil {
		return err
	}
	if jobConfig.JobID != jobName {
		return fmt.Errorf("job parameter is for job %s, not %s", jobConfig.JobID, jobName)
	}
	logger := e.logger.With("job-id", jobName, "sharding-item", shardingItem)
	if e.isRunning(jobName, shardingItem) {
		logger.Info("job-shard is already running, ignoring execute")
		return nil
	}
	initProgress, err := e.cfg.Governance.GetJobProgress(ctx, jobName, shardingItem)
	if err != nil {
		return err
	}
	ruleAltered, err := e.cfg.Contexts.Get(ctx, jobConfig)
	if err != nil {
		return err
	}
	jobCtx, err := job.NewContext(jobConfig, shardingItem, initProgress, ruleAltered, &job.ContextConfig{
		DBConfig: e.cfg.DBConfig,
		Sink:     e.cfg.Sink,
		Logger:   e.logger,
	})
	if err != nil {
		return err
	}
	if err := e.cfg.Preparer.Prepare(ctx, jobCtx); err != nil {
		logger.Error("job-shard preparation failed", "error", err)
		jobCtx.ForceStatus(status.PreparingFailure)
		if perr := e.cfg.Governance.PersistJobProgress(ctx, jobName, shardingItem, jobCtx.ToJobProgress()); perr != nil {
			logger.Error("could not persist job progress", "error", perr)
		}
		utils.CloseAndLogWith(logger, jobCtx)
		e.Stop(ctx, jobName)
		return err
	}
	if err := e.cfg.Governance.PersistJobProgress(ctx, jobName, shardingItem, jobCtx.ToJobProgress()); err != nil {
		logger.Error("could not persist job progress", "error", err)
	}
	if !e.cfg.Registry.Start(jobCtx) {
		utils.CloseAndLogWith(logger, jobCtx)
		return nil
	}
	e.cfg.Persist.AddJobPersistParameter(jobCtx)
	return nil
}

// Stop stops every sharding item of a job running in this process and
// checkpoints their final progress.
func (e *Executor) Stop(ctx context.Context, jobName string) {
	for _, jobCtx := range e.cfg.Registry.Stop(ctx, jobName) {
		if err := e.cfg.Governance.PersistJobProgress(ctx, jobName, jobCtx.ShardingItem(), jobCtx.ToJobProgress()); err != nil {
			e.logger.Error("could not persist job progress", "job-id", jobName, "sharding-item", jobCtx.ShardingItem(), "error", err)
		}
		utils.CloseAndLogWith(e.logger, jobCtx)
	}
	e.cfg.Persist.RemoveJobPersistParameter(jobName)
	if f, ok := e.cfg.Sink.(interface{ Forget(jobID string) }); ok {
		f.Forget(jobName)
	}
	if err := e.cfg.Contexts.Remove(jobName); err != nil {
		e.logger.Error("could not close job algorithms", "job-id", jobName, "error", err)
	}
}
