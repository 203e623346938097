package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/progress"
	"github.com/block/reshard/pkg/repository"
)

// Runtime distributes the sharding items of a job to the processes that
// execute them.
type Runtime interface {
	Schedule(ctx context.Context, job *config.JobConfiguration) error
	Unschedule(ctx context.Context, jobID string) error
}

// LocalRuntime executes every sharding item in this process.
type LocalRuntime struct {
	executor   *Executor
	governance *repository.Governance
	logger     *slog.Logger
}

var _ Runtime = &LocalRuntime{}

func NewLocalRuntime(executor *Executor, governance *repository.Governance, logger *slog.Logger) *LocalRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRuntime{executor: executor, governance: governance, logger: logger}
}

// Schedule executes each sharding item in turn. A failing item does not
// keep the others from starting.
func (r *LocalRuntime) Schedule(ctx context.Context, job *config.JobConfiguration) error {
	parameter, err := config.MarshalJobConfiguration(job)
	if err != nil {
		return err
	}
	var errs []error
	for item := range job.ShardingTotalCount {
		if err := r.executor.Execute(ctx, job.JobID, item, parameter); err != nil {
			r.logger.Error("could not execute job-shard", "job-id", job.JobID, "sharding-item", item, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *LocalRuntime) Unschedule(ctx context.Context, jobID string) error {
	r.executor.Stop(ctx, jobID)
	return nil
}

// Resume schedules the persisted jobs that are neither complete nor
// stopped, so a restarted process picks up where it left off.
func (r *LocalRuntime) Resume(ctx context.Context) error {
	ids, err := r.governance.ListJobIDs(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		disabled, err := r.governance.IsJobDisabled(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if disabled {
			r.logger.Info("job is stopped, not resuming", "job-id", id)
			continue
		}
		job, err := r.governance.GetJobConfiguration(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		progresses, err := r.governance.GetJobProgresses(ctx, id, job.ShardingTotalCount)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if progress.IsJobCompleted(job.ShardingTotalCount, progresses) {
			continue
		}
		r.logger.Info("resuming job", "job-id", id)
		if err := r.Schedule(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
