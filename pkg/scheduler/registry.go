package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/block/reshard/pkg/job"
	"github.com/block/reshard/pkg/metrics"
	"github.com/block/reshard/pkg/progress"
	"github.com/block/reshard/pkg/status"
)

// ProgressStore is where job-shard progress is checkpointed.
type ProgressStore interface {
	PersistJobProgress(ctx context.Context, jobID string, shardingItem int, p *progress.JobProgress) error
}

type RegistryConfig struct {
	Store           ProgressStore
	Cleaner         Cleaner
	PersistInterval time.Duration
	StatusInterval  time.Duration
	// Sink receives checkpoint and status metrics. It may be nil.
	Sink metrics.Sink
	// OnProgress is passed to every scheduler.
	OnProgress func(jobID string, shardingItem int)
	Logger     *slog.Logger
}

// Registry holds the schedulers of every job-shard running in this process.
type Registry struct {
	sync.Mutex
	cfg        RegistryConfig
	schedulers map[string]map[int]*Scheduler
	newFn      func(*job.Context) *Scheduler
	logger     *slog.Logger
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = time.Second
	}
	r := &Registry{
		cfg:        cfg,
		schedulers: map[string]map[int]*Scheduler{},
		logger:     cfg.Logger,
	}
	r.newFn = func(jobCtx *job.Context) *Scheduler {
		return newDefaultScheduler(jobCtx, cfg)
	}
	return r
}

// Start registers and starts a scheduler for the job-shard unless one is
// already registered, in which case it returns false and does nothing.
func (r *Registry) Start(jobCtx *job.Context) bool {
	r.Lock()
	items, ok := r.schedulers[jobCtx.JobID()]
	if !ok {
		items = map[int]*Scheduler{}
		r.schedulers[jobCtx.JobID()] = items
	}
	if _, exists := items[jobCtx.ShardingItem()]; exists {
		r.Unlock()
		r.logger.Info("job-shard is already scheduled, ignoring start", "job-id", jobCtx.JobID(), "sharding-item", jobCtx.ShardingItem())
		return false
	}
	s := r.newFn(jobCtx)
	items[jobCtx.ShardingItem()] = s
	r.Unlock()
	s.Start()
	return true
}

// Stop stops and removes every job-shard of a job. It returns the contexts
// that were stopped.
func (r *Registry) Stop(ctx context.Context, jobID string) []*job.Context {
	r.Lock()
	items := r.schedulers[jobID]
	delete(r.schedulers, jobID)
	r.Unlock()
	contexts := make([]*job.Context, 0, len(items))
	for _, s := range sortedSchedulers(items) {
		s.Stop(ctx)
		contexts = append(contexts, s.JobContext())
	}
	if len(items) > 0 {
		r.logger.Info("stopped job", "job-id", jobID, "sharding-items", len(items))
	}
	return contexts
}

// UpdateJobStatus overwrites the status of every job-shard of a job.
func (r *Registry) UpdateJobStatus(jobID string, to status.JobStatus) {
	for _, jobCtx := range r.Get(jobID) {
		jobCtx.ForceStatus(to)
		if r.cfg.OnProgress != nil {
			r.cfg.OnProgress(jobID, jobCtx.ShardingItem())
		}
	}
}

// Get returns the contexts of a job's job-shards in this process, ordered
// by sharding item.
func (r *Registry) Get(jobID string) []*job.Context {
	r.Lock()
	defer r.Unlock()
	schedulers := sortedSchedulers(r.schedulers[jobID])
	contexts := make([]*job.Context, 0, len(schedulers))
	for _, s := range schedulers {
		contexts = append(contexts, s.JobContext())
	}
	return contexts
}

// JobIDs returns the ids of the jobs with a job-shard in this process.
func (r *Registry) JobIDs() []string {
	r.Lock()
	defer r.Unlock()
	ids := make([]string, 0, len(r.schedulers))
	for id := range r.schedulers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedSchedulers(items map[int]*Scheduler) []*Scheduler {
	keys := make([]int, 0, len(items))
	for item := range items {
		keys = append(keys, item)
	}
	sort.Ints(keys)
	result := make([]*Scheduler, 0, len(keys))
	for _, k := range keys {
		result = append(result, items[k])
	}
	return result
}

// PersistAll checkpoints every job-shard. A failed write is logged and
// retried on the next tick, it never stops the other job-shards.
func (r *Registry) PersistAll(ctx context.Context) {
	for _, id := range r.JobIDs() {
		for _, jobCtx := range r.Get(id) {
			r.persist(ctx, jobCtx)
		}
	}
}

func (r *Registry) persist(ctx context.Context, jobCtx *job.Context) {
	p := jobCtx.ToJobProgress()
	err := r.cfg.Store.PersistJobProgress(ctx, jobCtx.JobID(), jobCtx.ShardingItem(), p)
	if err != nil {
		r.logger.Error("could not persist job progress", "job-id", jobCtx.JobID(), "sharding-item", jobCtx.ShardingItem(), "error", err)
	}
	reportPersist(ctx, r.cfg.Sink, r.logger, jobCtx.JobID(), jobCtx.ShardingItem(), p, err)
}

// Run checkpoints on every persist interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.PersistAll(ctx)
		}
	}
}

// Close stops every job. The final progress of each job-shard is persisted
// so a restart resumes from it, then its pools are released.
func (r *Registry) Close(ctx context.Context) {
	for _, id := range r.JobIDs() {
		for _, jobCtx := range r.Stop(ctx, id) {
			r.persist(ctx, jobCtx)
			if err := jobCtx.Close(); err != nil {
				r.logger.Warn("could not close job context", "job-id", jobCtx.JobID(), "sharding-item", jobCtx.ShardingItem(), "error", err)
			}
		}
	}
}
