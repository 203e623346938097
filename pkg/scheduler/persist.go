package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/block/reshard/pkg/metrics"
	"github.com/block/reshard/pkg/progress"
)

// ProgressSource is a job-shard whose progress can be snapshotted.
type ProgressSource interface {
	JobID() string
	ShardingItem() int
	ToJobProgress() *progress.JobProgress
}

type persistKey struct {
	jobID        string
	shardingItem int
}

type persistEntry struct {
	source ProgressSource
	dirty  bool
}

// PersistService writes the progress of registered job-shards at most
// once per interval. Any number of triggers between two ticks result in a
// single write.
type PersistService struct {
	sync.Mutex
	store    ProgressStore
	interval time.Duration
	entries  map[persistKey]*persistEntry
	sink     metrics.Sink
	logger   *slog.Logger
}

func NewPersistService(store ProgressStore, interval time.Duration, logger *slog.Logger) *PersistService {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &PersistService{
		store:    store,
		interval: interval,
		entries:  map[persistKey]*persistEntry{},
		logger:   logger,
	}
}

// SetSink sends checkpoint metrics to sink.
func (p *PersistService) SetSink(sink metrics.Sink) {
	p.Lock()
	defer p.Unlock()
	p.sink = sink
}

// AddJobPersistParameter starts tracking a job-shard.
func (p *PersistService) AddJobPersistParameter(source ProgressSource) {
	p.Lock()
	defer p.Unlock()
	p.entries[persistKey{source.JobID(), source.ShardingItem()}] = &persistEntry{source: source}
}

// RemoveJobPersistParameter stops tracking every job-shard of a job.
func (p *PersistService) RemoveJobPersistParameter(jobID string) {
	p.Lock()
	defer p.Unlock()
	for key := range p.entries {
		if key.jobID == jobID {
			delete(p.entries, key)
		}
	}
}

// TriggerPersist marks a job-shard as needing a write on the next tick.
// Unknown job-shards are ignored.
func (p *PersistService) TriggerPersist(jobID string, shardingItem int) {
	p.Lock()
	defer p.Unlock()
	if e, ok := p.entries[persistKey{jobID, shardingItem}]; ok {
		e.dirty = true
	}
}

// Flush writes every dirty job-shard. An entry whose write fails stays
// dirty.
func (p *PersistService) Flush(ctx context.Context) {
	p.Lock()
	var pending []*persistEntry
	for _, e := range p.entries {
		if e.dirty {
			e.dirty = false
			pending = append(pending, e)
		}
	}
	sink := p.sink
	p.Unlock()
	for _, e := range pending {
		jobID, item := e.source.JobID(), e.source.ShardingItem()
		snapshot := e.source.ToJobProgress()
		err := p.store.PersistJobProgress(ctx, jobID, item, snapshot)
		if err != nil {
			p.logger.Error("could not persist job progress", "job-id", jobID, "sharding-item", item, "error", err)
			p.TriggerPersist(jobID, item)
		}
		reportPersist(ctx, sink, p.logger, jobID, item, snapshot, err)
	}
}

// Run flushes on every interval until ctx is done.
func (p *PersistService) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}
