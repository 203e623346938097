package repository

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/progress"
)

const (
	rootPath    = "/scaling"
	configKey   = "config"
	disabledKey = "disabled"
)

// Governance is the typed view of the repository. Keys are laid out as
//
//	/scaling/<job id>/config       job configuration (YAML)
//	/scaling/<job id>/disabled     present while the job is stopped
//	/scaling/<job id>/<item>       job-shard progress (YAML)
type Governance struct {
	kv KV
}

func NewGovernance(kv KV) *Governance {
	return &Governance{kv: kv}
}

func jobPath(jobID string) string {
	return path.Join(rootPath, jobID)
}

func progressKey(jobID string, shardingItem int) string {
	return path.Join(rootPath, jobID, strconv.Itoa(shardingItem))
}

func (g *Governance) PersistJobConfiguration(ctx context.Context, job *config.JobConfiguration) error {
	text, err := config.MarshalJobConfiguration(job)
	if err != nil {
		return err
	}
	return g.kv.Persist(ctx, path.Join(jobPath(job.JobID), configKey), text)
}

// GetJobConfiguration returns ErrNotFound for an unknown job.
func (g *Governance) GetJobConfiguration(ctx context.Context, jobID string) (*config.JobConfiguration, error) {
	text, err := g.kv.Get(ctx, path.Join(jobPath(jobID), configKey))
	if err != nil {
		return nil, err
	}
	job, err := config.UnmarshalJobConfiguration(text)
	if err != nil {
		return nil, fmt.Errorf("job %s has an unreadable configuration: %w", jobID, err)
	}
	return job, nil
}

// ListJobIDs returns the ids of the jobs that have a configuration, sorted.
func (g *Governance) ListJobIDs(ctx context.Context) ([]string, error) {
	keys, err := g.kv.List(ctx, rootPath+"/")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, key := range keys {
		parts := strings.Split(strings.TrimPrefix(key, rootPath+"/"), "/")
		if len(parts) == 2 && parts[1] == configKey {
			ids = append(ids, parts[0])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (g *Governance) PersistJobProgress(ctx context.Context, jobID string, shardingItem int, p *progress.JobProgress) error {
	data, err := progress.Marshal(p)
	if err != nil {
		return err
	}
	return g.kv.Persist(ctx, progressKey(jobID, shardingItem), string(data))
}

// GetJobProgress returns nil without error when the job-shard never
// persisted a progress.
func (g *Governance) GetJobProgress(ctx context.Context, jobID string, shardingItem int) (*progress.JobProgress, error) {
	text, err := g.kv.Get(ctx, progressKey(jobID, shardingItem))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p, err := progress.Unmarshal([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("job %s sharding item %d has an unreadable progress: %w", jobID, shardingItem, err)
	}
	return p, nil
}

// GetJobProgresses returns one entry per sharding item, nil where none
// was persisted.
func (g *Governance) GetJobProgresses(ctx context.Context, jobID string, shardingTotalCount int) ([]*progress.JobProgress, error) {
	result := make([]*progress.JobProgress, shardingTotalCount)
	for i := range shardingTotalCount {
		p, err := g.GetJobProgress(ctx, jobID, i)
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

// SetJobDisabled marks a job as stopped so it is not resumed.
func (g *Governance) SetJobDisabled(ctx context.Context, jobID string, disabled bool) error {
	key := path.Join(jobPath(jobID), disabledKey)
	if disabled {
		return g.kv.Persist(ctx, key, "true")
	}
	return g.kv.Delete(ctx, key)
}

func (g *Governance) IsJobDisabled(ctx context.Context, jobID string) (bool, error) {
	_, err := g.kv.Get(ctx, path.Join(jobPath(jobID), disabledKey))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// DeleteJob removes the configuration and every progress of a job.
func (g *Governance) DeleteJob(ctx context.Context, jobID string) error {
	return g.kv.Delete(ctx, jobPath(jobID)+"/")
}

func (g *Governance) Close() error {
	return g.kv.Close()
}
