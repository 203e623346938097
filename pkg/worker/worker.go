// Package worker turns topology changes into migration jobs and runs them:
// it classifies the change, builds the job configuration, dispatches the
// sharding items to the executor, and exposes the administrative job API.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/progress"
	"github.com/block/reshard/pkg/repository"
	"github.com/google/uuid"
)

var (
	ErrNoAlteredRule        = errors.New("no altered rule")
	ErrMultipleAlteredRules = errors.New("more than one rule type altered")
	ErrJobIncomplete        = errors.New("database has an incomplete job")
)

// jobNamespace scopes the job ids derived from topology changes.
var jobNamespace = uuid.MustParse("5d0c4c1e-8a51-4f35-9d3a-7a0c2f0e6b41")

type Worker struct {
	governance *repository.Governance
	runtime    Runtime
	logger     *slog.Logger
}

func NewWorker(governance *repository.Governance, runtime Runtime, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{governance: governance, runtime: runtime, logger: logger}
}

// Run handles events until the channel is closed or ctx is done. A bad
// event is logged and skipped.
func (w *Worker) Run(ctx context.Context, events <-chan TopologyChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if _, err := w.Handle(ctx, &event); err != nil {
				w.logger.Error("could not create job from topology change", "database", event.DatabaseName, "error", err)
			}
		}
	}
}

// Handle creates, persists and schedules the job of a topology change.
// Nothing is persisted when the change can not be migrated.
func (w *Worker) Handle(ctx context.Context, event *TopologyChangeEvent) (*config.JobConfiguration, error) {
	job, err := BuildJobConfiguration(event)
	if err != nil {
		return nil, err
	}
	if err := w.checkNoIncompleteJob(ctx, job.DatabaseName); err != nil {
		return nil, err
	}
	if err := w.governance.PersistJobConfiguration(ctx, job); err != nil {
		return nil, fmt.Errorf("could not persist job %s: %w", job.JobID, err)
	}
	w.logger.Info("created job", "job-id", job.JobID, "database", job.DatabaseName,
		"altered-rule-type", job.AlteredRuleType, "tables", job.AlteredLogicTables, "sharding-total-count", job.ShardingTotalCount)
	if err := w.runtime.Schedule(ctx, job); err != nil {
		return job, fmt.Errorf("could not schedule job %s: %w", job.JobID, err)
	}
	return job, nil
}

func (w *Worker) checkNoIncompleteJob(ctx context.Context, databaseName string) error {
	ids, err := w.governance.ListJobIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		job, err := w.governance.GetJobConfiguration(ctx, id)
		if err != nil {
			return err
		}
		if job.DatabaseName != databaseName {
			continue
		}
		progresses, err := w.governance.GetJobProgresses(ctx, id, job.ShardingTotalCount)
		if err != nil {
			return err
		}
		if !progress.IsJobCompleted(job.ShardingTotalCount, progresses) {
			return fmt.Errorf("%w: %s has job %s", ErrJobIncomplete, databaseName, id)
		}
	}
	return nil
}

// BuildJobConfiguration classifies a topology change. Exactly one rule
// type must report altered tables.
func BuildJobConfiguration(event *TopologyChangeEvent) (*config.JobConfiguration, error) {
	if event.DatabaseName == "" {
		return nil, fmt.Errorf("%w: database name is required", config.ErrInvalidJobConfiguration)
	}
	sourceDataSources, err := config.ParseDataSources(event.SourceDataSources)
	if err != nil {
		return nil, err
	}
	targetDataSources, err := config.ParseDataSources(event.TargetDataSources)
	if err != nil {
		return nil, err
	}
	sourceRules, err := groupRules(event.SourceRules)
	if err != nil {
		return nil, fmt.Errorf("source rules: %w", err)
	}
	targetRules, err := groupRules(event.TargetRules)
	if err != nil {
		return nil, fmt.Errorf("target rules: %w", err)
	}

	var (
		alteredType   string
		alteredTables []string
	)
	for _, typ := range ruleTypes(sourceRules, targetRules) {
		detector, ok := detectorFor(typ)
		if !ok {
			continue
		}
		tables, err := detector.FindRuleAlteredLogicTables(sourceRules[typ], targetRules[typ], sourceDataSources, targetDataSources)
		if err != nil {
			return nil, fmt.Errorf("rule type %s: %w", typ, err)
		}
		if len(tables) == 0 {
			continue
		}
		if alteredType != "" {
			return nil, fmt.Errorf("%w: %s and %s", ErrMultipleAlteredRules, alteredType, typ)
		}
		alteredType, alteredTables = typ, tables
	}
	if alteredType == "" {
		return nil, fmt.Errorf("%w: database %s", ErrNoAlteredRule, event.DatabaseName)
	}

	detector, _ := detectorFor(alteredType)
	action, err := detector.OnRuleAlteredActionConfig(targetRules[alteredType])
	if err != nil {
		return nil, err
	}
	tables, err := detector.DescribeTables(sourceRules[alteredType], targetRules[alteredType], alteredTables)
	if err != nil {
		return nil, err
	}
	dataNodes := map[string][]config.DataNode{}
	firstDataNodes := config.JobDataNodeLine{}
	shardingColumns := map[string][]string{}
	for _, t := range tables {
		dataNodes[t.LogicTable] = t.SourceDataNodes
		firstDataNodes = append(firstDataNodes, config.JobDataNodeEntry{LogicTable: t.LogicTable, DataNodes: t.SourceDataNodes[:1]})
		if len(t.ShardingColumns) > 0 {
			shardingColumns[t.LogicTable] = t.ShardingColumns
		}
	}

	job := &config.JobConfiguration{
		JobID:                JobID(event),
		DatabaseName:         event.DatabaseName,
		AlteredRuleType:      alteredType,
		Source:               config.PipelineConfiguration{DataSources: sourceDataSources, Rules: event.SourceRules},
		Target:               config.PipelineConfiguration{DataSources: targetDataSources, Rules: event.TargetRules},
		AlteredLogicTables:   alteredTables,
		ShardingColumns:      shardingColumns,
		ActionConfig:         action,
		JobShardingDataNodes: config.GroupByDataSource(dataNodes),
		TablesFirstDataNodes: firstDataNodes,
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// JobID is derived from the change so a redelivered event maps to the
// same job.
func JobID(event *TopologyChangeEvent) string {
	name := strings.Join([]string{
		event.DatabaseName,
		event.SourceDataSources, event.SourceRules,
		event.TargetDataSources, event.TargetRules,
	}, "\x00")
	return strings.ReplaceAll(uuid.NewSHA1(jobNamespace, []byte(name)).String(), "-", "")
}

func groupRules(text string) (map[string]*config.RuleConfiguration, error) {
	rules, err := config.ParseRuleConfigurations(text)
	if err != nil {
		return nil, err
	}
	grouped, err := config.GroupByType(rules)
	if err != nil {
		return nil, err
	}
	result := make(map[string]*config.RuleConfiguration, len(grouped))
	for typ, r := range grouped {
		result[typ] = &r
	}
	return result, nil
}

func ruleTypes(source, target map[string]*config.RuleConfiguration) []string {
	seen := map[string]struct{}{}
	for typ := range source {
		seen[typ] = struct{}{}
	}
	for typ := range target {
		seen[typ] = struct{}{}
	}
	types := make([]string, 0, len(seen))
	for typ := range seen {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}
