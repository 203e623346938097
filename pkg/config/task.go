package config

import (
	"fmt"
)

// DumperConfiguration is the read side of one sharding item. All actual
// tables of a sharding item live in one source data source.
type DumperConfiguration struct {
	DataSourceName string
	DataSource     DataSourceConfiguration
	// TableNameMap maps actual table names to their logic table.
	TableNameMap map[string]string
}

// ImporterConfiguration is the write side of one sharding item.
type ImporterConfiguration struct {
	DataSources     DataSources
	Rule            *ShardingRuleConfiguration
	ShardingColumns map[string][]string
	BatchSize       int
	RetryTimes      int
}

// HandleConfiguration carries the job level settings a task needs.
type HandleConfiguration struct {
	JobID              string
	ShardingItem       int
	ShardingTotalCount int
	Concurrency        int
	SourceDatabaseType string
	TargetDatabaseType string
	DataNodeLine       JobDataNodeLine
}

// TaskConfiguration is derived from a JobConfiguration for one sharding item.
type TaskConfiguration struct {
	Dumper   DumperConfiguration
	Importer ImporterConfiguration
	Handle   HandleConfiguration
}

// NewTaskConfiguration builds the task configuration of a sharding item.
func NewTaskConfiguration(job *JobConfiguration, item int) (*TaskConfiguration, error) {
	if item < 0 || item >= len(job.JobShardingDataNodes) {
		return nil, fmt.Errorf("sharding item %d out of range [0, %d)", item, len(job.JobShardingDataNodes))
	}
	line := job.JobShardingDataNodes[item]
	dsNames := line.DataSourceNames()
	if len(dsNames) != 1 {
		return nil, fmt.Errorf("sharding item %d must read from exactly one data source, found %v", item, dsNames)
	}
	source, err := job.Source.DataSources.Get(dsNames[0])
	if err != nil {
		return nil, err
	}
	tableNameMap := map[string]string{}
	for _, entry := range line {
		for _, node := range entry.DataNodes {
			tableNameMap[node.TableName] = entry.LogicTable
		}
	}
	targetRule, err := job.Target.ShardingRule()
	if err != nil {
		return nil, err
	}
	if targetRule == nil {
		return nil, fmt.Errorf("target rules of job %s have no sharding rule", job.JobID)
	}
	shardingColumns := job.ShardingColumns
	if shardingColumns == nil {
		shardingColumns = map[string][]string{}
	}
	sourceType, err := job.SourceDatabaseType()
	if err != nil {
		return nil, err
	}
	targetType, err := job.TargetDatabaseType()
	if err != nil {
		return nil, err
	}
	action := job.ActionConfig
	if action == nil {
		action = &OnRuleAlteredActionConfiguration{}
		action.ApplyDefaults()
	}
	return &TaskConfiguration{
		Dumper: DumperConfiguration{
			DataSourceName: dsNames[0],
			DataSource:     source,
			TableNameMap:   tableNameMap,
		},
		Importer: ImporterConfiguration{
			DataSources:     job.Target.DataSources,
			Rule:            targetRule,
			ShardingColumns: shardingColumns,
			BatchSize:       action.Output.BatchSize,
			RetryTimes:      job.RetryTimes,
		},
		Handle: HandleConfiguration{
			JobID:              job.JobID,
			ShardingItem:       item,
			ShardingTotalCount: job.ShardingTotalCount,
			Concurrency:        job.Concurrency,
			SourceDatabaseType: sourceType,
			TargetDatabaseType: targetType,
			DataNodeLine:       line,
		},
	}, nil
}
