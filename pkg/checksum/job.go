package checksum

import (
	"fmt"

	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/dbconn"
)

// BuildTableChecks lists, for every altered logic table of a job, the
// actual tables of the source rule and of the target rule.
func BuildTableChecks(job *config.JobConfiguration, manager *dbconn.DataSourceManager) ([]TableCheck, error) {
	sourceRule, err := job.Source.ShardingRule()
	if err != nil {
		return nil, err
	}
	targetRule, err := job.Target.ShardingRule()
	if err != nil {
		return nil, err
	}
	if targetRule == nil {
		return nil, fmt.Errorf("job %s has no target sharding rule", job.JobID)
	}
	checks := make([]TableCheck, 0, len(job.AlteredLogicTables))
	for _, logic := range job.AlteredLogicTables {
		check := TableCheck{LogicTable: logic}
		sourceNodes, err := sourceDataNodes(job, sourceRule, logic)
		if err != nil {
			return nil, err
		}
		if check.Source, err = resolve(sourceNodes, job.Source.DataSources, manager); err != nil {
			return nil, err
		}
		targetTable, err := targetRule.Table(logic)
		if err != nil {
			return nil, err
		}
		targetNodes, err := targetTable.DataNodes()
		if err != nil {
			return nil, err
		}
		if check.Target, err = resolve(targetNodes, job.Target.DataSources, manager); err != nil {
			return nil, err
		}
		checks = append(checks, check)
	}
	return checks, nil
}

// sourceDataNodes prefers the source rule. A source without a sharding rule
// falls back to the data nodes the job migrates.
func sourceDataNodes(job *config.JobConfiguration, rule *config.ShardingRuleConfiguration, logic string) ([]config.DataNode, error) {
	if rule != nil {
		if t, err := rule.Table(logic); err == nil {
			return t.DataNodes()
		}
	}
	var nodes []config.DataNode
	for _, line := range job.JobShardingDataNodes {
		for _, entry := range line {
			if entry.LogicTable == logic {
				nodes = append(nodes, entry.DataNodes...)
			}
		}
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", config.ErrUnknownLogicTable, logic)
	}
	return nodes, nil
}

func resolve(nodes []config.DataNode, sources config.DataSources, manager *dbconn.DataSourceManager) ([]TableRef, error) {
	refs := make([]TableRef, 0, len(nodes))
	for _, node := range nodes {
		dsCfg, err := sources.Get(node.DataSourceName)
		if err != nil {
			return nil, err
		}
		db, err := dsCfg.Open(manager)
		if err != nil {
			return nil, err
		}
		refs = append(refs, TableRef{DataSourceName: node.DataSourceName, DB: db, Table: node.TableName})
	}
	return refs, nil
}
