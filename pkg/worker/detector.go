package worker

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/block/reshard/pkg/config"
)

// RuleAlteredDetector finds the logic tables whose placement changed
// between two versions of the rule of one type.
type RuleAlteredDetector interface {
	Type() string
	// FindRuleAlteredLogicTables compares the rule before and after the
	// change. Either side may be nil when the rule was added or removed.
	FindRuleAlteredLogicTables(source, target *config.RuleConfiguration, sourceDataSources, targetDataSources config.DataSources) ([]string, error)
	// OnRuleAlteredActionConfig returns the action configuration carried
	// by a rule, or nil to use the defaults.
	OnRuleAlteredActionConfig(rule *config.RuleConfiguration) (*config.OnRuleAlteredActionConfiguration, error)
	// DescribeTables returns what a job needs to know about the altered
	// tables: where they live in the source rule and how the target rule
	// routes them.
	DescribeTables(source, target *config.RuleConfiguration, logicTables []string) ([]TableDescription, error)
}

// TableDescription is an altered logic table.
type TableDescription struct {
	LogicTable      string
	SourceDataNodes []config.DataNode
	ShardingColumns []string
}

var (
	detectorsLock sync.RWMutex
	detectors     = map[string]RuleAlteredDetector{}
)

// RegisterDetector makes a rule type migratable.
func RegisterDetector(d RuleAlteredDetector) {
	detectorsLock.Lock()
	defer detectorsLock.Unlock()
	detectors[d.Type()] = d
}

func detectorFor(ruleType string) (RuleAlteredDetector, bool) {
	detectorsLock.RLock()
	defer detectorsLock.RUnlock()
	d, ok := detectors[ruleType]
	return d, ok
}

func init() {
	RegisterDetector(ShardingRuleAlteredDetector{})
}

// ShardingRuleAlteredDetector detects changes of the sharding rule. A
// table is altered when it exists on both sides and its data nodes, its
// sharding column or its algorithm differ, or when the URL of a data
// source it lives on changed.
type ShardingRuleAlteredDetector struct{}

func (ShardingRuleAlteredDetector) Type() string {
	return config.RuleTypeSharding
}

func parseSharding(rule *config.RuleConfiguration) (*config.ShardingRuleConfiguration, error) {
	if rule == nil {
		return &config.ShardingRuleConfiguration{}, nil
	}
	return config.ParseShardingRule(rule.YAML)
}

func (d ShardingRuleAlteredDetector) FindRuleAlteredLogicTables(source, target *config.RuleConfiguration, sourceDataSources, targetDataSources config.DataSources) ([]string, error) {
	before, err := parseSharding(source)
	if err != nil {
		return nil, fmt.Errorf("source rule: %w", err)
	}
	after, err := parseSharding(target)
	if err != nil {
		return nil, fmt.Errorf("target rule: %w", err)
	}
	var altered []string
	for _, logic := range before.LogicTables() {
		afterTable, ok := after.Tables[logic]
		if !ok {
			continue
		}
		beforeTable := before.Tables[logic]
		if !sameTableRule(beforeTable, afterTable) {
			altered = append(altered, logic)
			continue
		}
		moved, err := dataSourceMoved(beforeTable, sourceDataSources, targetDataSources)
		if err != nil {
			return nil, fmt.Errorf("logic table %q: %w", logic, err)
		}
		if moved {
			altered = append(altered, logic)
		}
	}
	return altered, nil
}

func sameTableRule(a, b config.TableRule) bool {
	return slices.Equal(a.ActualDataNodes, b.ActualDataNodes) &&
		a.ShardingColumn == b.ShardingColumn &&
		a.Algorithm.Type == b.Algorithm.Type &&
		maps.Equal(a.Algorithm.Props, b.Algorithm.Props)
}

func dataSourceMoved(t config.TableRule, before, after config.DataSources) (bool, error) {
	nodes, err := t.DataNodes()
	if err != nil {
		return false, err
	}
	for _, n := range nodes {
		b, bok := before[n.DataSourceName]
		a, aok := after[n.DataSourceName]
		if bok != aok || b.URL != a.URL {
			return true, nil
		}
	}
	return false, nil
}

func (ShardingRuleAlteredDetector) OnRuleAlteredActionConfig(rule *config.RuleConfiguration) (*config.OnRuleAlteredActionConfiguration, error) {
	if rule == nil {
		return nil, nil
	}
	sharding, err := config.ParseShardingRule(rule.YAML)
	if err != nil {
		return nil, err
	}
	return sharding.ActionConfiguration(), nil
}

func (ShardingRuleAlteredDetector) DescribeTables(source, target *config.RuleConfiguration, logicTables []string) ([]TableDescription, error) {
	before, err := parseSharding(source)
	if err != nil {
		return nil, err
	}
	after, err := parseSharding(target)
	if err != nil {
		return nil, err
	}
	sorted := slices.Clone(logicTables)
	sort.Strings(sorted)
	result := make([]TableDescription, 0, len(sorted))
	for _, logic := range sorted {
		beforeTable, err := before.Table(logic)
		if err != nil {
			return nil, err
		}
		afterTable, err := after.Table(logic)
		if err != nil {
			return nil, err
		}
		nodes, err := beforeTable.DataNodes()
		if err != nil {
			return nil, err
		}
		desc := TableDescription{LogicTable: logic, SourceDataNodes: nodes}
		if afterTable.ShardingColumn != "" {
			desc.ShardingColumns = []string{afterTable.ShardingColumn}
		}
		result = append(result, desc)
	}
	return result, nil
}
