package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	RuleTypeSharding = "sharding"

	AlgorithmMod     = "MOD"
	AlgorithmHashMod = "HASH_MOD"
)

var (
	ErrUnknownLogicTable = errors.New("unknown logic table")
	ErrUnroutableValue   = errors.New("value can not be routed")
)

// AlgorithmConfiguration is a type tag plus string properties, the way
// every pluggable algorithm is configured.
type AlgorithmConfiguration struct {
	Type  string            `yaml:"type"`
	Props map[string]string `yaml:"props,omitempty"`
}

// Prop returns a property or def when unset.
func (a *AlgorithmConfiguration) Prop(name, def string) string {
	if a == nil || a.Props == nil {
		return def
	}
	if v, ok := a.Props[name]; ok && v != "" {
		return v
	}
	return def
}

// RuleConfiguration is one entry of a database's rule list. Only its type
// tag is interpreted here, the body is kept verbatim for the detector that
// understands it.
type RuleConfiguration struct {
	Type string
	YAML string
}

// ParseRuleConfigurations decodes a YAML list of rules keyed by "type".
func ParseRuleConfigurations(text string) ([]RuleConfiguration, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var nodes []yaml.Node
	if err := yaml.Unmarshal([]byte(text), &nodes); err != nil {
		return nil, fmt.Errorf("could not parse rule configurations: %w", err)
	}
	rules := make([]RuleConfiguration, 0, len(nodes))
	for i := range nodes {
		var head struct {
			Type string `yaml:"type"`
		}
		if err := nodes[i].Decode(&head); err != nil {
			return nil, fmt.Errorf("could not parse rule configuration %d: %w", i, err)
		}
		if head.Type == "" {
			return nil, fmt.Errorf("rule configuration %d has no type", i)
		}
		body, err := yaml.Marshal(&nodes[i])
		if err != nil {
			return nil, err
		}
		rules = append(rules, RuleConfiguration{Type: head.Type, YAML: string(body)})
	}
	return rules, nil
}

// GroupByType indexes rules by their type tag. A type appearing twice is
// an error since a database has at most one rule of each type.
func GroupByType(rules []RuleConfiguration) (map[string]RuleConfiguration, error) {
	grouped := make(map[string]RuleConfiguration, len(rules))
	for _, r := range rules {
		if _, ok := grouped[r.Type]; ok {
			return nil, fmt.Errorf("duplicate rule type %q", r.Type)
		}
		grouped[r.Type] = r
	}
	return grouped, nil
}

// TableRule shards one logic table over its actual data nodes.
type TableRule struct {
	ActualDataNodes []string               `yaml:"actual_data_nodes"`
	ShardingColumn  string                 `yaml:"sharding_column"`
	Algorithm       AlgorithmConfiguration `yaml:"algorithm"`
}

// DataNodes parses the actual data nodes.
func (r TableRule) DataNodes() ([]DataNode, error) {
	nodes := make([]DataNode, 0, len(r.ActualDataNodes))
	for _, s := range r.ActualDataNodes {
		n, err := ParseDataNode(s)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Route picks the data node a sharding column value belongs to.
// A rule with a single data node routes everything to it.
func (r TableRule) Route(value any) (DataNode, error) {
	nodes, err := r.DataNodes()
	if err != nil {
		return DataNode{}, err
	}
	if len(nodes) == 0 {
		return DataNode{}, errors.New("table rule has no data nodes")
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	var idx uint64
	switch strings.ToUpper(r.Algorithm.Type) {
	case AlgorithmMod, "":
		n, err := toInt64(value)
		if err != nil {
			return DataNode{}, err
		}
		idx = absUint(n) % uint64(len(nodes))
	case AlgorithmHashMod:
		h := fnv.New32a()
		_, _ = h.Write([]byte(toText(value)))
		idx = uint64(h.Sum32()) % uint64(len(nodes))
	default:
		return DataNode{}, fmt.Errorf("unsupported sharding algorithm %q", r.Algorithm.Type)
	}
	return nodes[idx], nil
}

func absUint(n int64) uint64 {
	if n == math.MinInt64 {
		return uint64(math.MaxInt64) + 1
	}
	if n < 0 {
		return uint64(-n)
	}
	return uint64(n)
}

func toText(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case []byte:
		return string(v)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v % math.MaxInt64), nil
	case uint:
		return int64(uint64(v) % math.MaxInt64), nil
	case string, []byte:
		n, err := strconv.ParseInt(toText(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", ErrUnroutableValue, toText(v))
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnroutableValue, value)
	}
}

// ShardingRuleConfiguration is the body of a "sharding" rule.
type ShardingRuleConfiguration struct {
	Tables      map[string]TableRule                         `yaml:"tables"`
	ScalingName string                                       `yaml:"scaling_name,omitempty"`
	Scaling     map[string]*OnRuleAlteredActionConfiguration `yaml:"scaling,omitempty"`
}

// ParseShardingRule decodes the body of a sharding rule.
func ParseShardingRule(text string) (*ShardingRuleConfiguration, error) {
	rule := &ShardingRuleConfiguration{}
	if err := yaml.Unmarshal([]byte(text), rule); err != nil {
		return nil, fmt.Errorf("could not parse sharding rule: %w", err)
	}
	for logic, t := range rule.Tables {
		if len(t.ActualDataNodes) == 0 {
			return nil, fmt.Errorf("logic table %q has no actual data nodes", logic)
		}
		if _, err := t.DataNodes(); err != nil {
			return nil, fmt.Errorf("logic table %q: %w", logic, err)
		}
	}
	return rule, nil
}

// FindShardingRule returns the sharding rule of a rule list, or nil.
func FindShardingRule(rules string) (*ShardingRuleConfiguration, error) {
	list, err := ParseRuleConfigurations(rules)
	if err != nil {
		return nil, err
	}
	for _, r := range list {
		if r.Type == RuleTypeSharding {
			return ParseShardingRule(r.YAML)
		}
	}
	return nil, nil
}

// LogicTables returns the logic table names sorted.
func (c *ShardingRuleConfiguration) LogicTables() []string {
	names := make([]string, 0, len(c.Tables))
	for name := range c.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table returns the rule of a logic table.
func (c *ShardingRuleConfiguration) Table(logic string) (TableRule, error) {
	t, ok := c.Tables[logic]
	if !ok {
		return TableRule{}, fmt.Errorf("%w: %s", ErrUnknownLogicTable, logic)
	}
	return t, nil
}

// ActionConfiguration returns the scaling action named by ScalingName
// with defaults applied. Without one the defaults are used as is.
func (c *ShardingRuleConfiguration) ActionConfiguration() *OnRuleAlteredActionConfiguration {
	var action OnRuleAlteredActionConfiguration
	if c.ScalingName != "" {
		if configured, ok := c.Scaling[c.ScalingName]; ok && configured != nil {
			action = *configured
		}
	}
	action.ApplyDefaults()
	return &action
}
