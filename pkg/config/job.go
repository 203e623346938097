package config

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConcurrency = 3
	DefaultRetryTimes  = 3
)

var ErrInvalidJobConfiguration = errors.New("invalid job configuration")

// PipelineConfiguration is one side of a migration: the data sources and
// the serialized rule list of the database.
type PipelineConfiguration struct {
	DataSources DataSources `yaml:"data_sources"`
	Rules       string      `yaml:"rules"`
}

// ShardingRule returns the sharding rule of this side, or nil.
func (p PipelineConfiguration) ShardingRule() (*ShardingRuleConfiguration, error) {
	return FindShardingRule(p.Rules)
}

// JobConfiguration is the job parameter handed to the distributed runtime.
// It is not modified once the job has been created.
type JobConfiguration struct {
	JobID                string                            `yaml:"job_id"`
	DatabaseName         string                            `yaml:"database_name"`
	AlteredRuleType      string                            `yaml:"altered_rule_type"`
	ShardingTotalCount   int                               `yaml:"sharding_total_count"`
	Source               PipelineConfiguration             `yaml:"source"`
	Target               PipelineConfiguration             `yaml:"target"`
	AlteredLogicTables   []string                          `yaml:"altered_logic_tables"`
	ShardingColumns      map[string][]string               `yaml:"sharding_columns,omitempty"`
	ActionConfig         *OnRuleAlteredActionConfiguration `yaml:"action"`
	JobShardingDataNodes []JobDataNodeLine                 `yaml:"job_sharding_data_nodes"`
	TablesFirstDataNodes JobDataNodeLine                   `yaml:"tables_first_data_nodes,omitempty"`
	Concurrency          int                               `yaml:"concurrency"`
	RetryTimes           int                               `yaml:"retry_times"`
}

// Validate checks the configuration and fills defaults.
func (c *JobConfiguration) Validate() error {
	if c.JobID == "" {
		return fmt.Errorf("%w: job_id is required", ErrInvalidJobConfiguration)
	}
	if c.DatabaseName == "" {
		return fmt.Errorf("%w: database_name is required", ErrInvalidJobConfiguration)
	}
	if len(c.Source.DataSources) == 0 {
		return fmt.Errorf("%w: source data sources are required", ErrInvalidJobConfiguration)
	}
	if len(c.Target.DataSources) == 0 {
		return fmt.Errorf("%w: target data sources are required", ErrInvalidJobConfiguration)
	}
	if len(c.JobShardingDataNodes) == 0 {
		return fmt.Errorf("%w: no data nodes to migrate", ErrInvalidJobConfiguration)
	}
	if c.ShardingTotalCount == 0 {
		c.ShardingTotalCount = len(c.JobShardingDataNodes)
	}
	if c.ShardingTotalCount != len(c.JobShardingDataNodes) {
		return fmt.Errorf("%w: sharding_total_count %d does not match %d data node lines",
			ErrInvalidJobConfiguration, c.ShardingTotalCount, len(c.JobShardingDataNodes))
	}
	for i, line := range c.JobShardingDataNodes {
		for _, ds := range line.DataSourceNames() {
			if _, err := c.Source.DataSources.Get(ds); err != nil {
				return fmt.Errorf("%w: sharding item %d: %w", ErrInvalidJobConfiguration, i, err)
			}
		}
	}
	if c.ActionConfig == nil {
		c.ActionConfig = &OnRuleAlteredActionConfiguration{}
	}
	c.ActionConfig.ApplyDefaults()
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.RetryTimes <= 0 {
		c.RetryTimes = DefaultRetryTimes
	}
	return nil
}

// SourceDatabaseType is the database type of the source data sources.
func (c *JobConfiguration) SourceDatabaseType() (string, error) {
	return c.Source.DataSources.DatabaseType()
}

// TargetDatabaseType is the database type of the target data sources.
func (c *JobConfiguration) TargetDatabaseType() (string, error) {
	return c.Target.DataSources.DatabaseType()
}

// MarshalJobConfiguration serializes the configuration as the job parameter.
func MarshalJobConfiguration(c *JobConfiguration) (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// UnmarshalJobConfiguration decodes and validates a job parameter.
func UnmarshalJobConfiguration(text string) (*JobConfiguration, error) {
	c := &JobConfiguration{}
	if err := yaml.Unmarshal([]byte(text), c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJobConfiguration, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (l JobDataNodeLine) MarshalYAML() (any, error) {
	return l.String(), nil
}

func (l *JobDataNodeLine) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	line, err := ParseJobDataNodeLine(text)
	if err != nil {
		return err
	}
	*l = line
	return nil
}
