package config

import (
	"testing"
	"time"

	"github.com/block/reshard/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sourceRules = `
- type: sharding
  tables:
    t_order:
      actual_data_nodes: [ds_0.t_order_0, ds_0.t_order_1, ds_1.t_order_0]
      sharding_column: order_id
      algorithm:
        type: MOD
- type: readwrite-splitting
  data_sources:
    pr_ds: {primary: ds_0}
`

const targetRules = `
- type: sharding
  scaling_name: fast
  scaling:
    fast:
      input:
        worker_thread: 8
        batch_size: 500
      completion_detector:
        type: IDLE
        props:
          incremental-task-idle-minute-threshold: "5"
  tables:
    t_order:
      actual_data_nodes: [ds_2.t_order_0, ds_2.t_order_1, ds_3.t_order_0, ds_3.t_order_1]
      sharding_column: order_id
      algorithm:
        type: MOD
`

func sampleJob(t *testing.T) *JobConfiguration {
	t.Helper()
	target, err := FindShardingRule(targetRules)
	require.NoError(t, err)
	return &JobConfiguration{
		JobID:           "job-1",
		DatabaseName:    "logic_db",
		AlteredRuleType: RuleTypeSharding,
		Source: PipelineConfiguration{
			DataSources: DataSources{
				"ds_0": {URL: "root@tcp(127.0.0.1:3306)/ds_0"},
				"ds_1": {URL: "root@tcp(127.0.0.1:3306)/ds_1"},
			},
			Rules: sourceRules,
		},
		Target: PipelineConfiguration{
			DataSources: DataSources{
				"ds_2": {URL: "root@tcp(127.0.0.1:3306)/ds_2"},
				"ds_3": {URL: "root@tcp(127.0.0.1:3306)/ds_3"},
			},
			Rules: targetRules,
		},
		AlteredLogicTables: []string{"t_order"},
		ShardingColumns:    map[string][]string{"t_order": {"order_id"}},
		ActionConfig:       target.ActionConfiguration(),
		JobShardingDataNodes: []JobDataNodeLine{
			{{LogicTable: "t_order", DataNodes: []DataNode{{"ds_0", "t_order_0"}, {"ds_0", "t_order_1"}}}},
			{{LogicTable: "t_order", DataNodes: []DataNode{{"ds_1", "t_order_0"}}}},
		},
	}
}

func TestParseDataNode(t *testing.T) {
	n, err := ParseDataNode(" ds_0.t_order_1 ")
	require.NoError(t, err)
	assert.Equal(t, DataNode{DataSourceName: "ds_0", TableName: "t_order_1"}, n)
	assert.Equal(t, "ds_0.t_order_1", n.String())

	for _, bad := range []string{"", "t_order", ".t", "ds.", "a.b.c"} {
		_, err := ParseDataNode(bad)
		assert.Error(t, err, bad)
	}
}

func TestJobDataNodeLine(t *testing.T) {
	text := "t_order:ds_0.t_order_0,ds_0.t_order_1|t_item:ds_0.t_item_0"
	line, err := ParseJobDataNodeLine(text)
	require.NoError(t, err)
	require.Len(t, line, 2)
	assert.Equal(t, "t_item", line[1].LogicTable)
	assert.Equal(t, text, line.String())
	assert.Equal(t, []string{"ds_0"}, line.DataSourceNames())

	_, err = ParseJobDataNodeLine("t_order")
	assert.Error(t, err)
	_, err = ParseJobDataNodeLine("t_order:ds_0")
	assert.Error(t, err)
	empty, err := ParseJobDataNodeLine("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGroupByDataSource(t *testing.T) {
	lines := GroupByDataSource(map[string][]DataNode{
		"t_order": {{"ds_1", "t_order_0"}, {"ds_0", "t_order_0"}, {"ds_0", "t_order_1"}},
		"t_item":  {{"ds_0", "t_item_0"}},
	})
	require.Len(t, lines, 2)
	assert.Equal(t, "t_item:ds_0.t_item_0|t_order:ds_0.t_order_0,ds_0.t_order_1", lines[0].String())
	assert.Equal(t, "t_order:ds_1.t_order_0", lines[1].String())
}

func TestParseRuleConfigurations(t *testing.T) {
	rules, err := ParseRuleConfigurations(sourceRules)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, RuleTypeSharding, rules[0].Type)
	assert.Equal(t, "readwrite-splitting", rules[1].Type)
	assert.Contains(t, rules[1].YAML, "pr_ds")

	grouped, err := GroupByType(rules)
	require.NoError(t, err)
	assert.Len(t, grouped, 2)

	_, err = GroupByType(append(rules, rules[0]))
	assert.ErrorContains(t, err, "duplicate rule type")

	_, err = ParseRuleConfigurations("- tables: {}")
	assert.ErrorContains(t, err, "has no type")

	none, err := ParseRuleConfigurations("  ")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestShardingRule(t *testing.T) {
	rule, err := FindShardingRule(sourceRules)
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, []string{"t_order"}, rule.LogicTables())
	_, err = rule.Table("t_missing")
	assert.ErrorIs(t, err, ErrUnknownLogicTable)

	_, err = ParseShardingRule("tables:\n  t: {actual_data_nodes: []}")
	assert.ErrorContains(t, err, "no actual data nodes")

	noSharding, err := FindShardingRule("- type: encrypt")
	require.NoError(t, err)
	assert.Nil(t, noSharding)
}

func TestTableRuleRoute(t *testing.T) {
	rule := TableRule{
		ActualDataNodes: []string{"ds_2.t_order_0", "ds_2.t_order_1", "ds_3.t_order_0"},
		ShardingColumn:  "order_id",
		Algorithm:       AlgorithmConfiguration{Type: AlgorithmMod},
	}
	tests := []struct {
		value any
		want  string
	}{
		{int64(0), "ds_2.t_order_0"},
		{int64(4), "ds_2.t_order_1"},
		{int32(5), "ds_3.t_order_0"},
		{uint64(3), "ds_2.t_order_0"},
		{"7", "ds_2.t_order_1"},
		{[]byte("8"), "ds_3.t_order_0"},
		{int64(-4), "ds_2.t_order_1"},
	}
	for _, tt := range tests {
		node, err := rule.Route(tt.value)
		require.NoError(t, err)
		assert.Equal(t, tt.want, node.String(), "%v", tt.value)
	}
	_, err := rule.Route("abc")
	assert.ErrorIs(t, err, ErrUnroutableValue)
	_, err = rule.Route(1.5)
	assert.ErrorIs(t, err, ErrUnroutableValue)

	rule.Algorithm.Type = AlgorithmHashMod
	first, err := rule.Route("abc")
	require.NoError(t, err)
	again, err := rule.Route([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	rule.Algorithm.Type = "INLINE"
	_, err = rule.Route(1)
	assert.ErrorContains(t, err, "unsupported sharding algorithm")

	single := TableRule{ActualDataNodes: []string{"ds_9.t"}}
	node, err := single.Route("anything")
	require.NoError(t, err)
	assert.Equal(t, "ds_9.t", node.String())
}

func TestActionConfiguration(t *testing.T) {
	rule, err := FindShardingRule(targetRules)
	require.NoError(t, err)
	action := rule.ActionConfiguration()
	assert.Equal(t, 8, action.Input.WorkerThread)
	assert.Equal(t, 500, action.Input.BatchSize)
	assert.Equal(t, DefaultWorkerThread, action.Output.WorkerThread)
	assert.Equal(t, "5", action.CompletionDetector.Prop(PropIdleThreshold, ""))
	assert.Equal(t, StreamChannelMemory, action.StreamChannel.Type)
	assert.Equal(t, DefaultBlockQueueSize, action.BlockQueueSize())
	assert.Equal(t, ConsistencyCRC32, action.DataConsistencyChecker.Type)
	assert.Equal(t, LockDefault, action.RuleLock.Type)

	defaults := (&ShardingRuleConfiguration{ScalingName: "missing"}).ActionConfiguration()
	assert.Equal(t, CompletionIdle, defaults.CompletionDetector.Type)
	assert.Equal(t, "30", defaults.CompletionDetector.Prop(PropIdleThreshold, ""))

	var nilAlgorithm *AlgorithmConfiguration
	assert.Equal(t, "x", nilAlgorithm.Prop("qps", "x"))
}

func TestJobConfigurationValidate(t *testing.T) {
	job := sampleJob(t)
	job.ActionConfig = nil
	require.NoError(t, job.Validate())
	assert.Equal(t, 2, job.ShardingTotalCount)
	assert.Equal(t, DefaultConcurrency, job.Concurrency)
	assert.NotNil(t, job.ActionConfig.CompletionDetector)

	tests := []struct {
		name   string
		mutate func(*JobConfiguration)
		want   string
	}{
		{"no job id", func(c *JobConfiguration) { c.JobID = "" }, "job_id"},
		{"no database", func(c *JobConfiguration) { c.DatabaseName = "" }, "database_name"},
		{"no source", func(c *JobConfiguration) { c.Source.DataSources = nil }, "source data sources"},
		{"no target", func(c *JobConfiguration) { c.Target.DataSources = nil }, "target data sources"},
		{"no nodes", func(c *JobConfiguration) { c.JobShardingDataNodes = nil }, "no data nodes"},
		{"count mismatch", func(c *JobConfiguration) { c.ShardingTotalCount = 5 }, "does not match"},
		{"unknown ds", func(c *JobConfiguration) { delete(c.Source.DataSources, "ds_1") }, "unknown data source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := sampleJob(t)
			tt.mutate(c)
			err := c.Validate()
			assert.ErrorIs(t, err, ErrInvalidJobConfiguration)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestJobConfigurationParameter(t *testing.T) {
	job := sampleJob(t)
	require.NoError(t, job.Validate())
	text, err := MarshalJobConfiguration(job)
	require.NoError(t, err)
	assert.Contains(t, text, "t_order:ds_0.t_order_0,ds_0.t_order_1")

	decoded, err := UnmarshalJobConfiguration(text)
	require.NoError(t, err)
	assert.Equal(t, job, decoded)

	_, err = UnmarshalJobConfiguration("job_id: [")
	assert.ErrorIs(t, err, ErrInvalidJobConfiguration)
}

func TestNewTaskConfiguration(t *testing.T) {
	job := sampleJob(t)
	require.NoError(t, job.Validate())

	task, err := NewTaskConfiguration(job, 0)
	require.NoError(t, err)
	assert.Equal(t, "ds_0", task.Dumper.DataSourceName)
	assert.Equal(t, map[string]string{"t_order_0": "t_order", "t_order_1": "t_order"}, task.Dumper.TableNameMap)
	assert.Len(t, task.Importer.DataSources, 2)
	assert.Equal(t, []string{"t_order"}, task.Importer.Rule.LogicTables())
	assert.Equal(t, DefaultBatchSize, task.Importer.BatchSize)
	assert.Equal(t, DatabaseTypeMySQL, task.Handle.SourceDatabaseType)
	assert.Equal(t, 2, task.Handle.ShardingTotalCount)

	task, err = NewTaskConfiguration(job, 1)
	require.NoError(t, err)
	assert.Equal(t, "ds_1", task.Dumper.DataSourceName)

	_, err = NewTaskConfiguration(job, 2)
	assert.ErrorContains(t, err, "out of range")

	job.JobShardingDataNodes[0] = JobDataNodeLine{{LogicTable: "t_order", DataNodes: []DataNode{{"ds_0", "a"}, {"ds_1", "b"}}}}
	_, err = NewTaskConfiguration(job, 0)
	assert.ErrorContains(t, err, "exactly one data source")
}

func TestDataSources(t *testing.T) {
	ds, err := ParseDataSources("ds_1: {url: 'root@tcp(h:3306)/b'}\nds_0: {url: 'root@tcp(h:3306)/a'}\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"ds_0", "ds_1"}, ds.Names())
	dbType, err := ds.DatabaseType()
	require.NoError(t, err)
	assert.Equal(t, DatabaseTypeMySQL, dbType)

	_, err = ParseDataSources("ds_0: {type: MySQL}")
	assert.ErrorContains(t, err, "has no url")

	mixed := DataSources{"a": {Type: "MySQL", URL: "x"}, "b": {Type: "PostgreSQL", URL: "y"}}
	_, err = mixed.DatabaseType()
	assert.ErrorContains(t, err, "mixed database types")
}

func TestDataSourceDSNWithDefaultsFile(t *testing.T) {
	file := testutils.WriteFile(t, "my.cnf", "[client]\nuser=app\npassword=secret\n")
	cfg := DataSourceConfiguration{URL: "root@tcp(127.0.0.1:3306)/ds_0", DefaultsFile: file}
	dsn, err := cfg.DSN()
	require.NoError(t, err)
	assert.Equal(t, "app:secret@tcp(127.0.0.1:3306)/ds_0", dsn)
}

func TestLoadServerConfig(t *testing.T) {
	path := testutils.WriteFile(t, "reshard.yaml", `
repository:
  type: sqlite
  path: /tmp/reshard.db
scaling:
  persist_interval: 250ms
logging:
  format: json
`)
	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Scaling.PersistInterval)
	assert.Equal(t, time.Minute, cfg.Scaling.FinishedCheckInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "_reshard_repository", cfg.Repository.Table)

	for _, bad := range []string{
		"repository: {type: sqlite}",
		"repository: {type: mysql}",
		"repository: {type: etcd}",
		"logging: {format: xml}",
	} {
		_, err := LoadServerConfig(testutils.WriteFile(t, "bad.yaml", bad))
		assert.ErrorContains(t, err, "invalid configuration", bad)
	}

	_, err = LoadServerConfig("/does/not/exist.yaml")
	assert.ErrorContains(t, err, "failed to read config file")
}
