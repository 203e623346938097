package worker

import (
	"context"
	"sync"
	"testing"

	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/progress"
	"github.com/block/reshard/pkg/repository"
	"github.com/block/reshard/pkg/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	sourceDataSources = `
ds_0:
  url: root@tcp(db0:3306)/ds_0
ds_1:
  url: root@tcp(db1:3306)/ds_1
`
	targetDataSources = `
ds_0:
  url: root@tcp(db0:3306)/ds_0
ds_2:
  url: root@tcp(db2:3306)/ds_2
ds_3:
  url: root@tcp(db3:3306)/ds_3
`
	sourceRules = `
- type: sharding
  tables:
    t_order:
      actual_data_nodes: [ds_0.t_order_0, ds_1.t_order_1]
      sharding_column: order_id
    t_item:
      actual_data_nodes: [ds_0.t_item]
      sharding_column: item_id
- type: readwrite_splitting
  groups: {}
`
	targetRules = `
- type: sharding
  tables:
    t_order:
      actual_data_nodes: [ds_2.t_order_0, ds_2.t_order_1, ds_3.t_order_2, ds_3.t_order_3]
      sharding_column: order_id
      algorithm:
        type: MOD
    t_item:
      actual_data_nodes: [ds_0.t_item]
      sharding_column: item_id
  scaling_name: test
  scaling:
    test:
      source_writing_stopper:
        type: NONE
      data_consistency_checker:
        type: FAKE
- type: readwrite_splitting
  groups: {}
`
)

func testEvent() *TopologyChangeEvent {
	return &TopologyChangeEvent{
		DatabaseName:      "sharding_db",
		SourceDataSources: sourceDataSources,
		SourceRules:       sourceRules,
		TargetDataSources: targetDataSources,
		TargetRules:       targetRules,
	}
}

func TestBuildJobConfiguration(t *testing.T) {
	job, err := BuildJobConfiguration(testEvent())
	require.NoError(t, err)
	assert.Equal(t, JobID(testEvent()), job.JobID)
	assert.Len(t, job.JobID, 32)
	assert.Equal(t, "sharding_db", job.DatabaseName)
	assert.Equal(t, config.RuleTypeSharding, job.AlteredRuleType)
	assert.Equal(t, []string{"t_order"}, job.AlteredLogicTables)
	assert.Equal(t, map[string][]string{"t_order": {"order_id"}}, job.ShardingColumns)
	assert.Equal(t, 2, job.ShardingTotalCount)
	require.Len(t, job.JobShardingDataNodes, 2)
	assert.Equal(t, "t_order:ds_0.t_order_0", job.JobShardingDataNodes[0].String())
	assert.Equal(t, "t_order:ds_1.t_order_1", job.JobShardingDataNodes[1].String())
	assert.Equal(t, "t_order:ds_0.t_order_0", job.TablesFirstDataNodes.String())
	assert.Equal(t, "NONE", job.ActionConfig.SourceWritingStopper.Type)
	assert.Equal(t, []string{"ds_0", "ds_2", "ds_3"}, job.Target.DataSources.Names())

	// the parameter handed to the runtime round trips
	text, err := config.MarshalJobConfiguration(job)
	require.NoError(t, err)
	decoded, err := config.UnmarshalJobConfiguration(text)
	require.NoError(t, err)
	assert.Equal(t, job.JobShardingDataNodes, decoded.JobShardingDataNodes)

	other := testEvent()
	other.DatabaseName = "other_db"
	assert.NotEqual(t, job.JobID, JobID(other))
}

type alwaysAlteredDetector struct{ typ string }

func (d alwaysAlteredDetector) Type() string { return d.typ }
func (d alwaysAlteredDetector) FindRuleAlteredLogicTables(*config.RuleConfiguration, *config.RuleConfiguration, config.DataSources, config.DataSources) ([]string, error) {
	return []string{"t_any"}, nil
}
func (d alwaysAlteredDetector) OnRuleAlteredActionConfig(*config.RuleConfiguration) (*config.OnRuleAlteredActionConfiguration, error) {
	return nil, nil
}
func (d alwaysAlteredDetector) DescribeTables(*config.RuleConfiguration, *config.RuleConfiguration, []string) ([]TableDescription, error) {
	return nil, nil
}

func TestBuildJobConfigurationErrors(t *testing.T) {
	unchanged := testEvent()
	unchanged.TargetRules = unchanged.SourceRules
	unchanged.TargetDataSources = unchanged.SourceDataSources
	_, err := BuildJobConfiguration(unchanged)
	assert.ErrorIs(t, err, ErrNoAlteredRule)

	RegisterDetector(alwaysAlteredDetector{typ: "encrypt"})
	t.Cleanup(func() {
		detectorsLock.Lock()
		defer detectorsLock.Unlock()
		delete(detectors, "encrypt")
	})
	multiple := testEvent()
	multiple.TargetRules += `
- type: encrypt
  tables: {}
`
	_, err = BuildJobConfiguration(multiple)
	assert.ErrorIs(t, err, ErrMultipleAlteredRules)

	_, err = BuildJobConfiguration(&TopologyChangeEvent{})
	assert.ErrorIs(t, err, config.ErrInvalidJobConfiguration)

	bad := testEvent()
	bad.SourceRules = "- type: sharding\n- type: sharding\n"
	_, err = BuildJobConfiguration(bad)
	assert.ErrorContains(t, err, "duplicate rule type")
}

type recordingRuntime struct {
	sync.Mutex
	scheduled []string
}

func (r *recordingRuntime) Schedule(_ context.Context, job *config.JobConfiguration) error {
	r.Lock()
	defer r.Unlock()
	r.scheduled = append(r.scheduled, job.JobID)
	return nil
}

func (r *recordingRuntime) Unschedule(context.Context, string) error { return nil }

func TestWorkerHandle(t *testing.T) {
	ctx := t.Context()
	gov := repository.NewGovernance(repository.NewMemory())
	runtime := &recordingRuntime{}
	w := NewWorker(gov, runtime, nil)

	job, err := w.Handle(ctx, testEvent())
	require.NoError(t, err)
	assert.Equal(t, []string{job.JobID}, runtime.scheduled)
	persisted, err := gov.GetJobConfiguration(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.AlteredLogicTables, persisted.AlteredLogicTables)

	// a second change of the same database waits for the first job
	next := testEvent()
	next.TargetRules = sourceRules
	next.TargetDataSources = targetDataSources
	_, err = w.Handle(ctx, next)
	require.ErrorIs(t, err, ErrJobIncomplete)
	ids, err := gov.ListJobIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	for item := range job.ShardingTotalCount {
		require.NoError(t, gov.PersistJobProgress(ctx, job.JobID, item, &progress.JobProgress{Status: status.Finished}))
	}
	_, err = w.Handle(ctx, next)
	require.NoError(t, err)
	assert.Len(t, runtime.scheduled, 2)
}

func TestWorkerRun(t *testing.T) {
	gov := repository.NewGovernance(repository.NewMemory())
	runtime := &recordingRuntime{}
	w := NewWorker(gov, runtime, nil)

	events := make(chan TopologyChangeEvent, 2)
	events <- TopologyChangeEvent{DatabaseName: "broken"}
	events <- *testEvent()
	close(events)
	w.Run(t.Context(), events)
	assert.Len(t, runtime.scheduled, 1)
}

func TestLoadEvent(t *testing.T) {
	_, err := LoadEvent("/does/not/exist.yaml")
	assert.Error(t, err)
}
