package algorithm

import (
	"context"
	"testing"

	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/dbconn"
	"github.com/block/reshard/pkg/testutils"
	"github.com/block/reshard/pkg/throttler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdleDetector(t *testing.T) {
	d, err := NewIdleDetector(map[string]string{config.PropIdleThreshold: "30"})
	require.NoError(t, err)
	assert.Equal(t, int64(30), d.Threshold())
	assert.True(t, d.AllIncrementalTasksAlmostFinished([]int64{31, 45}))
	assert.True(t, d.AllIncrementalTasksAlmostFinished([]int64{30}))
	assert.False(t, d.AllIncrementalTasksAlmostFinished([]int64{31, 20}))
	assert.False(t, d.AllIncrementalTasksAlmostFinished([]int64{}))
	assert.False(t, d.AllIncrementalTasksAlmostFinished(nil))
}

func TestIdleDetectorThreshold(t *testing.T) {
	for _, props := range []map[string]string{
		{},
		{config.PropIdleThreshold: ""},
		{config.PropIdleThreshold: "abc"},
		{config.PropIdleThreshold: "0"},
		{config.PropIdleThreshold: "-5"},
	} {
		_, err := NewIdleDetector(props)
		assert.ErrorIs(t, err, ErrInvalidProps, "props %v", props)
	}
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, []string{"NOOP", "QPS", "REPL"}, r.Types(KindRateLimiter))

	d, err := r.NewCompletionDetector(&config.AlgorithmConfiguration{Type: "idle", Props: map[string]string{config.PropIdleThreshold: "5"}}, nil)
	require.NoError(t, err)
	assert.True(t, d.AllIncrementalTasksAlmostFinished([]int64{5}))

	_, err = r.NewCompletionDetector(&config.AlgorithmConfiguration{Type: config.CompletionIdle}, nil)
	assert.ErrorIs(t, err, ErrInvalidProps)
	_, err = r.NewCompletionDetector(nil, nil)
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
	_, err = r.NewCompletionDetector(&config.AlgorithmConfiguration{Type: "LAG"}, nil)
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)

	// plugins replace or extend the built in table
	r.Register(KindCompletionDetector, "ALWAYS", func(map[string]string, *Environment) (any, error) {
		return always{}, nil
	})
	d, err = r.NewCompletionDetector(&config.AlgorithmConfiguration{Type: "always"}, nil)
	require.NoError(t, err)
	assert.True(t, d.AllIncrementalTasksAlmostFinished(nil))

	// a factory of the wrong kind is rejected
	r.Register(KindRowLock, "BROKEN", func(map[string]string, *Environment) (any, error) { return always{}, nil })
	_, err = r.NewRowLock(&config.AlgorithmConfiguration{Type: "BROKEN"}, nil)
	assert.ErrorContains(t, err, "built a")
}

type always struct{}

func (always) AllIncrementalTasksAlmostFinished([]int64) bool { return true }

func TestRateLimiters(t *testing.T) {
	r := NewDefaultRegistry()
	l, err := r.NewRateLimiter(nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &throttler.Noop{}, l)

	l, err = r.NewRateLimiter(&config.AlgorithmConfiguration{Type: RateLimiterQPS, Props: map[string]string{PropQPS: "100"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &throttler.QPS{}, l)

	_, err = r.NewRateLimiter(&config.AlgorithmConfiguration{Type: RateLimiterQPS, Props: map[string]string{PropQPS: "0"}}, nil)
	assert.ErrorIs(t, err, ErrInvalidProps)
	_, err = r.NewRateLimiter(&config.AlgorithmConfiguration{Type: RateLimiterRepl}, nil)
	assert.ErrorIs(t, err, ErrInvalidProps)
	_, err = r.NewRateLimiter(&config.AlgorithmConfiguration{Type: RateLimiterRepl, Props: map[string]string{PropDSN: "root@tcp(127.0.0.1:3306)/test", PropLagTolerance: "soon"}}, nil)
	assert.ErrorIs(t, err, ErrInvalidProps)

	l, err = r.NewRateLimiter(&config.AlgorithmConfiguration{Type: RateLimiterRepl, Props: map[string]string{PropDSN: "root@tcp(127.0.0.1:3306)/test", PropLagTolerance: "5s"}}, nil)
	require.NoError(t, err)
	assert.NoError(t, l.Close())
}

func TestLocalRuleLock(t *testing.T) {
	r := NewDefaultRegistry()
	lock, err := r.NewRuleLock(nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	held, err := lock.TryLock(ctx, "logic_db")
	require.NoError(t, err)
	_, err = lock.TryLock(ctx, "logic_db")
	assert.ErrorIs(t, err, dbconn.ErrLockHeld)
	other, err := lock.TryLock(ctx, "other_db")
	require.NoError(t, err)
	require.NoError(t, other.Close())

	require.NoError(t, held.Close())
	require.NoError(t, held.Close())
	again, err := lock.TryLock(ctx, "logic_db")
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestAlgorithmsNeedManager(t *testing.T) {
	r := NewDefaultRegistry()
	_, err := r.NewRowLock(&config.AlgorithmConfiguration{Type: config.LockDefault}, nil)
	assert.ErrorContains(t, err, "data source manager")
	_, err = r.NewConsistencyChecker(&config.AlgorithmConfiguration{Type: config.ConsistencyCRC32}, nil)
	assert.ErrorContains(t, err, "data source manager")

	lock, err := r.NewRowLock(&config.AlgorithmConfiguration{Type: LockNone}, nil)
	require.NoError(t, err)
	c, err := lock.Lock(context.Background(), &config.JobConfiguration{})
	require.NoError(t, err)
	assert.NoError(t, c.Close())

	_, err = r.NewRuleLock(&config.AlgorithmConfiguration{Type: RuleLockMySQL}, nil)
	assert.ErrorIs(t, err, ErrInvalidProps)
}

func TestRowLockAndRuleLockIntegration(t *testing.T) {
	dbName := testutils.CreateUniqueTestDatabase(t)
	testutils.RunSQLInDatabase(t, dbName, "CREATE TABLE t_order_0 (id INT NOT NULL PRIMARY KEY)")
	manager := dbconn.NewDataSourceManager(dbconn.NewDBConfig())
	defer manager.Close()
	env := &Environment{Manager: manager}
	r := NewDefaultRegistry()
	ctx := context.Background()

	rowLock, err := r.NewRowLock(&config.AlgorithmConfiguration{Type: config.LockDefault}, env)
	require.NoError(t, err)
	job := &config.JobConfiguration{
		Source: config.PipelineConfiguration{DataSources: config.DataSources{"ds_0": {URL: testutils.DSNForDatabase(dbName)}}},
		JobShardingDataNodes: []config.JobDataNodeLine{
			{{LogicTable: "t_order", DataNodes: []config.DataNode{{DataSourceName: "ds_0", TableName: "t_order_0"}}}},
		},
	}
	lock, err := rowLock.Lock(ctx, job)
	require.NoError(t, err)
	require.NoError(t, lock.Close())

	ruleLock, err := r.NewRuleLock(&config.AlgorithmConfiguration{Type: RuleLockMySQL, Props: map[string]string{PropDSN: testutils.DSN()}}, env)
	require.NoError(t, err)
	held, err := ruleLock.TryLock(ctx, dbName)
	require.NoError(t, err)
	_, err = ruleLock.TryLock(ctx, dbName)
	assert.ErrorIs(t, err, dbconn.ErrLockHeld)
	require.NoError(t, held.Close())
}
