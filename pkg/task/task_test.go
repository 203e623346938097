package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/block/reshard/pkg/applier"
	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/engine"
	"github.com/block/reshard/pkg/ingest"
	"github.com/block/reshard/pkg/position"
	"github.com/block/reshard/pkg/progress"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingApplier struct {
	sync.Mutex
	changes []applier.RowChange
	err     error
}

func (a *recordingApplier) Apply(_ context.Context, changes []applier.RowChange) (int64, error) {
	a.Lock()
	defer a.Unlock()
	if a.err != nil {
		return 0, a.err
	}
	a.changes = append(a.changes, changes...)
	return int64(len(changes)), nil
}

func (a *recordingApplier) Route(applier.RowChange) (config.DataNode, error) {
	return config.DataNode{DataSourceName: "ds_2", TableName: "t_order_0"}, nil
}

func (a *recordingApplier) count() int {
	a.Lock()
	defer a.Unlock()
	return len(a.changes)
}

// fakeDumper pushes rows then either finishes, fails or waits to be stopped.
type fakeDumper struct {
	ch        ingest.Channel
	rows      int
	finish    bool
	err       error
	stop      chan struct{}
	closeOnce sync.Once
	start     position.IngestPosition
}

func (d *fakeDumper) Run(ctx context.Context) error {
	begin := int64(0)
	if p, ok := d.start.(position.PrimaryKey); ok {
		begin = p.Begin
	}
	for i := range d.rows {
		id := begin + int64(i) + 1
		r := &ingest.DataRecord{
			Type:       ingest.Insert,
			LogicTable: "t_order",
			Columns:    []ingest.Column{{Name: "id", Value: id, PrimaryKey: true}},
			Pos:        position.PrimaryKey{Begin: id},
			CommitTime: time.Unix(1700000000, 0),
		}
		if _, ok := d.start.(position.Binlog); ok {
			r.Pos = position.Binlog{Position: mysql.Position{Name: "binlog.000001", Pos: uint32(id)}}
		}
		if err := d.ch.Push(ctx, r); err != nil {
			return err
		}
	}
	if start, ok := d.start.(position.Binlog); ok && d.rows > 0 {
		// commit the rows as one transaction
		commit := position.Binlog{Position: mysql.Position{Name: start.Name, Pos: uint32(d.rows) + 1}}
		if err := d.ch.Push(ctx, &ingest.PlaceholderRecord{Pos: commit}); err != nil {
			return err
		}
	}
	if d.err != nil {
		return d.err
	}
	if d.finish {
		return d.ch.Push(ctx, &ingest.FinishedRecord{})
	}
	select {
	case <-d.stop:
	case <-ctx.Done():
	}
	return nil
}

func (d *fakeDumper) Stop() {
	d.closeOnce.Do(func() { close(d.stop) })
}

type dumperSpec struct {
	rows   int
	finish bool
	err    error
}

func testEnv(t *testing.T, spec dumperSpec, a applier.Applier) *Environment {
	t.Helper()
	eng := engine.NewFixedEngine("importer", 2, nil)
	t.Cleanup(eng.Shutdown)
	newDumper := func(start position.IngestPosition, ch ingest.Channel) ingest.Dumper {
		return &fakeDumper{ch: ch, rows: spec.rows, finish: spec.finish, err: spec.err, stop: make(chan struct{}), start: start}
	}
	return &Environment{
		Factory: ingest.Factory{
			NewInventoryDumper: func(cfg ingest.InventoryDumperConfig, _ *sql.DB, ch ingest.Channel) ingest.Dumper {
				return newDumper(cfg.Position, ch)
			},
			NewIncrementalDumper: func(cfg ingest.IncrementalDumperConfig, _ *sql.DB, ch ingest.Channel) ingest.Dumper {
				return newDumper(cfg.Position, ch)
			},
			NewImporter: func(cfg ingest.ImporterConfig, ch ingest.Channel) ingest.Importer {
				cfg.FetchTimeout = 10 * time.Millisecond
				return ingest.NewMySQLImporter(cfg, ch)
			},
		},
		Applier:         a,
		ImporterEngine:  eng,
		OutputBatchSize: 4,
		BlockQueueSize:  2,
	}
}

func testTaskConfig(t *testing.T) *config.TaskConfiguration {
	t.Helper()
	return &config.TaskConfiguration{
		Dumper: config.DumperConfiguration{
			DataSourceName: "ds_0",
			DataSource:     config.DataSourceConfiguration{URL: "root@tcp(127.0.0.1:3306)/ds_0"},
			TableNameMap:   map[string]string{"t_order_1": "t_order", "t_order_0": "t_order", "t_item_0": "t_item"},
		},
		Handle: config.HandleConfiguration{JobID: "job-1", ShardingItem: 0},
	}
}

func TestSplitInventory(t *testing.T) {
	env := testEnv(t, dumperSpec{}, &recordingApplier{})
	initProgress := &progress.JobProgress{Inventory: map[string]*progress.InventoryTaskProgress{
		"ds_0.t_order_1#0": progress.NewInventoryTaskProgress(position.Finished{}),
		"ds_0.t_order_0#0": progress.NewInventoryTaskProgress(position.PrimaryKey{Begin: 10}),
	}}
	tasks := SplitInventory(testTaskConfig(t), initProgress, env)
	require.Len(t, tasks, 3)
	assert.Equal(t, "ds_0.t_item_0#0", tasks[0].TaskID())
	assert.Equal(t, "ds_0.t_order_0#0", tasks[1].TaskID())
	assert.Equal(t, "ds_0.t_order_1#0", tasks[2].TaskID())
	assert.Equal(t, "t_item", tasks[0].logicTable)
	assert.Equal(t, position.Placeholder{}, tasks[0].Progress().Position())
	assert.Equal(t, position.PrimaryKey{Begin: 10}, tasks[1].Progress().Position())
	assert.True(t, position.IsFinished(tasks[2].Progress().Position()))

	assert.False(t, progress.AllInventoryTasksFinished(Progresses(tasks)))
	assert.Len(t, SplitInventory(testTaskConfig(t), nil, env), 3)
}

func TestSplitInventoryConcurrency(t *testing.T) {
	env := testEnv(t, dumperSpec{finish: true}, &recordingApplier{})
	taskConfig := testTaskConfig(t)
	taskConfig.Handle.Concurrency = 3

	tasks := SplitInventory(taskConfig, nil, env)
	require.Len(t, tasks, 9)
	for i, table := range []string{"t_item_0", "t_order_0", "t_order_1"} {
		shared := tasks[i*3].slices
		require.NotNil(t, shared)
		assert.Equal(t, 3, shared.Count())
		for slice := range 3 {
			task := tasks[i*3+slice]
			assert.Equal(t, fmt.Sprintf("ds_0.%s#%d", table, slice), task.TaskID())
			assert.Equal(t, slice, task.slice)
			assert.Same(t, shared, task.slices)
			assert.Equal(t, position.Placeholder{}, task.Progress().Position())
		}
	}
	assert.NotSame(t, tasks[0].slices, tasks[3].slices)

	// the dumper of a slice is handed its shared key ranges
	var got ingest.InventoryDumperConfig
	newDumper := env.Factory.NewInventoryDumper
	env.Factory.NewInventoryDumper = func(cfg ingest.InventoryDumperConfig, db *sql.DB, ch ingest.Channel) ingest.Dumper {
		got = cfg
		return newDumper(cfg, db, ch)
	}
	require.NoError(t, tasks[4].Run(context.Background()))
	assert.Equal(t, 1, got.Slice)
	assert.Same(t, tasks[3].slices, got.Slices)
}

func TestSplitInventoryConcurrencyResume(t *testing.T) {
	env := testEnv(t, dumperSpec{}, &recordingApplier{})
	taskConfig := testTaskConfig(t)
	taskConfig.Handle.Concurrency = 3
	initProgress := &progress.JobProgress{Inventory: map[string]*progress.InventoryTaskProgress{
		"ds_0.t_item_0#0":  progress.NewInventoryTaskProgress(position.Placeholder{}),
		"ds_0.t_item_0#1":  progress.NewInventoryTaskProgress(position.PrimaryKey{Begin: 50, End: 80}),
		"ds_0.t_order_0#0": progress.NewInventoryTaskProgress(position.Placeholder{}),
	}}

	tasks := SplitInventory(taskConfig, initProgress, env)
	require.Len(t, tasks, 9)
	// t_item_0 was cut in a previous run: the checkpointed slice keeps its
	// range and the others copy the whole table.
	assert.Equal(t, position.Placeholder{}, tasks[0].Progress().Position())
	assert.Equal(t, position.PrimaryKey{Begin: 50, End: 80}, tasks[1].Progress().Position())
	assert.Equal(t, position.Placeholder{}, tasks[2].Progress().Position())
	for _, task := range tasks[:3] {
		assert.Nil(t, task.slices)
	}
	// t_order_0 never checkpointed, so it is cut afresh
	for _, task := range tasks[3:] {
		assert.NotNil(t, task.slices)
	}
}

func TestInventoryTaskRun(t *testing.T) {
	a := &recordingApplier{}
	env := testEnv(t, dumperSpec{rows: 10, finish: true}, a)
	tasks := SplitInventory(testTaskConfig(t), nil, env)
	require.NoError(t, tasks[0].Run(context.Background()))
	assert.True(t, position.IsFinished(tasks[0].Progress().Position()))
	assert.Equal(t, 10, a.count())

	// a finished task does nothing
	require.NoError(t, tasks[0].Run(context.Background()))
	assert.Equal(t, 10, a.count())
}

func TestInventoryTaskResume(t *testing.T) {
	a := &recordingApplier{}
	env := testEnv(t, dumperSpec{rows: 3, finish: true}, a)
	initProgress := &progress.JobProgress{Inventory: map[string]*progress.InventoryTaskProgress{
		"ds_0.t_item_0#0": progress.NewInventoryTaskProgress(position.PrimaryKey{Begin: 100}),
	}}
	tasks := SplitInventory(testTaskConfig(t), initProgress, env)
	require.NoError(t, tasks[0].Run(context.Background()))
	require.Equal(t, 3, a.count())
	assert.Equal(t, []any{int64(101)}, a.changes[0].Values)
}

func TestInventoryTaskDumperFailure(t *testing.T) {
	env := testEnv(t, dumperSpec{rows: 1, err: errors.New("read failed")}, &recordingApplier{})
	tasks := SplitInventory(testTaskConfig(t), nil, env)
	err := tasks[0].Run(context.Background())
	assert.ErrorContains(t, err, "read failed")
	assert.ErrorContains(t, err, "ds_0.t_item_0#0")
	assert.False(t, position.IsFinished(tasks[0].Progress().Position()))
}

func TestInventoryTaskImporterFailure(t *testing.T) {
	// the dumper blocks on a full channel until the failed importer closes it
	env := testEnv(t, dumperSpec{rows: 100, finish: true}, &recordingApplier{err: errors.New("write failed")})
	tasks := SplitInventory(testTaskConfig(t), nil, env)
	assert.ErrorContains(t, tasks[0].Run(context.Background()), "write failed")
}

func TestInventoryTaskStop(t *testing.T) {
	a := &recordingApplier{}
	env := testEnv(t, dumperSpec{rows: 2}, a)
	tasks := SplitInventory(testTaskConfig(t), nil, env)
	done := make(chan error)
	go func() { done <- tasks[0].Run(context.Background()) }()
	require.Eventually(t, func() bool { return a.count() == 2 }, 5*time.Second, 5*time.Millisecond)
	tasks[0].Stop()
	tasks[0].Stop()
	require.NoError(t, <-done)
	assert.Equal(t, position.PrimaryKey{Begin: 2}, tasks[0].Progress().Position())

	// stopped before running
	tasks[1].Stop()
	require.NoError(t, tasks[1].Run(context.Background()))
}

func TestIncrementalTask(t *testing.T) {
	a := &recordingApplier{}
	env := testEnv(t, dumperSpec{rows: 3}, a)
	start := position.Binlog{Position: mysql.Position{Name: "binlog.000001", Pos: 0}}

	_, err := NewIncrementalTask(testTaskConfig(t), nil, progress.Delay{}, env)
	assert.Error(t, err)

	task, err := NewIncrementalTask(testTaskConfig(t), start, progress.Delay{}, env)
	require.NoError(t, err)
	assert.Equal(t, "ds_0", task.TaskID())
	now := time.Now()
	task.now = func() time.Time { return now }

	done := make(chan error)
	go func() { done <- task.Run(context.Background()) }()
	require.Eventually(t, func() bool { return a.count() == 3 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return task.Progress().Position().String() == "binlog.000001#4#0"
	}, 5*time.Second, 5*time.Millisecond)

	p := task.IncrementalProgress()
	assert.Equal(t, now, p.Delay.LatestActiveTime)
	assert.Equal(t, time.Unix(1700000000, 0), p.Delay.LastEventTimestamp)
	assert.Equal(t, int64(0), task.IdleMinutes())
	task.now = func() time.Time { return now.Add(45 * time.Minute) }
	assert.Equal(t, int64(45), task.IdleMinutes())

	task.Stop()
	require.NoError(t, <-done)
}

func TestIncrementalTaskCheckpointsAtCommit(t *testing.T) {
	env := testEnv(t, dumperSpec{}, &recordingApplier{})
	start := position.Binlog{Position: mysql.Position{Name: "binlog.000001", Pos: 120}}
	task, err := NewIncrementalTask(testTaskConfig(t), start, progress.Delay{}, env)
	require.NoError(t, err)
	binlog := func(pos uint32) position.Binlog {
		return position.Binlog{Position: mysql.Position{Name: "binlog.000001", Pos: pos}}
	}

	// two rows events of one transaction, then its XID
	task.onAck([]ingest.Record{&ingest.DataRecord{Type: ingest.Insert, Pos: binlog(500)}})
	assert.Equal(t, start, task.Progress().Position())
	task.onAck([]ingest.Record{&ingest.DataRecord{Type: ingest.Update, Pos: binlog(700)}})
	assert.Equal(t, start, task.Progress().Position())
	task.onAck([]ingest.Record{&ingest.PlaceholderRecord{Pos: binlog(731)}})
	assert.Equal(t, binlog(731), task.Progress().Position())

	// rows of the next transaction leave the checkpoint at the last commit
	task.onAck([]ingest.Record{
		&ingest.DataRecord{Type: ingest.Delete, Pos: binlog(900)},
	})
	assert.Equal(t, "binlog.000001#731#0", task.Progress().Position().String())
}
