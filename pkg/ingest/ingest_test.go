package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/block/reshard/pkg/applier"
	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/position"
	"github.com/block/reshard/pkg/repl"
	"github.com/block/reshard/pkg/table"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func intKeyTable() *table.TableInfo {
	tbl := table.NewTableInfo("t_order_0")
	tbl.Columns = []string{"id", "user_id", "name", "upper_name"}
	tbl.NonGeneratedColumns = []string{"id", "user_id", "name"}
	tbl.KeyColumns = []string{"id"}
	tbl.SetColumnType("id", "int", "int")
	tbl.SetColumnType("user_id", "int", "int")
	return tbl
}

func compositeKeyTable() *table.TableInfo {
	tbl := table.NewTableInfo("t_item")
	tbl.Columns = []string{"a", "b", "v"}
	tbl.NonGeneratedColumns = tbl.Columns
	tbl.KeyColumns = []string{"a", "b"}
	tbl.SetColumnType("a", "varchar", "varchar(10)")
	tbl.SetColumnType("b", "int", "int")
	return tbl
}

func TestMemoryChannel(t *testing.T) {
	var acked []Record
	ch := NewMemoryChannel(2, func(records []Record) { acked = append(acked, records...) })
	ctx := context.Background()

	records, err := ch.Fetch(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, ch.Push(ctx, &PlaceholderRecord{}))
	require.NoError(t, ch.Push(ctx, &FinishedRecord{}))
	assert.Equal(t, 2, ch.Len())

	// full: push blocks until ctx is done
	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ch.Push(shortCtx, &PlaceholderRecord{}), context.DeadlineExceeded)

	records, err = ch.Fetch(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, records, 1)
	ch.Ack(records)
	assert.Len(t, acked, 1)

	ch.Close()
	ch.Close()
	assert.ErrorIs(t, ch.Push(ctx, &PlaceholderRecord{}), ErrChannelClosed)
	// buffered records survive close
	records, err = ch.Fetch(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, position.IsFinished(records[0].Position()))
	_, err = ch.Fetch(ctx, 10, time.Second)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestRecord(t *testing.T) {
	r := &DataRecord{
		Type: Update,
		Columns: []Column{
			{Name: "id", Value: 1, OldValue: 1, PrimaryKey: true},
			{Name: "name", Value: "b", OldValue: "a", Updated: true},
		},
	}
	assert.False(t, r.PrimaryKeyChanged())
	r.Columns[0].Updated = true
	assert.True(t, r.PrimaryKeyChanged())
	c, ok := r.Column("name")
	assert.True(t, ok)
	assert.Equal(t, "b", c.Value)
	_, ok = r.Column("missing")
	assert.False(t, ok)
	assert.Equal(t, "UPDATE", Update.String())
	assert.Equal(t, "RecordType(9)", RecordType(9).String())
	assert.Equal(t, position.Placeholder{}, (&PlaceholderRecord{}).Position())
}

func TestBatchQuery(t *testing.T) {
	tbl := intKeyTable()
	query, args, err := batchQuery(tbl, position.Placeholder{}, 100)
	require.NoError(t, err)
	assert.Equal(t, "SELECT `id`, `user_id`, `name` FROM `t_order_0` ORDER BY `id` LIMIT 100", query)
	assert.Empty(t, args)

	query, args, err = batchQuery(tbl, position.PrimaryKey{Begin: 10}, 100)
	require.NoError(t, err)
	assert.Equal(t, "SELECT `id`, `user_id`, `name` FROM `t_order_0` WHERE `id` > ? ORDER BY `id` LIMIT 100", query)
	assert.Equal(t, []any{int64(10)}, args)

	query, args, err = batchQuery(tbl, position.PrimaryKey{Begin: 10, End: 20}, 5)
	require.NoError(t, err)
	assert.Equal(t, "SELECT `id`, `user_id`, `name` FROM `t_order_0` WHERE `id` > ? AND `id` <= ? ORDER BY `id` LIMIT 5", query)
	assert.Equal(t, []any{int64(10), int64(20)}, args)

	_, _, err = batchQuery(tbl, position.Finished{}, 5)
	assert.Error(t, err)

	ctbl := compositeKeyTable()
	query, args, err = batchQuery(ctbl, position.UniqueKey{Last: "x-#-3"}, 5)
	require.NoError(t, err)
	assert.Equal(t, "SELECT `a`, `b`, `v` FROM `t_item` WHERE (`a`, `b`) > (?, ?) ORDER BY `a`, `b` LIMIT 5", query)
	assert.Equal(t, []any{"x", "3"}, args)

	_, _, err = batchQuery(ctbl, position.PrimaryKey{Begin: 1}, 5)
	assert.ErrorContains(t, err, "non integer key")
	_, _, err = batchQuery(ctbl, position.UniqueKey{Last: "x"}, 5)
	assert.ErrorContains(t, err, "does not match the key")
}

func TestKeyPosition(t *testing.T) {
	pos, err := keyPosition(intKeyTable(), []any{[]byte("42")}, position.PrimaryKey{Begin: 1, End: 100})
	require.NoError(t, err)
	assert.Equal(t, position.PrimaryKey{Begin: 42, End: 100}, pos)

	pos, err = keyPosition(intKeyTable(), []any{int64(7)}, position.Placeholder{})
	require.NoError(t, err)
	assert.Equal(t, position.PrimaryKey{Begin: 7}, pos)

	_, err = keyPosition(intKeyTable(), []any{[]byte("abc")}, position.Placeholder{})
	assert.Error(t, err)

	pos, err = keyPosition(compositeKeyTable(), []any{[]byte("x"), int64(3)}, position.Placeholder{})
	require.NoError(t, err)
	assert.Equal(t, position.UniqueKey{Last: "x-#-3"}, pos)
}

func TestSplitKeyRange(t *testing.T) {
	assert.Equal(t, []position.PrimaryKey{{Begin: 0, End: 4}, {Begin: 4, End: 8}, {Begin: 8}}, SplitKeyRange(1, 10, 3))
	assert.Equal(t, []position.PrimaryKey{{Begin: 99, End: 149}, {Begin: 149}}, SplitKeyRange(100, 199, 2))
	// more slices than keys leaves the tail ranges empty
	assert.Equal(t, []position.PrimaryKey{{Begin: 4, End: 5}, {Begin: 5, End: 5}, {Begin: 5}}, SplitKeyRange(5, 5, 3))

	assert.Nil(t, SplitKeyRange(1, 10, 1))
	assert.Nil(t, SplitKeyRange(0, 10, 3))
	assert.Nil(t, SplitKeyRange(-5, 10, 3))
	assert.Nil(t, SplitKeyRange(10, 1, 3))
}

func TestKeySlicesNonIntegerKey(t *testing.T) {
	slices := NewKeySlices(4)
	assert.Equal(t, 4, slices.Count())
	// a composite key is never cut, so no query is issued
	_, ok, err := slices.Range(context.Background(), nil, compositeKeyTable(), 0)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = slices.Range(context.Background(), nil, compositeKeyTable(), 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

type fakeApplier struct {
	sync.Mutex
	batches [][]applier.RowChange
	err     error
}

func (f *fakeApplier) Apply(_ context.Context, changes []applier.RowChange) (int64, error) {
	f.Lock()
	defer f.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.batches = append(f.batches, changes)
	return int64(len(changes)), nil
}

// Route sends even user ids to node 0 and odd ones to node 1.
func (f *fakeApplier) Route(c applier.RowChange) (config.DataNode, error) {
	v, _ := c.Value("user_id")
	n, err := valueInt64(v)
	if err != nil {
		return config.DataNode{}, err
	}
	if n%2 == 0 {
		return config.DataNode{DataSourceName: "ds_0", TableName: "t_0"}, nil
	}
	return config.DataNode{DataSourceName: "ds_1", TableName: "t_1"}, nil
}

func updateRecord(oldID, newID, oldUser, newUser int64) *DataRecord {
	return &DataRecord{
		Type:       Update,
		LogicTable: "t_order",
		Columns: []Column{
			{Name: "id", OldValue: oldID, Value: newID, Updated: oldID != newID, PrimaryKey: true},
			{Name: "user_id", OldValue: oldUser, Value: newUser, Updated: oldUser != newUser},
		},
	}
}

func TestImporterChanges(t *testing.T) {
	imp := NewMySQLImporter(ImporterConfig{Applier: &fakeApplier{}}, NewMemoryChannel(1, nil))

	changes, err := imp.changes(updateRecord(1, 1, 2, 4))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.False(t, changes[0].Deleted)
	assert.Equal(t, []any{int64(1), int64(4)}, changes[0].Values)
	assert.Equal(t, []string{"id"}, changes[0].KeyColumns)

	// moved to another node
	changes, err = imp.changes(updateRecord(1, 1, 2, 3))
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.True(t, changes[0].Deleted)
	assert.Equal(t, []any{int64(1), int64(2)}, changes[0].Values)
	assert.Equal(t, []any{int64(1), int64(3)}, changes[1].Values)

	// key changed
	changes, err = imp.changes(updateRecord(1, 5, 2, 2))
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.True(t, changes[0].Deleted)

	del := &DataRecord{Type: Delete, LogicTable: "t_order", Columns: []Column{{Name: "id", Value: int64(9), PrimaryKey: true}}}
	changes, err = imp.changes(del)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Deleted)
}

func TestImporterRun(t *testing.T) {
	var mu sync.Mutex
	var acked []Record
	ch := NewMemoryChannel(10, func(records []Record) {
		mu.Lock()
		defer mu.Unlock()
		acked = append(acked, records...)
	})
	fa := &fakeApplier{}
	imp := NewMySQLImporter(ImporterConfig{Applier: fa, BatchSize: 2, FetchTimeout: 10 * time.Millisecond, Inventory: true}, ch)
	ctx := context.Background()
	insert := func(id int64) *DataRecord {
		return &DataRecord{Type: Insert, LogicTable: "t_order", Pos: position.PrimaryKey{Begin: id}, Columns: []Column{
			{Name: "id", Value: id, PrimaryKey: true},
			{Name: "user_id", Value: id},
		}}
	}
	require.NoError(t, ch.Push(ctx, insert(1)))
	require.NoError(t, ch.Push(ctx, insert(2)))
	require.NoError(t, ch.Push(ctx, insert(3)))
	require.NoError(t, ch.Push(ctx, &FinishedRecord{}))
	require.NoError(t, imp.Run(ctx))

	assert.Len(t, fa.batches, 2)
	require.Len(t, acked, 4)
	assert.True(t, position.IsFinished(acked[3].Position()))
}

func TestImporterRunError(t *testing.T) {
	ch := NewMemoryChannel(10, func([]Record) { t.Fatal("must not ack a failed batch") })
	imp := NewMySQLImporter(ImporterConfig{Applier: &fakeApplier{err: errors.New("boom")}}, ch)
	ctx := context.Background()
	require.NoError(t, ch.Push(ctx, &DataRecord{Type: Insert, LogicTable: "t_order", Columns: []Column{{Name: "user_id", Value: int64(1)}}}))
	assert.ErrorContains(t, imp.Run(ctx), "boom")
}

func TestImporterStopAndClose(t *testing.T) {
	ch := NewMemoryChannel(1, nil)
	imp := NewMySQLImporter(ImporterConfig{Applier: &fakeApplier{}, FetchTimeout: 10 * time.Millisecond}, ch)
	ch.Close()
	assert.NoError(t, imp.Run(context.Background()))

	imp = NewMySQLImporter(ImporterConfig{Applier: &fakeApplier{}, FetchTimeout: 10 * time.Millisecond}, NewMemoryChannel(1, nil))
	imp.Stop()
	assert.NoError(t, imp.Run(context.Background()))
}

func newTestIncrementalDumper(ch Channel) *MySQLIncrementalDumper {
	d := NewMySQLIncrementalDumper(IncrementalDumperConfig{
		DataSourceName: "ds_0",
		TableNameMap:   map[string]string{"t_order_0": "t_order"},
		Position:       position.Binlog{Position: mysql.Position{Name: "binlog.000003", Pos: 4}, ServerID: 77},
		ServerID:       77,
	}, nil, ch)
	d.schema = "ds_0"
	d.tables["t_order_0"] = intKeyTable()
	return d
}

func TestIncrementalDumperOnRows(t *testing.T) {
	ch := NewMemoryChannel(10, nil)
	d := newTestIncrementalDumper(ch)
	ctx := context.Background()
	pos := mysql.Position{Name: "binlog.000003", Pos: 120}
	ts := time.Unix(1700000000, 0)

	// other schema and other tables are ignored
	require.NoError(t, d.OnRows(ctx, &repl.RowsEvent{Schema: "other", Table: "t_order_0", Type: repl.EventInsert, Rows: [][]any{{1, 2, "a", "A"}}}))
	require.NoError(t, d.OnRows(ctx, &repl.RowsEvent{Schema: "ds_0", Table: "t_other", Type: repl.EventInsert, Rows: [][]any{{1, 2, "a", "A"}}}))
	assert.Equal(t, 0, ch.Len())

	require.NoError(t, d.OnRows(ctx, &repl.RowsEvent{Schema: "ds_0", Table: "t_order_0", Type: repl.EventInsert, Position: pos, Timestamp: ts,
		Rows: [][]any{{int32(1), int32(2), "a", "A"}}}))
	require.NoError(t, d.OnRows(ctx, &repl.RowsEvent{Schema: "ds_0", Table: "t_order_0", Type: repl.EventUpdate, Position: pos,
		Rows: [][]any{{int32(1), int32(2), "a", "A"}, {int32(1), int32(2), "b", "B"}}}))
	require.NoError(t, d.OnRows(ctx, &repl.RowsEvent{Schema: "ds_0", Table: "t_order_0", Type: repl.EventDelete, Position: pos,
		Rows: [][]any{{int32(1), int32(2), "b", "B"}}}))
	require.NoError(t, d.OnXID(ctx, mysql.Position{Name: "binlog.000003", Pos: 200}, ts))

	records, err := ch.Fetch(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, records, 4)

	insert := records[0].(*DataRecord)
	assert.Equal(t, Insert, insert.Type)
	assert.Equal(t, "t_order", insert.LogicTable)
	assert.Equal(t, ts, insert.CommitTime)
	// Row records resume from the start of their transaction.
	assert.Equal(t, "binlog.000003#4#77", insert.Pos.String())
	require.Len(t, insert.Columns, 3) // generated column dropped
	assert.True(t, insert.Columns[0].PrimaryKey)

	update := records[1].(*DataRecord)
	assert.Equal(t, Update, update.Type)
	assert.False(t, update.Columns[0].Updated)
	assert.True(t, update.Columns[2].Updated)
	assert.Equal(t, "a", update.Columns[2].OldValue)
	assert.False(t, update.PrimaryKeyChanged())

	assert.Equal(t, Delete, records[2].(*DataRecord).Type)
	assert.Equal(t, "binlog.000003#200#77", records[3].Position().String())

	// Rows after the commit carry the commit position.
	require.NoError(t, d.OnRows(ctx, &repl.RowsEvent{Schema: "ds_0", Table: "t_order_0", Type: repl.EventInsert,
		Position: mysql.Position{Name: "binlog.000003", Pos: 260}, Rows: [][]any{{int32(2), int32(2), "c", "C"}}}))
	records, err = ch.Fetch(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "binlog.000003#200#77", records[0].Position().String())

	err = d.OnRows(ctx, &repl.RowsEvent{Schema: "ds_0", Table: "t_order_0", Type: repl.EventInsert, Rows: [][]any{{1}}})
	assert.ErrorIs(t, err, ErrSchemaChanged)
}

func TestIncrementalDumperOnDDL(t *testing.T) {
	ch := NewMemoryChannel(10, nil)
	d := newTestIncrementalDumper(ch)
	ctx := context.Background()
	pos := mysql.Position{Name: "binlog.000001", Pos: 4}
	assert.NoError(t, d.OnDDL(ctx, "ds_0", "ALTER TABLE t_unrelated ADD COLUMN c INT", pos))
	assert.Equal(t, "binlog.000001#4#77", d.committed.String())
	_, err := ch.Fetch(ctx, 1, time.Second)
	require.NoError(t, err)
	assert.NoError(t, d.OnDDL(ctx, "other", "ALTER TABLE t_order_0 ADD COLUMN c INT", pos))
	assert.NoError(t, d.OnDDL(ctx, "ds_0", "CREATE TRIGGER ...", pos))
	assert.ErrorIs(t, d.OnDDL(ctx, "ds_0", "ALTER TABLE t_order_0 ADD COLUMN c INT", pos), ErrSchemaChanged)
	assert.ErrorIs(t, d.OnDDL(ctx, "other", "DROP TABLE ds_0.t_order_0", pos), ErrSchemaChanged)
}

func TestIncrementalDumperNeedsBinlogPosition(t *testing.T) {
	d := NewMySQLIncrementalDumper(IncrementalDumperConfig{Position: position.Placeholder{}}, nil, NewMemoryChannel(1, nil))
	assert.ErrorContains(t, d.Run(context.Background()), "needs a binlog position")
	d.Stop()
}

func TestFactory(t *testing.T) {
	f, err := FactoryFor(config.DatabaseTypeMySQL)
	require.NoError(t, err)
	ch := NewMemoryChannel(1, nil)
	assert.IsType(t, &MySQLInventoryDumper{}, f.NewInventoryDumper(InventoryDumperConfig{}, nil, ch))
	assert.IsType(t, &MySQLIncrementalDumper{}, f.NewIncrementalDumper(IncrementalDumperConfig{}, nil, ch))
	assert.IsType(t, &MySQLImporter{}, f.NewImporter(ImporterConfig{}, ch))

	_, err = FactoryFor("PostgreSQL")
	assert.ErrorIs(t, err, ErrUnsupportedDatabaseType)
}
