package table

import (
	"testing"

	"github.com/block/reshard/pkg/dbconn"
	"github.com/block/reshard/pkg/testutils"
	"github.com/block/reshard/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrimaryKeyValues(t *testing.T) {
	tbl := &TableInfo{
		TableName:  "t1",
		Columns:    []string{"a", "id", "b", "id2"},
		KeyColumns: []string{"id", "id2"},
	}
	key, err := tbl.PrimaryKeyValues([]any{"x", int64(1), "y", "z"})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), "z"}, key)
	assert.True(t, tbl.IsKeyColumn("id2"))
	assert.False(t, tbl.IsKeyColumn("a"))

	_, err = tbl.PrimaryKeyValues([]any{"x"})
	assert.Error(t, err)
}

func TestIntegerKey(t *testing.T) {
	tbl := &TableInfo{
		KeyColumns:  []string{"id"},
		columnTypes: map[string]string{"id": "int"},
		unsigned:    map[string]bool{},
	}
	assert.True(t, tbl.IntegerKey())
	tbl.columnTypes["id"] = "bigint"
	assert.True(t, tbl.IntegerKey())
	tbl.unsigned["id"] = true
	assert.False(t, tbl.IntegerKey())
	tbl.columnTypes["id"] = "varchar"
	assert.False(t, tbl.IntegerKey())
	tbl.KeyColumns = []string{"a", "b"}
	assert.False(t, tbl.IntegerKey())
}

func TestSetInfo(t *testing.T) {
	dbName := testutils.CreateUniqueTestDatabase(t)
	testutils.RunSQLInDatabase(t, dbName, `CREATE TABLE t_order_0 (
		name VARCHAR(32),
		order_id BIGINT UNSIGNED NOT NULL,
		user_id INT NOT NULL,
		total INT AS (user_id * 2),
		PRIMARY KEY (user_id, order_id)
	)`)
	testutils.RunSQLInDatabase(t, dbName, "CREATE TABLE nopk (a INT)")
	db, err := dbconn.New(testutils.DSNForDatabase(dbName), dbconn.NewDBConfig())
	require.NoError(t, err)
	defer utils.CloseAndLog(db)

	tbl := NewTableInfo("t_order_0")
	require.NoError(t, tbl.SetInfo(t.Context(), db))
	assert.Equal(t, []string{"name", "order_id", "user_id", "total"}, tbl.Columns)
	assert.Equal(t, []string{"name", "order_id", "user_id"}, tbl.NonGeneratedColumns)
	assert.Equal(t, []string{"user_id", "order_id"}, tbl.KeyColumns)
	assert.True(t, tbl.IsUnsigned("order_id"))
	assert.False(t, tbl.IntegerKey())

	assert.ErrorIs(t, NewTableInfo("nopk").SetInfo(t.Context(), db), ErrNoPrimaryKey)
	assert.ErrorContains(t, NewTableInfo("missing").SetInfo(t.Context(), db), "does not exist")
}
