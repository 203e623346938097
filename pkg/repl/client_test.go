package repl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/block/reshard/pkg/dbconn"
	"github.com/block/reshard/pkg/testutils"
	"github.com/block/reshard/pkg/utils"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	maxRecreateAttempts = 3
	goleak.VerifyTestMain(m)
}

func TestParseEventType(t *testing.T) {
	assert.Equal(t, EventInsert, parseEventType(replication.WRITE_ROWS_EVENTv2))
	assert.Equal(t, EventUpdate, parseEventType(replication.UPDATE_ROWS_EVENTv1))
	assert.Equal(t, EventDelete, parseEventType(replication.DELETE_ROWS_EVENTv0))
	assert.Equal(t, EventUnknown, parseEventType(replication.QUERY_EVENT))
}

func TestIsTransactionBoundary(t *testing.T) {
	assert.True(t, isTransactionBoundary(&replication.XIDEvent{XID: 9}))
	assert.True(t, isTransactionBoundary(&replication.RotateEvent{NextLogName: []byte("binlog.000002"), Position: 4}))
	assert.True(t, isTransactionBoundary(&replication.QueryEvent{Query: []byte("ALTER TABLE t1 ADD COLUMN c INT")}))
	assert.False(t, isTransactionBoundary(&replication.QueryEvent{Query: []byte("BEGIN")}))
	assert.False(t, isTransactionBoundary(&replication.RowsEvent{}))
	assert.False(t, isTransactionBoundary(&replication.TableMapEvent{}))
}

func TestNewServerID(t *testing.T) {
	for range 100 {
		id := NewServerID()
		assert.GreaterOrEqual(t, id, uint32(1001))
		assert.LessOrEqual(t, id, uint32(2000))
	}
}

func TestNewClient(t *testing.T) {
	client, err := NewClient(nil, "repl:secret@tcp(db.example.com:3307)/app", &ClientConfig{ServerID: 1234})
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), client.ServerID())
	cfg, err := client.syncerConfig()
	require.NoError(t, err)
	assert.Equal(t, "db.example.com", cfg.Host)
	assert.Equal(t, uint16(3307), cfg.Port)
	assert.Equal(t, "repl", cfg.User)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "mysql", cfg.Flavor)

	client, err = NewClient(nil, "root@unix(/tmp/mysql.sock)/app", nil)
	require.NoError(t, err)
	assert.NotZero(t, client.ServerID())
	_, err = client.syncerConfig()
	assert.ErrorContains(t, err, "failed to parse host")

	_, err = NewClient(nil, "not a dsn", nil)
	assert.Error(t, err)
}

type collector struct {
	sync.Mutex
	rows []*RowsEvent
	ddl  []string
	xids int
}

func (c *collector) OnRows(_ context.Context, ev *RowsEvent) error {
	c.Lock()
	defer c.Unlock()
	c.rows = append(c.rows, ev)
	return nil
}

func (c *collector) OnDDL(_ context.Context, _, query string, _ mysql.Position) error {
	c.Lock()
	defer c.Unlock()
	c.ddl = append(c.ddl, query)
	return nil
}

func (c *collector) OnXID(_ context.Context, _ mysql.Position, _ time.Time) error {
	c.Lock()
	defer c.Unlock()
	c.xids++
	return nil
}

func (c *collector) rowEvents() []*RowsEvent {
	c.Lock()
	defer c.Unlock()
	return append([]*RowsEvent(nil), c.rows...)
}

func TestClientStreamsRows(t *testing.T) {
	dbName := testutils.CreateUniqueTestDatabase(t)
	testutils.RunSQLInDatabase(t, dbName, "CREATE TABLE replt1 (a INT NOT NULL, b INT, PRIMARY KEY (a))")
	dsn := testutils.DSNForDatabase(dbName)
	db, err := dbconn.New(dsn, dbconn.NewDBConfig())
	require.NoError(t, err)
	defer utils.CloseAndLog(db)

	start, err := CurrentBinlogPosition(t.Context(), db)
	require.NoError(t, err)
	assert.False(t, BinlogPositionIsImpossible(t.Context(), db, start))
	assert.True(t, BinlogPositionIsImpossible(t.Context(), db, mysql.Position{Name: "binlog.999999", Pos: 4}))

	testutils.RunSQLInDatabase(t, dbName, "INSERT INTO replt1 VALUES (1, 2), (3, 4)")
	testutils.RunSQLInDatabase(t, dbName, "UPDATE replt1 SET b = 5 WHERE a = 1")
	testutils.RunSQLInDatabase(t, dbName, "DELETE FROM replt1 WHERE a = 3")

	client, err := NewClient(db, dsn, NewClientDefaultConfig())
	require.NoError(t, err)
	h := &collector{}
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, start, h) }()

	require.Eventually(t, func() bool {
		n := 0
		for _, ev := range h.rowEvents() {
			if ev.Schema == dbName {
				n++
			}
		}
		return n == 3
	}, 10*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	var mine []*RowsEvent
	for _, ev := range h.rowEvents() {
		if ev.Schema == dbName {
			mine = append(mine, ev)
		}
	}
	assert.Equal(t, EventInsert, mine[0].Type)
	assert.Len(t, mine[0].Rows, 2)
	assert.Equal(t, EventUpdate, mine[1].Type)
	assert.Len(t, mine[1].Rows, 2) // before and after image
	assert.Equal(t, EventDelete, mine[2].Type)
	assert.Equal(t, "replt1", mine[2].Table)
	assert.Positive(t, client.BufferedPos().Pos)
}

func TestClientRejectsImpossiblePosition(t *testing.T) {
	dsn := testutils.RequireMySQL(t)
	db, err := dbconn.New(dsn, dbconn.NewDBConfig())
	require.NoError(t, err)
	defer utils.CloseAndLog(db)
	client, err := NewClient(db, dsn, nil)
	require.NoError(t, err)
	err = client.Run(t.Context(), mysql.Position{Name: "binlog.999999", Pos: 4}, &collector{})
	assert.ErrorIs(t, err, ErrImpossiblePosition)
}
