package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/block/reshard/pkg/dbconn"
	"github.com/block/reshard/pkg/position"
	"github.com/block/reshard/pkg/repl"
	"github.com/block/reshard/pkg/statement"
	"github.com/block/reshard/pkg/table"
	"github.com/go-mysql-org/go-mysql/mysql"
)

var ErrSchemaChanged = errors.New("schema of a migrating table changed")

// IncrementalDumperConfig is the read side of one incremental task.
type IncrementalDumperConfig struct {
	DataSourceName string
	// DSN of the source, also used for the replication credentials.
	DSN string
	// TableNameMap maps actual table names to their logic table.
	TableNameMap map[string]string
	Position     position.IngestPosition
	ServerID     uint32
	Logger       *slog.Logger
}

// MySQLIncrementalDumper tails the binary log of the source and turns row
// events on the migrating tables into records.
type MySQLIncrementalDumper struct {
	sync.Mutex
	config  IncrementalDumperConfig
	db      *sql.DB
	channel Channel
	schema  string
	tables  map[string]*table.TableInfo
	// committed is the end of the last transaction read. Row records carry
	// it, so a checkpoint never lands inside a transaction.
	committed position.Binlog
	cancel    context.CancelFunc
	stopped   bool
	logger    *slog.Logger
}

var (
	_ Dumper       = &MySQLIncrementalDumper{}
	_ repl.Handler = &MySQLIncrementalDumper{}
)

func NewMySQLIncrementalDumper(config IncrementalDumperConfig, db *sql.DB, channel Channel) *MySQLIncrementalDumper {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.ServerID == 0 {
		config.ServerID = repl.NewServerID()
	}
	committed, _ := config.Position.(position.Binlog)
	return &MySQLIncrementalDumper{
		committed: committed,
		config:    config,
		db:        db,
		channel:   channel,
		tables:    map[string]*table.TableInfo{},
		logger:    logger.With("data-source", config.DataSourceName),
	}
}

// Run streams changes until Stop is called or ctx is done. It never
// finishes on its own.
func (d *MySQLIncrementalDumper) Run(ctx context.Context) error {
	start, ok := d.config.Position.(position.Binlog)
	if !ok {
		return fmt.Errorf("incremental dumper needs a binlog position, got %q", positionString(d.config.Position))
	}
	schema, err := dbconn.SchemaName(d.config.DSN)
	if err != nil {
		return err
	}
	d.schema = schema
	for actual := range d.config.TableNameMap {
		tbl := table.NewTableInfo(actual)
		if err := tbl.SetInfo(ctx, d.db); err != nil {
			return err
		}
		d.tables[actual] = tbl
	}
	client, err := repl.NewClient(d.db, d.config.DSN, &repl.ClientConfig{ServerID: d.config.ServerID, Logger: d.logger})
	if err != nil {
		return err
	}
	d.Lock()
	if d.stopped {
		d.Unlock()
		return nil
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.Unlock()
	defer d.cancel()
	d.logger.Info("incremental dumper starting", "position", start.String())
	return client.Run(ctx, start.Position, d)
}

// Stop ends Run.
func (d *MySQLIncrementalDumper) Stop() {
	d.Lock()
	defer d.Unlock()
	d.stopped = true
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *MySQLIncrementalDumper) binlogPosition(pos mysql.Position) position.Binlog {
	return position.Binlog{Position: pos, ServerID: d.config.ServerID}
}

func (d *MySQLIncrementalDumper) OnRows(ctx context.Context, ev *repl.RowsEvent) error {
	if ev.Schema != d.schema {
		return nil
	}
	logic, ok := d.config.TableNameMap[ev.Table]
	if !ok {
		return nil
	}
	tbl := d.tables[ev.Table]
	newRecord := func(t RecordType) *DataRecord {
		return &DataRecord{
			Type:        t,
			LogicTable:  logic,
			ActualTable: ev.Table,
			CommitTime:  ev.Timestamp,
			Pos:         d.committed,
		}
	}
	switch ev.Type {
	case repl.EventUpdate:
		// For update events there are always before and after images (i.e. Rows is always in pairs.)
		for i := 0; i+1 < len(ev.Rows); i += 2 {
			record := newRecord(Update)
			cols, err := columns(tbl, ev.Rows[i], ev.Rows[i+1])
			if err != nil {
				return err
			}
			record.Columns = cols
			if err := d.channel.Push(ctx, record); err != nil {
				return err
			}
		}
	case repl.EventInsert, repl.EventDelete:
		t := Insert
		if ev.Type == repl.EventDelete {
			t = Delete
		}
		for _, row := range ev.Rows {
			record := newRecord(t)
			cols, err := columns(tbl, nil, row)
			if err != nil {
				return err
			}
			record.Columns = cols
			if err := d.channel.Push(ctx, record); err != nil {
				return err
			}
		}
	}
	return nil
}

// columns pairs a row image with the writable columns of the table.
func columns(tbl *table.TableInfo, before, after []any) ([]Column, error) {
	if len(after) < len(tbl.Columns) {
		return nil, fmt.Errorf("%w: row image of %s has %d values, expected %d (is binlog_row_image FULL?)",
			ErrSchemaChanged, tbl.TableName, len(after), len(tbl.Columns))
	}
	cols := make([]Column, 0, len(tbl.NonGeneratedColumns))
	for i, name := range tbl.Columns {
		if !slices.Contains(tbl.NonGeneratedColumns, name) {
			continue
		}
		c := Column{Name: name, Value: after[i], PrimaryKey: tbl.IsKeyColumn(name)}
		if before != nil {
			c.OldValue = before[i]
			c.Updated = !sameValue(before[i], after[i])
		}
		cols = append(cols, c)
	}
	return cols, nil
}

func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return valueText(a) == valueText(b)
}

func (d *MySQLIncrementalDumper) OnDDL(ctx context.Context, schema, query string, pos mysql.Position) error {
	tables, err := statement.SchemaChanges(schema, query)
	if err != nil {
		// The parser does not understand all syntax, for example CREATE TRIGGER.
		// We can't print the statement because it could contain user-data.
		d.logger.Error("Skipping query that was unable to parse", "position", pos.String())
		return d.commit(ctx, pos)
	}
	for _, t := range tables {
		if t.Schema != d.schema {
			continue
		}
		if _, ok := d.config.TableNameMap[t.Table]; ok {
			return fmt.Errorf("%w: %s at %s", ErrSchemaChanged, t, pos)
		}
	}
	return d.commit(ctx, pos)
}

func (d *MySQLIncrementalDumper) OnXID(ctx context.Context, pos mysql.Position, _ time.Time) error {
	return d.commit(ctx, pos)
}

// commit moves the resumable position to a transaction boundary and
// pushes a placeholder carrying it.
func (d *MySQLIncrementalDumper) commit(ctx context.Context, pos mysql.Position) error {
	d.committed = d.binlogPosition(pos)
	return d.channel.Push(ctx, &PlaceholderRecord{Pos: d.committed})
}

func positionString(p position.IngestPosition) string {
	if p == nil {
		return "<nil>"
	}
	return p.String()
}
