package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/block/reshard/pkg/position"
	"github.com/block/reshard/pkg/table"
	"github.com/block/reshard/pkg/throttler"
	"github.com/block/reshard/pkg/utils"
)

// InventoryDumperConfig is the read side of one inventory task.
type InventoryDumperConfig struct {
	DataSourceName string
	LogicTable     string
	ActualTable    string
	// Position resumes a previous run. Placeholder starts from the beginning.
	Position position.IngestPosition
	// Slices is set when the table is cut into key ranges; Slice is the
	// range this dumper copies.
	Slices    *KeySlices
	Slice     int
	BatchSize int
	Throttler throttler.Throttler
	Logger    *slog.Logger
}

// MySQLInventoryDumper copies an actual table in primary key order.
type MySQLInventoryDumper struct {
	config  InventoryDumperConfig
	db      *sql.DB
	channel Channel
	stopped atomic.Bool
	logger  *slog.Logger
}

var _ Dumper = &MySQLInventoryDumper{}

func NewMySQLInventoryDumper(config InventoryDumperConfig, db *sql.DB, channel Channel) *MySQLInventoryDumper {
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if config.Throttler == nil {
		config.Throttler = &throttler.Noop{}
	}
	if config.Position == nil {
		config.Position = position.Placeholder{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MySQLInventoryDumper{
		config:  config,
		db:      db,
		channel: channel,
		logger:  logger.With("data-source", config.DataSourceName, "table", config.ActualTable),
	}
}

// Run reads batches until the table is exhausted, then pushes a
// FinishedRecord. A stopped dumper returns nil without finishing.
func (d *MySQLInventoryDumper) Run(ctx context.Context) error {
	if position.IsFinished(d.config.Position) {
		return d.channel.Push(ctx, &FinishedRecord{})
	}
	tbl := table.NewTableInfo(d.config.ActualTable)
	if err := tbl.SetInfo(ctx, d.db); err != nil {
		return err
	}
	pos := d.config.Position
	if _, fresh := pos.(position.Placeholder); fresh && d.config.Slices != nil {
		keyRange, ok, err := d.config.Slices.Range(ctx, d.db, tbl, d.config.Slice)
		if err != nil {
			return err
		}
		switch {
		case ok:
			pos = keyRange
		case d.config.Slice > 0:
			d.logger.Info("key cannot be split, nothing to copy", "slice", d.config.Slice)
			return d.channel.Push(ctx, &FinishedRecord{})
		}
	}
	for {
		if d.stopped.Load() {
			d.logger.Info("inventory dumper stopped", "position", pos.String())
			return nil
		}
		d.config.Throttler.BlockWait(ctx)
		query, args, err := batchQuery(tbl, pos, d.config.BatchSize)
		if err != nil {
			return err
		}
		n, last, err := d.readBatch(ctx, tbl, query, args, pos)
		if err != nil {
			return err
		}
		pos = last
		if n < d.config.BatchSize {
			break
		}
	}
	d.logger.Info("inventory dumper finished")
	return d.channel.Push(ctx, &FinishedRecord{})
}

func (d *MySQLInventoryDumper) readBatch(ctx context.Context, tbl *table.TableInfo, query string, args []any, pos position.IngestPosition) (int, position.IngestPosition, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, pos, err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		values := make([]any, len(tbl.NonGeneratedColumns))
		dest := make([]any, len(values))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return n, pos, err
		}
		record := &DataRecord{
			Type:        Insert,
			LogicTable:  d.config.LogicTable,
			ActualTable: d.config.ActualTable,
			Columns:     make([]Column, len(values)),
		}
		key := make([]any, 0, len(tbl.KeyColumns))
		for i, col := range tbl.NonGeneratedColumns {
			isKey := tbl.IsKeyColumn(col)
			record.Columns[i] = Column{Name: col, Value: values[i], PrimaryKey: isKey}
		}
		for _, col := range tbl.KeyColumns {
			c, _ := record.Column(col)
			key = append(key, c.Value)
		}
		if pos, err = keyPosition(tbl, key, pos); err != nil {
			return n, pos, err
		}
		record.Pos = pos
		if err := d.channel.Push(ctx, record); err != nil {
			return n, pos, err
		}
		n++
	}
	return n, pos, rows.Err()
}

// Stop makes Run return after the current batch.
func (d *MySQLInventoryDumper) Stop() {
	d.stopped.Store(true)
}

// batchQuery reads the next batch after pos in key order.
func batchQuery(tbl *table.TableInfo, pos position.IngestPosition, batchSize int) (string, []any, error) {
	var where []string
	var args []any
	keyCols := utils.QuoteIdentifiers(tbl.KeyColumns)
	switch p := pos.(type) {
	case position.Placeholder:
	case position.PrimaryKey:
		if !tbl.IntegerKey() {
			return "", nil, fmt.Errorf("integer position %s for non integer key of %s", p, tbl.TableName)
		}
		where = append(where, fmt.Sprintf("%s > ?", keyCols))
		args = append(args, p.Begin)
		if !p.Unbounded() {
			where = append(where, fmt.Sprintf("%s <= ?", keyCols))
			args = append(args, p.End)
		}
	case position.UniqueKey:
		last := utils.UnhashKey(p.Last)
		if len(last) != len(tbl.KeyColumns) {
			return "", nil, fmt.Errorf("position %s does not match the key of %s", p, tbl.TableName)
		}
		where = append(where, fmt.Sprintf("(%s) > (%s)", keyCols, utils.Placeholders(len(last))))
		for _, v := range last {
			args = append(args, v)
		}
	default:
		return "", nil, fmt.Errorf("unsupported inventory position %T", pos)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", utils.QuoteIdentifiers(tbl.NonGeneratedColumns), utils.QuoteIdentifier(tbl.TableName))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s LIMIT %d", keyCols, batchSize)
	return query, args, nil
}

// keyPosition is the position after copying the row with this key.
func keyPosition(tbl *table.TableInfo, key []any, prev position.IngestPosition) (position.IngestPosition, error) {
	if tbl.IntegerKey() {
		v, err := valueInt64(key[0])
		if err != nil {
			return nil, err
		}
		p := position.PrimaryKey{Begin: v}
		if bounded, ok := prev.(position.PrimaryKey); ok {
			p.End = bounded.End
		}
		return p, nil
	}
	parts := make([]any, len(key))
	for i, v := range key {
		parts[i] = valueText(v)
	}
	return position.UniqueKey{Last: utils.HashKey(parts)}, nil
}
