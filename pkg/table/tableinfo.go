// Package table contains the metadata of an actual table: its columns in
// ordinal order and its primary key.
package table

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrNoPrimaryKey = errors.New("table has no primary key")

// TableInfo describes one actual table in the default database of a
// connection.
type TableInfo struct {
	TableName string
	// Columns lists every column in ordinal order, matching binlog row images.
	Columns []string
	// NonGeneratedColumns are the columns that can be written.
	NonGeneratedColumns []string
	KeyColumns          []string
	// columnTypes holds the DATA_TYPE of each column.
	columnTypes map[string]string
	unsigned    map[string]bool
}

// NewTableInfo returns a TableInfo without metadata. Call SetInfo to load it.
func NewTableInfo(tableName string) *TableInfo {
	return &TableInfo{TableName: tableName}
}

// SetInfo loads columns and the primary key from information_schema.
func (t *TableInfo) SetInfo(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT COLUMN_NAME, DATA_TYPE, COLUMN_TYPE, GENERATION_EXPRESSION
FROM information_schema.COLUMNS WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
ORDER BY ORDINAL_POSITION`, t.TableName)
	if err != nil {
		return err
	}
	defer rows.Close()
	t.Columns, t.NonGeneratedColumns = nil, nil
	t.columnTypes = map[string]string{}
	t.unsigned = map[string]bool{}
	for rows.Next() {
		var name, dataType, columnType, generation string
		if err := rows.Scan(&name, &dataType, &columnType, &generation); err != nil {
			return err
		}
		t.Columns = append(t.Columns, name)
		if generation == "" {
			t.NonGeneratedColumns = append(t.NonGeneratedColumns, name)
		}
		t.SetColumnType(name, dataType, columnType)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s does not exist", t.TableName)
	}
	return t.setPrimaryKey(ctx, db)
}

func (t *TableInfo) setPrimaryKey(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT COLUMN_NAME FROM information_schema.STATISTICS
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND INDEX_NAME = 'PRIMARY'
ORDER BY SEQ_IN_INDEX`, t.TableName)
	if err != nil {
		return err
	}
	defer rows.Close()
	t.KeyColumns = nil
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return err
		}
		t.KeyColumns = append(t.KeyColumns, col)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(t.KeyColumns) == 0 {
		return fmt.Errorf("%w: %s", ErrNoPrimaryKey, t.TableName)
	}
	return nil
}

// SetColumnType records the DATA_TYPE and COLUMN_TYPE of a column.
func (t *TableInfo) SetColumnType(name, dataType, columnType string) {
	if t.columnTypes == nil {
		t.columnTypes = map[string]string{}
		t.unsigned = map[string]bool{}
	}
	t.columnTypes[name] = strings.ToLower(dataType)
	t.unsigned[name] = strings.Contains(strings.ToLower(columnType), "unsigned")
}

// IsKeyColumn reports whether a column is part of the primary key.
func (t *TableInfo) IsKeyColumn(name string) bool {
	return slices.Contains(t.KeyColumns, name)
}

// IsUnsigned reports whether an integer column is unsigned.
func (t *TableInfo) IsUnsigned(name string) bool {
	return t.unsigned[name]
}

// IntegerKey reports whether the primary key is a single signed or
// unsigned integer column that fits an int64 cursor.
func (t *TableInfo) IntegerKey() bool {
	if len(t.KeyColumns) != 1 {
		return false
	}
	switch t.columnTypes[t.KeyColumns[0]] {
	case "tinyint", "smallint", "mediumint", "int", "integer":
		return true
	case "bigint":
		return !t.unsigned[t.KeyColumns[0]]
	}
	return false
}

// PrimaryKeyValues extracts the key of a row image ordered like Columns.
func (t *TableInfo) PrimaryKeyValues(row []any) ([]any, error) {
	if len(row) < len(t.Columns) {
		return nil, fmt.Errorf("row has %d values, table %s has %d columns", len(row), t.TableName, len(t.Columns))
	}
	key := make([]any, 0, len(t.KeyColumns))
	for _, col := range t.KeyColumns {
		idx := slices.Index(t.Columns, col)
		key = append(key, row[idx])
	}
	return key, nil
}
