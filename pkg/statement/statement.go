// Package statement is a wrapper around the parser with some added functionality.
package statement

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/format"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
)

var ErrNotCreateTable = errors.New("not a CREATE TABLE statement")

// TableName is a table a statement changes. Schema is the default schema
// of the statement unless the name was fully qualified.
type TableName struct {
	Schema string
	Table  string
}

func (t TableName) String() string {
	return t.Schema + "." + t.Table
}

// SchemaChanges returns the tables whose structure or existence a statement
// changes. Statements that are not DDL return no tables.
// The parser does not understand all syntax (for example CREATE TRIGGER), in
// which case an error is returned and the caller decides how to proceed.
func SchemaChanges(defaultSchema, sql string) ([]TableName, error) {
	p := parser.New()
	stmtNodes, _, err := p.Parse(sql, "", "")
	if err != nil {
		return nil, err
	}
	var tables []TableName
	add := func(t *ast.TableName) {
		schema := t.Schema.String()
		if schema == "" {
			schema = defaultSchema
		}
		tables = append(tables, TableName{Schema: schema, Table: t.Name.String()})
	}
	for _, node := range stmtNodes {
		switch node := node.(type) {
		case *ast.AlterTableStmt:
			add(node.Table)
		case *ast.CreateTableStmt:
			add(node.Table)
		case *ast.DropTableStmt:
			for _, t := range node.Tables {
				add(t)
			}
		case *ast.TruncateTableStmt:
			add(node.Table)
		case *ast.RenameTableStmt:
			for _, clause := range node.TableToTables {
				add(clause.OldTable)
				add(clause.NewTable)
			}
		case *ast.CreateIndexStmt:
			add(node.Table)
		case *ast.DropIndexStmt:
			add(node.Table)
		}
	}
	return tables, nil
}

// RewriteCreateTable renames the table of a CREATE TABLE statement, as
// returned by SHOW CREATE TABLE, and makes it idempotent with IF NOT EXISTS.
// Any schema qualifier is dropped so the statement runs in the target's
// default database.
func RewriteCreateTable(createTable, newName string) (string, error) {
	p := parser.New()
	node, err := p.ParseOneStmt(createTable, "", "")
	if err != nil {
		return "", err
	}
	createStmt, ok := node.(*ast.CreateTableStmt)
	if !ok {
		return "", ErrNotCreateTable
	}
	createStmt.IfNotExists = true
	createStmt.Table.Schema.O, createStmt.Table.Schema.L = "", ""
	createStmt.Table.Name.O, createStmt.Table.Name.L = newName, strings.ToLower(newName)
	var sb strings.Builder
	rCtx := format.NewRestoreCtx(format.DefaultRestoreFlags, &sb)
	if err = createStmt.Restore(rCtx); err != nil {
		return "", fmt.Errorf("could not restore create table statement: %w", err)
	}
	return sb.String(), nil
}
