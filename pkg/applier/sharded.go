package applier

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/dbconn"
	"github.com/block/reshard/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// maxRowsPerStatement caps how many rows are merged into one multi-row
// INSERT or DELETE.
const maxRowsPerStatement = 1000

// ShardedApplier routes every change through the target sharding rule and
// applies each data source's share of a batch in one retryable transaction.
// Data sources are written in parallel.
type ShardedApplier struct {
	cfg    *ApplierConfig
	logger *slog.Logger
}

var _ Applier = &ShardedApplier{}

func NewShardedApplier(cfg *ApplierConfig) (*ShardedApplier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ShardingColumns == nil {
		cfg.ShardingColumns = map[string][]string{}
	}
	return &ShardedApplier{cfg: cfg, logger: cfg.Logger}, nil
}

// Route returns the target data node of a change.
func (a *ShardedApplier) Route(c RowChange) (config.DataNode, error) {
	rule, err := a.cfg.Rule.Table(c.LogicTable)
	if err != nil {
		return config.DataNode{}, err
	}
	column := rule.ShardingColumn
	if column == "" {
		if cols := a.cfg.ShardingColumns[c.LogicTable]; len(cols) > 0 {
			column = cols[0]
		}
	}
	var value any
	if column != "" {
		v, ok := c.Value(column)
		if !ok {
			return config.DataNode{}, fmt.Errorf("sharding column %s not found in change of %s", column, c.LogicTable)
		}
		value = v
	}
	return rule.Route(value)
}

func (a *ShardedApplier) Apply(ctx context.Context, changes []RowChange) (int64, error) {
	if len(changes) == 0 {
		return 0, nil
	}
	plans, err := a.plan(changes)
	if err != nil {
		return 0, err
	}
	var totalAffected atomic.Int64
	g, errGrpCtx := errgroup.WithContext(ctx)
	for _, p := range plans {
		g.Go(func() error {
			ds, err := a.cfg.DataSources.Get(p.dataSource)
			if err != nil {
				return err
			}
			db, err := ds.Open(a.cfg.Manager)
			if err != nil {
				return err
			}
			stmts, err := p.statements()
			if err != nil {
				return err
			}
			a.logger.Debug("applying changes", "data-source", p.dataSource, "statements", len(stmts))
			affected, err := dbconn.RetryableTransaction(errGrpCtx, db, false, a.cfg.DBConfig, stmts...)
			if err != nil {
				return fmt.Errorf("failed to apply changes on data source %s: %w", p.dataSource, err)
			}
			totalAffected.Add(affected)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return totalAffected.Load(), nil
}

// plan groups changes by target data source, keeping their order.
func (a *ShardedApplier) plan(changes []RowChange) ([]*targetPlan, error) {
	var plans []*targetPlan
	byDataSource := map[string]*targetPlan{}
	for _, c := range changes {
		node, err := a.Route(c)
		if err != nil {
			return nil, err
		}
		p, ok := byDataSource[node.DataSourceName]
		if !ok {
			p = &targetPlan{dataSource: node.DataSourceName}
			byDataSource[node.DataSourceName] = p
			plans = append(plans, p)
		}
		p.add(node.TableName, c)
	}
	return plans, nil
}

// targetPlan is the ordered work for one data source. Consecutive changes
// of the same shape against the same table share a statement.
type targetPlan struct {
	dataSource string
	ops        []*op
}

type op struct {
	table      string
	deleted    bool
	columns    []string
	keyColumns []string
	rows       []RowChange
}

func (p *targetPlan) add(tableName string, c RowChange) {
	if n := len(p.ops); n > 0 {
		last := p.ops[n-1]
		if last.table == tableName && last.deleted == c.Deleted && len(last.rows) < maxRowsPerStatement &&
			slices.Equal(last.columns, c.Columns) && slices.Equal(last.keyColumns, c.KeyColumns) {
			last.rows = append(last.rows, c)
			return
		}
	}
	p.ops = append(p.ops, &op{
		table:      tableName,
		deleted:    c.Deleted,
		columns:    c.Columns,
		keyColumns: c.KeyColumns,
		rows:       []RowChange{c},
	})
}

func (p *targetPlan) statements() ([]dbconn.Statement, error) {
	stmts := make([]dbconn.Statement, 0, len(p.ops))
	for _, o := range p.ops {
		var (
			stmt dbconn.Statement
			err  error
		)
		if o.deleted {
			stmt, err = deleteStatement(o)
		} else {
			stmt, err = upsertStatement(o)
		}
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

// upsertStatement uses the MySQL 8.0 row alias syntax.
func upsertStatement(o *op) (dbconn.Statement, error) {
	if len(o.columns) == 0 {
		return dbconn.Statement{}, fmt.Errorf("upsert into %s has no columns", o.table)
	}
	rowPlaceholder := "(" + utils.Placeholders(len(o.columns)) + ")"
	valuesClauses := make([]string, 0, len(o.rows))
	args := make([]any, 0, len(o.rows)*len(o.columns))
	for _, row := range o.rows {
		if len(row.Values) != len(o.columns) {
			return dbconn.Statement{}, fmt.Errorf("row of %s has %d values for %d columns", o.table, len(row.Values), len(o.columns))
		}
		valuesClauses = append(valuesClauses, rowPlaceholder)
		args = append(args, row.Values...)
	}
	var updateClauses []string
	for _, col := range o.columns {
		if !slices.Contains(o.keyColumns, col) {
			updateClauses = append(updateClauses, fmt.Sprintf("%s = new.%s", utils.QuoteIdentifier(col), utils.QuoteIdentifier(col)))
		}
	}
	if len(updateClauses) == 0 {
		// Every column is part of the key, so a duplicate is already identical.
		col := utils.QuoteIdentifier(o.columns[0])
		updateClauses = append(updateClauses, fmt.Sprintf("%s = new.%s", col, col))
	}
	return dbconn.Statement{
		SQL: fmt.Sprintf("INSERT INTO %s (%s) VALUES %s AS new ON DUPLICATE KEY UPDATE %s",
			utils.QuoteIdentifier(o.table),
			utils.QuoteIdentifiers(o.columns),
			strings.Join(valuesClauses, ", "),
			strings.Join(updateClauses, ", "),
		),
		Args: args,
	}, nil
}

func deleteStatement(o *op) (dbconn.Statement, error) {
	if len(o.keyColumns) == 0 {
		return dbconn.Statement{}, fmt.Errorf("cannot delete from %s without key columns", o.table)
	}
	keyPlaceholder := "(" + utils.Placeholders(len(o.keyColumns)) + ")"
	keys := make([]string, 0, len(o.rows))
	args := make([]any, 0, len(o.rows)*len(o.keyColumns))
	for _, row := range o.rows {
		for _, col := range o.keyColumns {
			v, ok := row.Value(col)
			if !ok {
				return dbconn.Statement{}, fmt.Errorf("key column %s missing from delete of %s", col, o.table)
			}
			args = append(args, v)
		}
		keys = append(keys, keyPlaceholder)
	}
	return dbconn.Statement{
		SQL: fmt.Sprintf("DELETE FROM %s WHERE (%s) IN (%s)",
			utils.QuoteIdentifier(o.table),
			utils.QuoteIdentifiers(o.keyColumns),
			strings.Join(keys, ", "),
		),
		Args: args,
	}, nil
}
