package prepare

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/block/reshard/pkg/check"
	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/dbconn"
	"github.com/block/reshard/pkg/position"
	"github.com/block/reshard/pkg/repl"
	"github.com/block/reshard/pkg/statement"
	"github.com/block/reshard/pkg/utils"
)

// EnvironmentChecker validates a database before a job-shard is scheduled.
type EnvironmentChecker interface {
	CheckConnection(ctx context.Context, db *sql.DB) error
	CheckPrivilege(ctx context.Context, db *sql.DB, schemaName string) error
	CheckVariable(ctx context.Context, db *sql.DB) error
	CheckTargetTable(ctx context.Context, db *sql.DB, tables []check.TargetTable) error
}

// DataSourcePreparer creates the target tables of a job.
type DataSourcePreparer interface {
	PrepareTargetTables(ctx context.Context, job *config.JobConfiguration, manager *dbconn.DataSourceManager) error
}

// PositionInitializer resolves where incremental replication starts and
// releases whatever the source keeps for it.
type PositionInitializer interface {
	Init(ctx context.Context, db *sql.DB) (position.IngestPosition, error)
	Destroy(ctx context.Context, db *sql.DB) error
}

// DatabaseSupport is what the preparer needs from a database type.
// TablePreparer may be nil.
type DatabaseSupport struct {
	Checker             EnvironmentChecker
	TablePreparer       DataSourcePreparer
	PositionInitializer PositionInitializer
}

var (
	supportLock sync.RWMutex
	supports    = map[string]DatabaseSupport{}
)

// RegisterDatabaseSupport makes a database type preparable.
func RegisterDatabaseSupport(databaseType string, s DatabaseSupport) {
	supportLock.Lock()
	defer supportLock.Unlock()
	supports[databaseType] = s
}

func supportFor(databaseType string) (DatabaseSupport, bool) {
	supportLock.RLock()
	defer supportLock.RUnlock()
	s, ok := supports[databaseType]
	return s, ok
}

func init() {
	RegisterDatabaseSupport(config.DatabaseTypeMySQL, DatabaseSupport{
		Checker:             &MySQLChecker{},
		TablePreparer:       &MySQLTablePreparer{},
		PositionInitializer: &MySQLPositionInitializer{},
	})
}

// MySQLChecker runs the checks of pkg/check.
type MySQLChecker struct {
	Logger *slog.Logger
}

var _ EnvironmentChecker = &MySQLChecker{}

func (c *MySQLChecker) run(ctx context.Context, r check.Resources, scope check.ScopeFlag) error {
	return check.RunChecks(ctx, r, c.Logger, scope)
}

func (c *MySQLChecker) CheckConnection(ctx context.Context, db *sql.DB) error {
	return c.run(ctx, check.Resources{DB: db}, check.ScopeConnection)
}

func (c *MySQLChecker) CheckPrivilege(ctx context.Context, db *sql.DB, schemaName string) error {
	return c.run(ctx, check.Resources{DB: db, SchemaName: schemaName}, check.ScopePrivilege)
}

func (c *MySQLChecker) CheckVariable(ctx context.Context, db *sql.DB) error {
	return c.run(ctx, check.Resources{DB: db}, check.ScopeVariable)
}

func (c *MySQLChecker) CheckTargetTable(ctx context.Context, db *sql.DB, tables []check.TargetTable) error {
	return c.run(ctx, check.Resources{DB: db, TargetTables: tables}, check.ScopeTargetTable)
}

// MySQLTablePreparer copies the structure of the first source data node of
// every altered logic table to each of its target data nodes.
type MySQLTablePreparer struct {
	Logger *slog.Logger
}

var _ DataSourcePreparer = &MySQLTablePreparer{}

func (p *MySQLTablePreparer) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *MySQLTablePreparer) PrepareTargetTables(ctx context.Context, job *config.JobConfiguration, manager *dbconn.DataSourceManager) error {
	firstNodes := tablesFirstDataNodes(job)
	targetRule, err := job.Target.ShardingRule()
	if err != nil {
		return err
	}
	if targetRule == nil {
		return fmt.Errorf("job %s has no target sharding rule", job.JobID)
	}
	for _, logic := range job.AlteredLogicTables {
		first, ok := firstNodes[logic]
		if !ok {
			return fmt.Errorf("%w: %s has no source data node", config.ErrUnknownLogicTable, logic)
		}
		createTable, err := showCreateTable(ctx, job.Source.DataSources, first, manager)
		if err != nil {
			return err
		}
		rule, err := targetRule.Table(logic)
		if err != nil {
			return err
		}
		targets, err := rule.DataNodes()
		if err != nil {
			return err
		}
		for _, target := range targets {
			stmt, err := statement.RewriteCreateTable(createTable, target.TableName)
			if err != nil {
				return fmt.Errorf("could not rewrite create table of %s: %w", first, err)
			}
			db, err := openDataSource(job.Target.DataSources, target.DataSourceName, manager)
			if err != nil {
				return err
			}
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create table %s: %w", target, err)
			}
			p.logger().Info("prepared target table", "logic-table", logic, "table", target.String())
		}
	}
	return nil
}

// tablesFirstDataNodes is the first source data node of every logic table,
// from the job configuration or else from the data nodes it migrates.
func tablesFirstDataNodes(job *config.JobConfiguration) map[string]config.DataNode {
	first := map[string]config.DataNode{}
	for _, entry := range job.TablesFirstDataNodes {
		if len(entry.DataNodes) > 0 {
			first[entry.LogicTable] = entry.DataNodes[0]
		}
	}
	for _, line := range job.JobShardingDataNodes {
		for _, entry := range line {
			if _, ok := first[entry.LogicTable]; !ok && len(entry.DataNodes) > 0 {
				first[entry.LogicTable] = entry.DataNodes[0]
			}
		}
	}
	return first
}

func openDataSource(sources config.DataSources, name string, manager *dbconn.DataSourceManager) (*sql.DB, error) {
	ds, err := sources.Get(name)
	if err != nil {
		return nil, err
	}
	return ds.Open(manager)
}

func showCreateTable(ctx context.Context, sources config.DataSources, node config.DataNode, manager *dbconn.DataSourceManager) (string, error) {
	db, err := openDataSource(sources, node.DataSourceName, manager)
	if err != nil {
		return "", err
	}
	var tbl, createStmt string
	row := db.QueryRowContext(ctx, "SHOW CREATE TABLE "+utils.QuoteIdentifier(node.TableName))
	if err := row.Scan(&tbl, &createStmt); err != nil {
		return "", fmt.Errorf("could not read structure of %s: %w", node, err)
	}
	return createStmt, nil
}

// MySQLPositionInitializer starts incremental replication at the binlog
// coordinates the source is currently writing. The binlog client holds
// nothing on the source so there is nothing to destroy.
type MySQLPositionInitializer struct{}

var _ PositionInitializer = &MySQLPositionInitializer{}

func (MySQLPositionInitializer) Init(ctx context.Context, db *sql.DB) (position.IngestPosition, error) {
	pos, err := repl.CurrentBinlogPosition(ctx, db)
	if err != nil {
		return nil, err
	}
	return position.Binlog{Position: pos}, nil
}

func (MySQLPositionInitializer) Destroy(context.Context, *sql.DB) error {
	return nil
}
