// Package prepare readies a job-shard for scheduling: it creates the target
// tables, checks the source and target, resolves where incremental
// replication starts and plans the tasks.
package prepare

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/block/reshard/pkg/check"
	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/dbconn"
	"github.com/block/reshard/pkg/job"
	"github.com/block/reshard/pkg/position"
	"github.com/block/reshard/pkg/progress"
	"github.com/block/reshard/pkg/status"
	"github.com/block/reshard/pkg/task"
	"github.com/block/reshard/pkg/utils"
)

var (
	ErrPrepareFailed           = errors.New("preparation failed")
	ErrUnsupportedDatabaseType = errors.New("no preparer for database type")
)

type Preparer struct {
	dbConfig *dbconn.DBConfig
	logger   *slog.Logger
}

func NewPreparer(dbConfig *dbconn.DBConfig, logger *slog.Logger) *Preparer {
	if dbConfig == nil {
		dbConfig = dbconn.NewDBConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Preparer{dbConfig: dbConfig, logger: logger}
}

// Prepare runs once per job-shard before it is scheduled. Any error wraps
// ErrPrepareFailed and means the job-shard must not be scheduled.
func (p *Preparer) Prepare(ctx context.Context, jobCtx *job.Context) error {
	if err := p.prepare(ctx, jobCtx); err != nil {
		return fmt.Errorf("%w: job %s sharding item %d: %w", ErrPrepareFailed, jobCtx.JobID(), jobCtx.ShardingItem(), err)
	}
	return nil
}

func (p *Preparer) prepare(ctx context.Context, jobCtx *job.Context) error {
	logger := jobCtx.Logger()
	handle := jobCtx.TaskConfig.Handle
	sourceSupport, ok := supportFor(handle.SourceDatabaseType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedDatabaseType, handle.SourceDatabaseType)
	}
	targetSupport, ok := supportFor(handle.TargetDatabaseType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedDatabaseType, handle.TargetDatabaseType)
	}

	// The pools of the checks only live for the duration of preparation.
	manager := dbconn.NewDataSourceManager(p.dbConfig)
	defer utils.CloseAndLogWith(logger, manager)

	if targetSupport.TablePreparer != nil {
		if err := targetSupport.TablePreparer.PrepareTargetTables(ctx, jobCtx.JobConfig, manager); err != nil {
			return err
		}
	} else {
		logger.Info("no data source preparer for target database type, skipping target tables", "type", handle.TargetDatabaseType)
	}

	dumper := jobCtx.TaskConfig.Dumper
	sourceDSN, err := dumper.DataSource.DSN()
	if err != nil {
		return err
	}
	sourceDB, err := manager.GetDataSource(sourceDSN)
	if err != nil {
		return fmt.Errorf("could not open source %s: %w", dumper.DataSourceName, err)
	}
	schemaName, err := dbconn.SchemaName(sourceDSN)
	if err != nil {
		return err
	}
	if err := sourceSupport.Checker.CheckConnection(ctx, sourceDB); err != nil {
		return fmt.Errorf("source %s: %w", dumper.DataSourceName, err)
	}
	if err := sourceSupport.Checker.CheckPrivilege(ctx, sourceDB, schemaName); err != nil {
		return fmt.Errorf("source %s: %w", dumper.DataSourceName, err)
	}
	if err := sourceSupport.Checker.CheckVariable(ctx, sourceDB); err != nil {
		return fmt.Errorf("source %s: %w", dumper.DataSourceName, err)
	}
	if needsTargetCheck(jobCtx.InitProgress) {
		if err := p.checkTargetTables(ctx, jobCtx.JobConfig, targetSupport.Checker, manager); err != nil {
			return err
		}
	} else {
		logger.Info("resuming from persisted progress, skipping target table check")
	}

	pos, delay, err := incrementalStart(ctx, jobCtx, sourceSupport.PositionInitializer, sourceDB)
	if err != nil {
		return err
	}

	env, err := jobCtx.NewTaskEnvironment()
	if err != nil {
		return err
	}
	incremental, err := task.NewIncrementalTask(jobCtx.TaskConfig, pos, delay, env)
	if err != nil {
		return err
	}
	inventory := task.SplitInventory(jobCtx.TaskConfig, jobCtx.InitProgress, env)
	jobCtx.SetTasks(pipelineTasks(inventory), []task.PipelineTask{incremental})
	logger.Info("prepared job-shard", "inventory-tasks", len(inventory), "incremental-position", pos.String())
	return nil
}

// needsTargetCheck is true on a fresh start and after a failed preparation.
func needsTargetCheck(initProgress *progress.JobProgress) bool {
	return initProgress == nil || initProgress.Status == status.PreparingFailure
}

// checkTargetTables checks every target data node of the altered logic
// tables against the first source data node of its logic table.
func (p *Preparer) checkTargetTables(ctx context.Context, jobConfig *config.JobConfiguration, checker EnvironmentChecker, manager *dbconn.DataSourceManager) error {
	targetRule, err := jobConfig.Target.ShardingRule()
	if err != nil {
		return err
	}
	if targetRule == nil {
		return fmt.Errorf("job %s has no target sharding rule", jobConfig.JobID)
	}
	firstNodes := tablesFirstDataNodes(jobConfig)
	byDataSource := map[string][]check.TargetTable{}
	for _, logic := range jobConfig.AlteredLogicTables {
		var sourceDB *sql.DB
		first, hasFirst := firstNodes[logic]
		if hasFirst {
			if sourceDB, err = openDataSource(jobConfig.Source.DataSources, first.DataSourceName, manager); err != nil {
				return err
			}
		}
		rule, err := targetRule.Table(logic)
		if err != nil {
			return err
		}
		nodes, err := rule.DataNodes()
		if err != nil {
			return err
		}
		for _, node := range nodes {
			byDataSource[node.DataSourceName] = append(byDataSource[node.DataSourceName], check.TargetTable{
				Name:        node.TableName,
				SourceDB:    sourceDB,
				SourceTable: first.TableName,
			})
		}
	}
	for _, name := range jobConfig.Target.DataSources.Names() {
		tables, ok := byDataSource[name]
		if !ok {
			continue
		}
		db, err := openDataSource(jobConfig.Target.DataSources, name, manager)
		if err != nil {
			return err
		}
		if err := checker.CheckConnection(ctx, db); err != nil {
			return fmt.Errorf("target %s: %w", name, err)
		}
		if err := checker.CheckTargetTable(ctx, db, tables); err != nil {
			return fmt.Errorf("target %s: %w", name, err)
		}
	}
	return nil
}

// incrementalStart reuses the persisted position of the source when there
// is one, and otherwise asks the source where it is now.
func incrementalStart(ctx context.Context, jobCtx *job.Context, initializer PositionInitializer, sourceDB *sql.DB) (position.IngestPosition, progress.Delay, error) {
	dsName := jobCtx.TaskConfig.Dumper.DataSourceName
	if pos, ok := jobCtx.InitProgress.IncrementalPosition(dsName); ok {
		jobCtx.Logger().Info("resuming incremental position", "position", pos.String())
		return pos, jobCtx.InitProgress.Incremental[dsName].Delay, nil
	}
	pos, err := initializer.Init(ctx, sourceDB)
	if err != nil {
		return nil, progress.Delay{}, fmt.Errorf("could not initialize incremental position of %s: %w", dsName, err)
	}
	return pos, progress.Delay{}, nil
}

func pipelineTasks[T task.PipelineTask](tasks []T) []task.PipelineTask {
	result := make([]task.PipelineTask, 0, len(tasks))
	for _, t := range tasks {
		result = append(result, t)
	}
	return result
}

// Cleanup releases the position resources of the job-shard's source. It is
// called once the job-shard reached ALMOST_FINISHED.
func (p *Preparer) Cleanup(ctx context.Context, jobCtx *job.Context) error {
	support, ok := supportFor(jobCtx.TaskConfig.Handle.SourceDatabaseType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedDatabaseType, jobCtx.TaskConfig.Handle.SourceDatabaseType)
	}
	sourceDB, err := jobCtx.SourceDB()
	if err != nil {
		return err
	}
	if err := support.PositionInitializer.Destroy(ctx, sourceDB); err != nil {
		return err
	}
	jobCtx.Logger().Info("cleaned up incremental position resources")
	return nil
}
