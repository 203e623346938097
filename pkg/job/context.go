// Package job holds the state of a migration job in this process: the
// immutable configuration of one job-shard, its status cell and tasks, and
// the algorithm bundle shared by the job-shards of a job.
package job

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/block/reshard/pkg/applier"
	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/dbconn"
	"github.com/block/reshard/pkg/ingest"
	"github.com/block/reshard/pkg/metrics"
	"github.com/block/reshard/pkg/position"
	"github.com/block/reshard/pkg/progress"
	"github.com/block/reshard/pkg/status"
	"github.com/block/reshard/pkg/task"
)

// Context is one job-shard: a sharding item of a job. Its configuration
// never changes after construction, the status moves through the legal
// transitions of status.Cell.
type Context struct {
	JobConfig    *config.JobConfiguration
	TaskConfig   *config.TaskConfiguration
	InitProgress *progress.JobProgress
	RuleAltered  *RuleAlteredContext
	// Manager owns the source and target pools of the job-shard's tasks.
	Manager *dbconn.DataSourceManager

	status *status.Cell
	sink   metrics.Sink
	logger *slog.Logger

	sync.Mutex
	inventoryTasks   []task.PipelineTask
	incrementalTasks []task.PipelineTask
}

type ContextConfig struct {
	DBConfig *dbconn.DBConfig
	Sink     metrics.Sink
	Logger   *slog.Logger
}

// NewContext builds the context of a sharding item. initProgress is the
// persisted progress of a previous run, or nil.
func NewContext(job *config.JobConfiguration, shardingItem int, initProgress *progress.JobProgress, ruleAltered *RuleAlteredContext, cfg *ContextConfig) (*Context, error) {
	if cfg == nil {
		cfg = &ContextConfig{}
	}
	if cfg.DBConfig == nil {
		cfg.DBConfig = dbconn.NewDBConfig()
	}
	if cfg.Sink == nil {
		cfg.Sink = &metrics.NoopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	taskConfig, err := config.NewTaskConfiguration(job, shardingItem)
	if err != nil {
		return nil, err
	}
	dbConfig := *cfg.DBConfig
	if ruleAltered != nil {
		// Every worker thread of either side may hold a connection.
		dbConfig.MaxOpenConnections = ruleAltered.ActionConfig.Input.WorkerThread + ruleAltered.ActionConfig.Output.WorkerThread + 2
	}
	return &Context{
		JobConfig:    job,
		TaskConfig:   taskConfig,
		InitProgress: initProgress,
		RuleAltered:  ruleAltered,
		Manager:      dbconn.NewDataSourceManager(&dbConfig),
		status:       status.NewCell(status.Running),
		sink:         cfg.Sink,
		logger:       cfg.Logger.With("job-id", job.JobID, "sharding-item", shardingItem),
	}, nil
}

func (c *Context) JobID() string {
	return c.JobConfig.JobID
}

func (c *Context) ShardingItem() int {
	return c.TaskConfig.Handle.ShardingItem
}

func (c *Context) Logger() *slog.Logger {
	return c.logger
}

func (c *Context) Status() status.JobStatus {
	return c.status.Get()
}

// TransitionStatus moves the status forward. It returns false when the
// move is not legal from the current status.
func (c *Context) TransitionStatus(to status.JobStatus) bool {
	from := c.status.Get()
	if !c.status.Transition(to) {
		return false
	}
	if from != to {
		c.logger.Info("job status changed", "from", from.String(), "to", to.String())
	}
	return true
}

// ForceStatus overwrites the status, for changes driven from outside the
// job-shard.
func (c *Context) ForceStatus(to status.JobStatus) {
	c.status.ForceSet(to)
	c.logger.Info("job status set", "status", to.String())
}

// SetTasks attaches the planned tasks.
func (c *Context) SetTasks(inventory []task.PipelineTask, incremental []task.PipelineTask) {
	c.Lock()
	defer c.Unlock()
	c.inventoryTasks = inventory
	c.incrementalTasks = incremental
}

func (c *Context) InventoryTasks() []task.PipelineTask {
	c.Lock()
	defer c.Unlock()
	return c.inventoryTasks
}

func (c *Context) IncrementalTasks() []task.PipelineTask {
	c.Lock()
	defer c.Unlock()
	return c.incrementalTasks
}

// IdleMinutes is the idle time of every incremental task.
func (c *Context) IdleMinutes(now time.Time) []int64 {
	tasks := c.IncrementalTasks()
	idle := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		if inc, ok := t.Progress().(*progress.IncrementalTaskProgress); ok {
			idle = append(idle, inc.IdleMinutes(now))
		}
	}
	return idle
}

// Summary describes the job-shard for the periodic status log.
func (c *Context) Summary() string {
	inventory := c.InventoryTasks()
	finished := 0
	for _, t := range inventory {
		if position.IsFinished(t.Progress().Position()) {
			finished++
		}
	}
	return fmt.Sprintf("job %s sharding item %d: %d/%d inventory tasks finished, %d incremental tasks",
		c.JobID(), c.ShardingItem(), finished, len(inventory), len(c.IncrementalTasks()))
}

// ToJobProgress snapshots the current status and task positions.
func (c *Context) ToJobProgress() *progress.JobProgress {
	p := &progress.JobProgress{
		Status:             c.Status(),
		SourceDatabaseType: c.TaskConfig.Handle.SourceDatabaseType,
		Incremental:        map[string]*progress.IncrementalTaskProgress{},
		Inventory:          map[string]*progress.InventoryTaskProgress{},
	}
	for _, t := range c.IncrementalTasks() {
		if inc, ok := t.Progress().(*progress.IncrementalTaskProgress); ok {
			p.Incremental[t.TaskID()] = inc
		}
	}
	for _, t := range c.InventoryTasks() {
		if inv, ok := t.Progress().(*progress.InventoryTaskProgress); ok {
			p.Inventory[t.TaskID()] = inv
		}
	}
	return p
}

// SourceDB returns the pool of the job-shard's source data source.
func (c *Context) SourceDB() (*sql.DB, error) {
	return c.TaskConfig.Dumper.DataSource.Open(c.Manager)
}

// NewTaskEnvironment opens the source pool and creates the applier writing
// the target, which the tasks of this job-shard share.
func (c *Context) NewTaskEnvironment() (*task.Environment, error) {
	if c.RuleAltered == nil {
		return nil, fmt.Errorf("job %s has no algorithm context", c.JobID())
	}
	factory, err := ingest.FactoryFor(c.TaskConfig.Handle.SourceDatabaseType)
	if err != nil {
		return nil, err
	}
	source, err := c.SourceDB()
	if err != nil {
		return nil, fmt.Errorf("could not open source %s: %w", c.TaskConfig.Dumper.DataSourceName, err)
	}
	applierConfig := applier.NewApplierDefaultConfig()
	applierConfig.Rule = c.TaskConfig.Importer.Rule
	applierConfig.ShardingColumns = c.TaskConfig.Importer.ShardingColumns
	applierConfig.DataSources = c.TaskConfig.Importer.DataSources
	applierConfig.Manager = c.Manager
	applierConfig.Logger = c.logger
	applierConfig.DBConfig.MaxRetries = c.TaskConfig.Importer.RetryTimes
	a, err := applier.NewShardedApplier(applierConfig)
	if err != nil {
		return nil, err
	}
	action := c.RuleAltered.ActionConfig
	return &task.Environment{
		Factory:         factory,
		Source:          source,
		Applier:         a,
		InputThrottler:  c.RuleAltered.InputRateLimiter,
		OutputThrottler: c.RuleAltered.OutputRateLimiter,
		ImporterEngine:  c.RuleAltered.ImporterEngine,
		InputBatchSize:  action.Input.BatchSize,
		OutputBatchSize: c.TaskConfig.Importer.BatchSize,
		BlockQueueSize:  action.BlockQueueSize(),
		Sink:            c.sink,
		Logger:          c.logger,
	}, nil
}

// Close releases the job-shard's pools.
func (c *Context) Close() error {
	return c.Manager.Close()
}
