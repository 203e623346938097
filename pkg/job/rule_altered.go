package job

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/block/reshard/pkg/algorithm"
	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/dbconn"
	"github.com/block/reshard/pkg/engine"
	"github.com/block/reshard/pkg/throttler"
	"github.com/block/reshard/pkg/utils"
)

// RuleAlteredContext is the algorithm bundle and the execute engines of a
// job. It is built once per job configuration and shared read only by every
// job-shard of that job running in this process.
type RuleAlteredContext struct {
	JobID        string
	ActionConfig *config.OnRuleAlteredActionConfiguration

	InputRateLimiter   throttler.Throttler
	OutputRateLimiter  throttler.Throttler
	CompletionDetector algorithm.CompletionDetector
	SourceWritingLock  algorithm.RowLock
	RuleLock           algorithm.RuleLock
	ConsistencyChecker algorithm.ConsistencyChecker

	// InventoryDumperEngine runs inventory tasks, bounded by the input
	// worker threads.
	InventoryDumperEngine *engine.Engine
	// ImporterEngine runs the importers of inventory tasks, bounded by the
	// output worker threads.
	ImporterEngine *engine.Engine
	// IncrementalDumperEngine runs incremental tasks. They never end on
	// their own so it is unbounded.
	IncrementalDumperEngine *engine.Engine

	// Manager holds the pools the algorithms use, not those of the tasks.
	Manager *dbconn.DataSourceManager
	logger  *slog.Logger
}

// NewRuleAlteredContext creates the algorithms configured by the job's
// action configuration and opens its rate limiters.
func NewRuleAlteredContext(ctx context.Context, job *config.JobConfiguration, registry *algorithm.Registry, dbConfig *dbconn.DBConfig, logger *slog.Logger) (*RuleAlteredContext, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbConfig == nil {
		dbConfig = dbconn.NewDBConfig()
	}
	action := job.ActionConfig
	if action == nil {
		action = &config.OnRuleAlteredActionConfiguration{}
		action.ApplyDefaults()
	}
	logger = logger.With("job-id", job.JobID)
	manager := dbconn.NewDataSourceManager(dbConfig)
	env := &algorithm.Environment{Manager: manager, DBConfig: dbConfig, Logger: logger}
	c := &RuleAlteredContext{
		JobID:        job.JobID,
		ActionConfig: action,
		Manager:      manager,
		logger:       logger,
	}
	var err error
	if c.InputRateLimiter, err = registry.NewRateLimiter(action.Input.RateLimiter, env); err != nil {
		return nil, c.abort(err)
	}
	if c.OutputRateLimiter, err = registry.NewRateLimiter(action.Output.RateLimiter, env); err != nil {
		return nil, c.abort(err)
	}
	if c.CompletionDetector, err = registry.NewCompletionDetector(action.CompletionDetector, env); err != nil {
		return nil, c.abort(err)
	}
	if c.SourceWritingLock, err = registry.NewRowLock(action.SourceWritingStopper, env); err != nil {
		return nil, c.abort(err)
	}
	if c.RuleLock, err = registry.NewRuleLock(action.RuleLock, env); err != nil {
		return nil, c.abort(err)
	}
	if c.ConsistencyChecker, err = registry.NewConsistencyChecker(action.DataConsistencyChecker, env); err != nil {
		return nil, c.abort(err)
	}
	if err := c.InputRateLimiter.Open(ctx); err != nil {
		return nil, c.abort(fmt.Errorf("could not open input rate limiter: %w", err))
	}
	if err := c.OutputRateLimiter.Open(ctx); err != nil {
		return nil, c.abort(fmt.Errorf("could not open output rate limiter: %w", err))
	}
	c.InventoryDumperEngine = engine.NewFixedEngine("inventory-dumper", action.Input.WorkerThread, logger)
	c.ImporterEngine = engine.NewFixedEngine("importer", action.Output.WorkerThread, logger)
	c.IncrementalDumperEngine = engine.NewCachedEngine("incremental-dumper", logger)
	return c, nil
}

func (c *RuleAlteredContext) abort(err error) error {
	if closeErr := c.Close(); closeErr != nil {
		c.logger.Warn("could not release partially built job context", "error", closeErr)
	}
	return err
}

// Close shuts down the engines, waiting for their tasks to end, and then
// releases the algorithms.
func (c *RuleAlteredContext) Close() error {
	for _, e := range []*engine.Engine{c.InventoryDumperEngine, c.ImporterEngine, c.IncrementalDumperEngine} {
		if e != nil {
			e.Shutdown()
		}
	}
	var closers []utils.Closer
	for _, t := range []throttler.Throttler{c.InputRateLimiter, c.OutputRateLimiter} {
		if t != nil {
			closers = append(closers, t)
		}
	}
	closers = append(closers, c.Manager)
	return utils.CloseAll(closers...)
}

// ContextManager caches the RuleAlteredContext of every job with a
// job-shard in this process.
type ContextManager struct {
	sync.Mutex
	registry *algorithm.Registry
	dbConfig *dbconn.DBConfig
	contexts map[string]*RuleAlteredContext
	logger   *slog.Logger
}

func NewContextManager(registry *algorithm.Registry, dbConfig *dbconn.DBConfig, logger *slog.Logger) *ContextManager {
	if registry == nil {
		registry = algorithm.NewDefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextManager{
		registry: registry,
		dbConfig: dbConfig,
		contexts: map[string]*RuleAlteredContext{},
		logger:   logger,
	}
}

// Get returns the context of a job, building it on first use.
func (m *ContextManager) Get(ctx context.Context, job *config.JobConfiguration) (*RuleAlteredContext, error) {
	m.Lock()
	defer m.Unlock()
	if c, ok := m.contexts[job.JobID]; ok {
		return c, nil
	}
	c, err := NewRuleAlteredContext(ctx, job, m.registry, m.dbConfig, m.logger)
	if err != nil {
		return nil, err
	}
	m.contexts[job.JobID] = c
	return c, nil
}

// Remove closes and forgets the context of a job. It is a no-op for an
// unknown job.
func (m *ContextManager) Remove(jobID string) error {
	m.Lock()
	c, ok := m.contexts[jobID]
	delete(m.contexts, jobID)
	m.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// Close closes every context.
func (m *ContextManager) Close() error {
	m.Lock()
	contexts := m.contexts
	m.contexts = map[string]*RuleAlteredContext{}
	m.Unlock()
	var closers []utils.Closer
	for _, c := range contexts {
		closers = append(closers, c)
	}
	return utils.CloseAll(closers...)
}
