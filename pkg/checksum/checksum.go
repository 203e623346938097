// Package checksum verifies that the rows of a logic table are identical
// on the old and the new topology. Each side may spread the table over many
// actual tables, so checksums are combined with BIT_XOR and counts summed.
package checksum

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/block/reshard/pkg/dbconn"
	"golang.org/x/sync/errgroup"
)

var ErrNoCommonColumns = errors.New("source and target tables have no columns in common")

// TableRef is one actual table participating in a check.
type TableRef struct {
	DataSourceName string
	DB             *sql.DB
	Table          string
}

func (r TableRef) String() string {
	return r.DataSourceName + "." + r.Table
}

// TableCheck compares a logic table across all of its source and target
// actual tables.
type TableCheck struct {
	LogicTable string
	Source     []TableRef
	Target     []TableRef
}

// Result is the outcome for one logic table.
type Result struct {
	LogicTable     string
	SourceCount    uint64
	TargetCount    uint64
	SourceChecksum int64
	TargetChecksum int64
	CountMatched   bool
	ContentMatched bool
}

// Matched is true when both the counts and the contents are equal.
func (r *Result) Matched() bool {
	return r.CountMatched && r.ContentMatched
}

type CheckerConfig struct {
	Concurrency int
	DBConfig    *dbconn.DBConfig
	Logger      *slog.Logger
}

func NewCheckerDefaultConfig() *CheckerConfig {
	return &CheckerConfig{
		Concurrency: 4,
		DBConfig:    dbconn.NewDBConfig(),
		Logger:      slog.Default(),
	}
}

// Checker runs CRC32 checksums. It is safe for concurrent use.
type Checker struct {
	sync.Mutex
	concurrency int
	logger      *slog.Logger
	startTime   time.Time
	execTime    time.Duration
}

// NewChecker creates a new checksum object.
func NewChecker(config *CheckerConfig) *Checker {
	if config == nil {
		config = NewCheckerDefaultConfig()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Checker{
		concurrency: config.Concurrency,
		logger:      config.Logger,
	}
}

// Check runs every table check and returns the results sorted by logic
// table. A mismatch is not an error; callers inspect Result.Matched.
func (c *Checker) Check(ctx context.Context, checks []TableCheck) ([]*Result, error) {
	c.Lock()
	c.startTime = time.Now()
	c.Unlock()
	defer func() {
		c.Lock()
		c.execTime = time.Since(c.startTime)
		c.Unlock()
	}()

	results := make([]*Result, len(checks))
	g, errGrpCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, check := range checks {
		g.Go(func() error {
			res, err := c.checkTable(errGrpCtx, check)
			if err != nil {
				return fmt.Errorf("checksum of %s failed: %w", check.LogicTable, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].LogicTable < results[j].LogicTable })
	return results, nil
}

func (c *Checker) checkTable(ctx context.Context, check TableCheck) (*Result, error) {
	if len(check.Source) == 0 || len(check.Target) == 0 {
		return nil, fmt.Errorf("logic table %s needs at least one source and one target table", check.LogicTable)
	}
	sourceCols, err := columns(ctx, check.Source[0])
	if err != nil {
		return nil, err
	}
	targetCols, err := columns(ctx, check.Target[0])
	if err != nil {
		return nil, err
	}
	cols := intersectColumns(sourceCols, targetCols)
	if len(cols) == 0 {
		return nil, ErrNoCommonColumns
	}
	res := &Result{LogicTable: check.LogicTable}
	if res.SourceChecksum, res.SourceCount, err = c.aggregate(ctx, check.Source, cols); err != nil {
		return nil, err
	}
	if res.TargetChecksum, res.TargetCount, err = c.aggregate(ctx, check.Target, cols); err != nil {
		return nil, err
	}
	res.CountMatched = res.SourceCount == res.TargetCount
	res.ContentMatched = res.SourceChecksum == res.TargetChecksum
	if !res.Matched() {
		c.logger.Warn("checksum mismatch", "logic-table", check.LogicTable,
			"source-checksum", res.SourceChecksum, "target-checksum", res.TargetChecksum,
			"source-count", res.SourceCount, "target-count", res.TargetCount)
	} else {
		c.logger.Info("checksum matched", "logic-table", check.LogicTable, "count", res.SourceCount)
	}
	return res, nil
}

// aggregate XORs the checksums and sums the counts of a set of tables.
func (c *Checker) aggregate(ctx context.Context, refs []TableRef, cols []string) (int64, uint64, error) {
	var aggregatedChecksum int64
	var aggregatedCount uint64
	for _, ref := range refs {
		var checksum sql.NullInt64
		var count uint64
		if err := ref.DB.QueryRowContext(ctx, checksumQuery(ref.Table, cols)).Scan(&checksum, &count); err != nil {
			return 0, 0, fmt.Errorf("failed to checksum %s: %w", ref, err)
		}
		// Handle NULL checksum (empty result set)
		if checksum.Valid {
			aggregatedChecksum ^= checksum.Int64
		}
		aggregatedCount += count
		c.logger.Debug("table checksum", "table", ref.String(), "checksum", checksum.Int64, "count", count)
	}
	return aggregatedChecksum, aggregatedCount, nil
}

// StartTime is when the last Check began.
func (c *Checker) StartTime() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.startTime
}

// ExecTime is how long the last Check took.
func (c *Checker) ExecTime() time.Duration {
	c.Lock()
	defer c.Unlock()
	return c.execTime
}

func columns(ctx context.Context, ref TableRef) ([]string, error) {
	rows, err := ref.DB.QueryContext(ctx, columnsQuery, ref.Table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s does not exist", ref)
	}
	return cols, nil
}
