package algorithm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/dbconn"
	"github.com/block/reshard/pkg/utils"
)

const (
	LockNone      = "NONE"
	RuleLockMySQL = "MYSQL"
)

// RowLock pauses writes on the source tables of a job.
type RowLock interface {
	// Lock holds the pause until the returned closer is closed.
	Lock(ctx context.Context, job *config.JobConfiguration) (utils.Closer, error)
}

// RuleLock serializes changes to the rules of a logic database, so only
// one cutover of a database runs at a time.
type RuleLock interface {
	// TryLock returns dbconn.ErrLockHeld when the lock is taken.
	TryLock(ctx context.Context, databaseName string) (utils.Closer, error)
}

type noopRowLock struct{}

func (noopRowLock) Lock(context.Context, *config.JobConfiguration) (utils.Closer, error) {
	return closerFunc(func() error { return nil }), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// tableRowLock takes LOCK TABLES ... READ on every source actual table of
// a job, one lock per source data source.
type tableRowLock struct {
	env *Environment
}

func newTableRowLock(_ map[string]string, env *Environment) (any, error) {
	if env == nil || env.Manager == nil {
		return nil, errors.New("row lock needs a data source manager")
	}
	return &tableRowLock{env: env}, nil
}

func (l *tableRowLock) Lock(ctx context.Context, job *config.JobConfiguration) (utils.Closer, error) {
	byDataSource := map[string][]dbconn.TableName{}
	var order []string
	for _, line := range job.JobShardingDataNodes {
		for _, entry := range line {
			for _, node := range entry.DataNodes {
				if _, ok := byDataSource[node.DataSourceName]; !ok {
					order = append(order, node.DataSourceName)
				}
				byDataSource[node.DataSourceName] = append(byDataSource[node.DataSourceName], dbconn.TableName{TableName: node.TableName})
			}
		}
	}
	var locks []utils.Closer
	for _, name := range order {
		ds, err := job.Source.DataSources.Get(name)
		if err != nil {
			_ = utils.CloseAll(locks...)
			return nil, err
		}
		db, err := ds.Open(l.env.Manager)
		if err != nil {
			_ = utils.CloseAll(locks...)
			return nil, err
		}
		lock, err := dbconn.NewTableLock(ctx, db, byDataSource[name], dbconn.LockRead, l.env.logger().With("data-source", name))
		if err != nil {
			_ = utils.CloseAll(locks...)
			return nil, fmt.Errorf("could not lock source tables of %s: %w", name, err)
		}
		locks = append(locks, lock)
	}
	return closerFunc(func() error { return utils.CloseAll(locks...) }), nil
}

// LocalRuleLock is a process local rule lock.
type LocalRuleLock struct {
	sync.Mutex
	held map[string]bool
}

func NewLocalRuleLock() *LocalRuleLock {
	return &LocalRuleLock{held: map[string]bool{}}
}

func (l *LocalRuleLock) TryLock(_ context.Context, databaseName string) (utils.Closer, error) {
	l.Lock()
	defer l.Unlock()
	if l.held[databaseName] {
		return nil, fmt.Errorf("%w: %s", dbconn.ErrLockHeld, databaseName)
	}
	l.held[databaseName] = true
	var once sync.Once
	return closerFunc(func() error {
		once.Do(func() {
			l.Lock()
			defer l.Unlock()
			delete(l.held, databaseName)
		})
		return nil
	}), nil
}

// mysqlRuleLock uses GET_LOCK on a shared MySQL server, so it holds across
// processes.
type mysqlRuleLock struct {
	dsn string
	env *Environment
}

func newMySQLRuleLock(props map[string]string, env *Environment) (any, error) {
	dsn := props[PropDSN]
	if dsn == "" {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidProps, PropDSN)
	}
	return &mysqlRuleLock{dsn: dsn, env: env}, nil
}

func (l *mysqlRuleLock) TryLock(ctx context.Context, databaseName string) (utils.Closer, error) {
	lock, err := dbconn.NewMetadataLock(ctx, l.dsn, []string{"reshard-rule-" + databaseName}, l.env.dbConfig(), l.env.logger())
	if err != nil {
		return nil, err
	}
	return lock, nil
}
