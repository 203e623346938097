// Package dbconn contains a series of database-related utility functions.
package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	errLockWaitTimeout  = 1205
	errDeadlock         = 1213
	errCannotConnect    = 2003
	errConnLost         = 2013
	errReadOnly         = 1290
	errQueryKilled      = 1836
	errCapacityExceeded = 3170
	errFoundDuppKey     = 1062 // yes I know there's a typo
)

type DBConfig struct {
	LockWaitTimeout          int
	InnodbLockWaitTimeout    int
	MaxRetries               int
	MaxOpenConnections       int
	RangeOptimizerMaxMemSize int64
	InterpolateParams        bool
}

func NewDBConfig() *DBConfig {
	return &DBConfig{
		LockWaitTimeout:          30,
		InnodbLockWaitTimeout:    3,
		MaxRetries:               3,
		MaxOpenConnections:       32,   // overwritten by the job's worker thread count + 2 for headroom.
		RangeOptimizerMaxMemSize: 0,    // default is 8M, we set to unlimited.
		InterpolateParams:        true, // importer batches use placeholders
	}
}

// Statement is a SQL statement with its placeholder arguments.
type Statement struct {
	SQL  string
	Args []any
}

// Stmts wraps plain SQL strings into statements with no arguments.
func Stmts(sqls ...string) []Statement {
	stmts := make([]Statement, 0, len(sqls))
	for _, s := range sqls {
		stmts = append(stmts, Statement{SQL: s})
	}
	return stmts
}

// canRetryError looks at the MySQL error and decides if it is considered
// a permanent failure or not. For simplicity a "retryable" error means
// rollback the transaction and start the transaction again.
// This is because it gets complicated in cases where the statement could
// succeed but then there is a deadlock later on.
func canRetryError(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case errLockWaitTimeout, errDeadlock, errCannotConnect,
		errConnLost, errReadOnly, errQueryKilled:
		return true
	default:
		return false
	}
}

// RetryableTransaction runs all statements in a single transaction, retrying
// the whole transaction on a deadlock or other retryable error. It will retry
// up to config.MaxRetries times.
func RetryableTransaction(ctx context.Context, db *sql.DB, ignoreDupKeyWarnings bool, config *DBConfig, stmts ...Statement) (int64, error) {
	var (
		err          error
		trx          *sql.Tx
		rowsAffected int64
		isFatal      bool
	)
	for i := range config.MaxRetries {
		rowsAffected = 0
		func() {
			if trx, err = db.BeginTx(ctx, nil); err != nil {
				return
			}
			// If anything was non successful as we exit
			// then rollback before either retrying or finishing up
			// If we are going to retry, then backoff first.
			defer func() {
				if err != nil {
					_ = trx.Rollback()
					if i < config.MaxRetries-1 && !isFatal {
						backoff(i)
					}
				}
			}()
			for _, stmt := range stmts {
				if stmt.SQL == "" {
					continue
				}
				var res sql.Result
				if res, err = trx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
					if !canRetryError(err) {
						isFatal = true
					}
					return
				}
				if err = checkWarnings(ctx, trx, ignoreDupKeyWarnings, &isFatal); err != nil {
					return
				}
				// Some statements don't support affected rows, that's fine.
				if count, errC := res.RowsAffected(); errC == nil {
					rowsAffected += count
				}
			}
			err = trx.Commit()
		}()
		if isFatal {
			return rowsAffected, err
		}
		if err == nil {
			return rowsAffected, nil
		}
	}
	return rowsAffected, err
}

// checkWarnings inspects SHOW WARNINGS after a statement. Writes applied
// with sql_mode="" can silently truncate, so any warning other than a
// duplicate key (when ignored) is fatal.
func checkWarnings(ctx context.Context, trx *sql.Tx, ignoreDupKeyWarnings bool, isFatal *bool) error {
	warningRes, err := trx.QueryContext(ctx, "SHOW WARNINGS") //nolint: execinquery
	if err != nil {
		return err
	}
	defer warningRes.Close()
	var level, message string
	var code int
	for warningRes.Next() {
		if err := warningRes.Scan(&level, &code, &message); err != nil {
			return err
		}
		switch {
		case code == errFoundDuppKey && ignoreDupKeyWarnings:
			continue
		case code == errCapacityExceeded:
			*isFatal = true
			return errors.New("MySQL refused to optimize a statement because the value of 'range_optimizer_max_mem_size' is too low. Please decrease the batch size, or increase the value of 'range_optimizer_max_mem_size'")
		default:
			*isFatal = true
			return fmt.Errorf("unsafe warning: %s", message)
		}
	}
	return warningRes.Err()
}

// backoff sleeps a few milliseconds before retrying.
func backoff(i int) {
	randFactor := i * rand.Intn(10) * int(time.Millisecond)
	time.Sleep(time.Duration(randFactor))
}

// Exec is like db.Exec but only returns an error.
// This makes it a little bit easier to use in error handling.
func Exec(ctx context.Context, db *sql.DB, stmt string, args ...any) error {
	_, err := db.ExecContext(ctx, stmt, args...)
	return err
}

// BeginStandardTrx is like db.BeginTx but returns the connection id.
func BeginStandardTrx(ctx context.Context, db *sql.DB, opts *sql.TxOptions) (*sql.Tx, int, error) {
	trx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	var connectionID int
	err = trx.QueryRowContext(ctx, "SELECT CONNECTION_ID()").Scan(&connectionID)
	if err != nil {
		_ = trx.Rollback()
		return nil, 0, err
	}
	return trx, connectionID, nil
}

// IsMySQL84 returns true if the MySQL version can positively be identified as 8.4
func IsMySQL84(ctx context.Context, db *sql.DB) bool {
	var version string
	if err := db.QueryRowContext(ctx, "select substr(version(), 1, 3)").Scan(&version); err != nil {
		return false // can't tell
	}
	return version == "8.4"
}
