package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"

	"github.com/block/reshard/pkg/utils"
)

// LockMode is the LOCK TABLES lock type.
type LockMode string

const (
	LockRead  LockMode = "READ"
	LockWrite LockMode = "WRITE"
)

// TableName identifies a physical table.
type TableName struct {
	SchemaName string
	TableName  string
}

func (t TableName) Quoted() string {
	return utils.QuoteTable(t.SchemaName, t.TableName)
}

type TableLock struct {
	tables  []TableName
	lockTxn *sql.Tx
	logger  *slog.Logger
}

// NewTableLock creates a server wide lock on multiple tables with
// LOCK TABLES .. <mode>. A READ lock pauses writers while still allowing
// checksum queries from other sessions.
// It uses a short timeout and *does not retry*. The caller is expected to retry,
// which gives it a chance to first do things like catch up on replication apply
// before it does the next attempt.
func NewTableLock(ctx context.Context, db *sql.DB, tables []TableName, mode LockMode, logger *slog.Logger) (*TableLock, error) {
	if len(tables) == 0 {
		return nil, errors.New("no tables provided for table lock")
	}
	parts := make([]string, 0, len(tables))
	for _, tbl := range tables {
		parts = append(parts, tbl.Quoted()+" "+string(mode))
	}
	lockStmt := "LOCK TABLES " + strings.Join(parts, ", ")

	lockTxn, _, err := BeginStandardTrx(ctx, db, nil)
	if err != nil {
		return nil, err
	}
	logger.Warn("trying to acquire table locks", "mode", mode, "tables", len(tables))
	if _, err = lockTxn.ExecContext(ctx, lockStmt); err != nil {
		// rollback so that the connection is not leaked.
		_ = lockTxn.Rollback()
		logger.Warn("failed to acquire table lock(s)", "error", err)
		return nil, err
	}
	logger.Warn("table lock(s) acquired")
	return &TableLock{
		tables:  tables,
		lockTxn: lockTxn,
		logger:  logger,
	}, nil
}

// ExecUnderLock executes a set of statements under a table lock.
func (s *TableLock) ExecUnderLock(ctx context.Context, stmts ...string) error {
	for _, stmt := range stmts {
		if stmt == "" {
			continue
		}
		if _, err := s.lockTxn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Tx returns the transaction holding the lock, for reads that must run
// in the locking session.
func (s *TableLock) Tx() *sql.Tx {
	return s.lockTxn
}

// Close releases the table lock.
func (s *TableLock) Close() error {
	if _, err := s.lockTxn.Exec("UNLOCK TABLES"); err != nil {
		_ = s.lockTxn.Rollback()
		return err
	}
	if err := s.lockTxn.Rollback(); err != nil {
		return err
	}
	s.logger.Warn("table lock released")
	return nil
}
