package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/block/reshard/pkg/dbconn"
	"github.com/block/reshard/pkg/utils"
	_ "modernc.org/sqlite"
)

const DefaultTable = "_reshard_repository"

// dialect is what differs between the SQL backends.
type dialect struct {
	createTable string
	upsert      string
}

var (
	sqliteDialect = dialect{
		createTable: `CREATE TABLE IF NOT EXISTS %s (
			repo_key TEXT NOT NULL PRIMARY KEY,
			repo_value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		upsert: `INSERT INTO %s (repo_key, repo_value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(repo_key) DO UPDATE SET repo_value = excluded.repo_value, updated_at = excluded.updated_at`,
	}
	mysqlDialect = dialect{
		createTable: `CREATE TABLE IF NOT EXISTS %s (
			repo_key VARBINARY(255) NOT NULL PRIMARY KEY,
			repo_value MEDIUMTEXT NOT NULL,
			updated_at TIMESTAMP(3) NOT NULL
		)`,
		upsert: `INSERT INTO %s (repo_key, repo_value, updated_at) VALUES (?, ?, ?) AS new
			ON DUPLICATE KEY UPDATE repo_value = new.repo_value, updated_at = new.updated_at`,
	}
)

// SQL stores keys in a single table of a SQL database.
type SQL struct {
	db      *sql.DB
	table   string
	dialect dialect
}

var _ KV = &SQL{}

// NewSQLite opens (creating if needed) a SQLite file.
func NewSQLite(ctx context.Context, path, table string) (*SQL, error) {
	dsn := path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between our own connections.
	db.SetMaxOpenConns(1)
	return newSQL(ctx, db, table, sqliteDialect)
}

// NewMySQL stores the repository in a MySQL table.
func NewMySQL(ctx context.Context, dsn, table string) (*SQL, error) {
	cfg := dbconn.NewDBConfig()
	cfg.MaxOpenConnections = 4
	db, err := dbconn.New(dsn, cfg)
	if err != nil {
		return nil, err
	}
	return newSQL(ctx, db, table, mysqlDialect)
}

func newSQL(ctx context.Context, db *sql.DB, table string, d dialect) (*SQL, error) {
	if table == "" {
		table = DefaultTable
	}
	s := &SQL{db: db, table: utils.QuoteIdentifier(table), dialect: d}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(d.createTable, s.table)); err != nil {
		utils.CloseAndLog(db)
		return nil, fmt.Errorf("failed to create repository table: %w", err)
	}
	return s, nil
}

func (s *SQL) Persist(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(s.dialect.upsert, s.table), key, value, time.Now().UTC())
	return err
}

func (s *SQL) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT repo_value FROM %s WHERE repo_key = ?", s.table), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return value, err
}

// likePrefix escapes the LIKE wildcards of a prefix, using ! as the escape
// character because both backends accept it.
func likePrefix(prefix string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(prefix) + "%"
}

func (s *SQL) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT repo_key FROM %s WHERE repo_key LIKE ? ESCAPE '!' ORDER BY repo_key", s.table), likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer utils.CloseAndLog(rows)
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQL) Delete(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE repo_key LIKE ? ESCAPE '!'", s.table), likePrefix(prefix))
	return err
}

func (s *SQL) Close() error {
	return s.db.Close()
}
