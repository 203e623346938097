// Package testutils contains some common utilities used exclusively
// by the test suite.
package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// DSN returns the MySQL DSN used by integration tests.
func DSN() string {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		return "reshard:reshard@tcp(127.0.0.1:3306)/test"
	}
	return dsn
}

// RequireMySQL skips the test unless MYSQL_DSN is set, and returns it.
func RequireMySQL(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		t.Skip("skipping test because MYSQL_DSN not set")
	}
	return dsn
}

// DSNForDatabase returns a DSN for a specific database name
func DSNForDatabase(dbName string) string {
	baseDSN := DSN()
	lastSlash := strings.LastIndex(baseDSN, "/")
	if lastSlash < 0 {
		return baseDSN
	}
	rest := baseDSN[lastSlash+1:]
	params := ""
	if idx := strings.Index(rest, "?"); idx >= 0 {
		params = rest[idx:]
	}
	return baseDSN[:lastSlash+1] + dbName + params
}

var databaseCounter atomic.Int64

// CreateUniqueTestDatabase creates a unique database for a test and drops
// it when the test finishes.
func CreateUniqueTestDatabase(t *testing.T) string {
	t.Helper()
	RequireMySQL(t)
	name := strings.NewReplacer("/", "_", "-", "_").Replace(strings.ToLower(t.Name()))
	if len(name) > 40 {
		name = name[:40]
	}
	dbName := fmt.Sprintf("t_%s_%d_%d", name, os.Getpid(), databaseCounter.Add(1))

	rootDSN := DSNForDatabase("")
	db, err := sql.Open("mysql", rootDSN)
	require.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()
	_, err = db.ExecContext(t.Context(), "CREATE DATABASE IF NOT EXISTS "+dbName)
	require.NoError(t, err)

	t.Cleanup(func() {
		db, err := sql.Open("mysql", rootDSN)
		require.NoError(t, err)
		defer func() {
			_ = db.Close()
		}()
		_, err = db.ExecContext(context.Background(), "DROP DATABASE IF EXISTS "+dbName)
		require.NoError(t, err)
	})
	return dbName
}

// RunSQLInDatabase runs SQL in a specific database
func RunSQLInDatabase(t *testing.T, dbName, stmt string) {
	t.Helper()
	db, err := sql.Open("mysql", DSNForDatabase(dbName))
	require.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()
	_, err = db.ExecContext(t.Context(), stmt)
	require.NoError(t, err)
}

func RunSQL(t *testing.T, stmt string) {
	t.Helper()
	db, err := sql.Open("mysql", DSN())
	require.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()
	_, err = db.ExecContext(t.Context(), stmt)
	require.NoError(t, err)
}

// WriteFile writes content into a file under t.TempDir() and returns its path.
func WriteFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
