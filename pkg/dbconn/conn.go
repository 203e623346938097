package dbconn

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/block/reshard/pkg/utils"
	"github.com/go-sql-driver/mysql"
)

const maxConnLifetime = time.Minute * 3

// newDSN returns the DSN with the session settings every reshard
// connection runs with. Settings already in the DSN are overwritten.
func newDSN(dsn string, config *DBConfig) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	// Rows are copied byte for byte, so a historical value like
	// 0000-00-00 00:00:00 must not be rejected by a strict sql_mode on the
	// target.
	cfg.Params["sql_mode"] = `""`
	cfg.Params["time_zone"] = `"+00:00"`
	cfg.Params["innodb_lock_wait_timeout"] = strconv.Itoa(config.InnodbLockWaitTimeout)
	cfg.Params["lock_wait_timeout"] = strconv.Itoa(config.LockWaitTimeout)
	cfg.Params["range_optimizer_max_mem_size"] = strconv.FormatInt(config.RangeOptimizerMaxMemSize, 10)
	cfg.Params["transaction_isolation"] = `"read-committed"`
	cfg.Collation = "utf8mb4_bin"
	// Recycle the connection if a failover left us on a read only replica.
	cfg.RejectReadOnly = true
	cfg.InterpolateParams = config.InterpolateParams
	cfg.ParseTime = false
	cfg.AllowNativePasswords = true
	return cfg.FormatDSN(), nil
}

// New is similar to sql.Open except we take the inputDSN and
// append additional options to it to standardize the connection.
// It will also ping the connection to ensure it is valid.
func New(inputDSN string, config *DBConfig) (*sql.DB, error) {
	db, err := Open(inputDSN, config)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		utils.CloseAndLog(db)
		return nil, err
	}
	return db, nil
}

// Open is New without the ping. The pool connects lazily on first use.
func Open(inputDSN string, config *DBConfig) (*sql.DB, error) {
	dsn, err := newDSN(inputDSN, config)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(config.MaxOpenConnections)
	db.SetConnMaxLifetime(maxConnLifetime)
	return db, nil
}

// SchemaName returns the database name a DSN points at.
func SchemaName(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	return cfg.DBName, nil
}
