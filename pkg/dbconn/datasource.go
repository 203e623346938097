package dbconn

import (
	"database/sql"
	"errors"
	"sync"
)

// ErrManagerClosed is returned by GetDataSource after Close.
var ErrManagerClosed = errors.New("data source manager is closed")

// DataSourceManager caches one pool per DSN. A job-shard owns one for its
// tasks and the preparer opens a short lived one for its checks.
type DataSourceManager struct {
	sync.Mutex
	config *DBConfig
	pools  map[string]*sql.DB
	closed bool
	// openFn is swapped in tests.
	openFn func(dsn string, config *DBConfig) (*sql.DB, error)
}

func NewDataSourceManager(config *DBConfig) *DataSourceManager {
	if config == nil {
		config = NewDBConfig()
	}
	return &DataSourceManager{
		config: config,
		pools:  make(map[string]*sql.DB),
		openFn: Open,
	}
}

// GetDataSource returns the pool for a DSN, opening it on first use.
func (m *DataSourceManager) GetDataSource(dsn string) (*sql.DB, error) {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if db, ok := m.pools[dsn]; ok {
		return db, nil
	}
	db, err := m.openFn(dsn, m.config)
	if err != nil {
		return nil, err
	}
	m.pools[dsn] = db
	return db, nil
}

// Len is the number of open pools.
func (m *DataSourceManager) Len() int {
	m.Lock()
	defer m.Unlock()
	return len(m.pools)
}

// Close closes every pool. It is safe to call more than once.
func (m *DataSourceManager) Close() error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for dsn, db := range m.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.pools, dsn)
	}
	return errors.Join(errs...)
}
