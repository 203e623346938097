package dbconn

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// getLockTimeout is the timeout for acquiring the GET_LOCK. We set it to 0
	// because we want to return immediately if the lock is not available
	getLockTimeout  = 0 * time.Second
	refreshInterval = 1 * time.Minute
)

// ErrLockHeld is returned when another connection already owns the lock.
var ErrLockHeld = errors.New("lock is held by another connection")

type MetadataLock struct {
	sync.Mutex
	cancel          context.CancelFunc
	closeCh         chan error
	refreshInterval time.Duration
	db              *sql.DB
	lockNames       []string
}

// NewMetadataLock acquires a set of named GET_LOCK locks on a dedicated
// connection and keeps them alive with a background refresher until Close.
func NewMetadataLock(ctx context.Context, dsn string, names []string, config *DBConfig, logger *slog.Logger, optionFns ...func(*MetadataLock)) (*MetadataLock, error) {
	if len(names) == 0 {
		return nil, errors.New("no names provided for metadata lock")
	}
	mdl := &MetadataLock{
		refreshInterval: refreshInterval,
		lockNames:       make([]string, 0, len(names)),
	}
	for _, optionFn := range optionFns {
		optionFn(mdl)
	}
	for _, name := range names {
		mdl.lockNames = append(mdl.lockNames, ComputeLockName(name))
	}

	// The locks belong to the session, so the pool must be a single connection.
	dbConfig := *config
	dbConfig.MaxOpenConnections = 1
	var err error
	mdl.db, err = New(dsn, &dbConfig)
	if err != nil {
		return nil, err
	}

	getLocks := func(db *sql.DB) error {
		// https://dev.mysql.com/doc/refman/8.0/en/locking-functions.html#function_get-lock
		for _, lockName := range mdl.lockNames {
			var answer int
			if err := db.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", lockName, getLockTimeout.Seconds()).Scan(&answer); err != nil {
				return fmt.Errorf("could not acquire metadata lock for %s: %w", lockName, err)
			}
			if answer == 0 {
				logger.Warn("could not acquire metadata lock, lock is held by another connection", "lock", lockName)
				return fmt.Errorf("could not acquire metadata lock for %s: %w", lockName, ErrLockHeld)
			} else if answer != 1 {
				return fmt.Errorf("could not acquire metadata lock %s, GET_LOCK returned: %d", lockName, answer)
			}
		}
		return nil
	}

	logger.Info("attempting to acquire metadata lock")
	if err = getLocks(mdl.db); err != nil {
		_ = mdl.db.Close()
		return nil, err
	}
	for _, lockName := range mdl.lockNames {
		logger.Info("acquired metadata lock", "lock", lockName)
	}

	ctx, mdl.cancel = context.WithCancel(ctx)
	mdl.closeCh = make(chan error, 1)
	go func() {
		ticker := time.NewTicker(mdl.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				for _, lockName := range mdl.lockNames {
					logger.Info("releasing metadata lock", "lock", lockName)
				}
				mdl.Lock()
				mdl.closeCh <- mdl.db.Close()
				mdl.Unlock()
				return
			case <-ticker.C:
				mdl.Lock()
				if err := getLocks(mdl.db); err != nil {
					// Not fatal: try to re-establish the connection and
					// re-acquire on this tick, otherwise on the next one.
					logger.Warn("could not refresh metadata locks", "error", err)
					if closeErr := mdl.db.Close(); closeErr != nil {
						logger.Warn("could not close database connection", "error", closeErr)
					}
					db, err := New(dsn, &dbConfig)
					if err != nil {
						logger.Warn("could not re-establish database connection", "error", err)
						mdl.Unlock()
						continue
					}
					mdl.db = db
					if err = getLocks(mdl.db); err != nil {
						logger.Warn("could not acquire metadata locks after re-establishing connection", "error", err)
					}
				}
				mdl.Unlock()
			}
		}
	}()
	return mdl, nil
}

func (m *MetadataLock) Close() error {
	m.cancel()
	return <-m.closeCh
}

func (m *MetadataLock) LockNames() []string {
	return m.lockNames
}

// ComputeLockName bounds a name to the 64 character GET_LOCK limit while
// keeping it unique with a hash suffix.
func ComputeLockName(name string) string {
	prefix := name
	if len(prefix) > 48 {
		prefix = prefix[:48]
	}
	hash := sha1.New()
	hash.Write([]byte(name))
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(hash.Sum(nil))[:8])
}
