package ingest

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/block/reshard/pkg/config"
)

var ErrUnsupportedDatabaseType = errors.New("unsupported database type")

// Factory creates the dumpers and importers of one database type.
type Factory struct {
	NewInventoryDumper   func(cfg InventoryDumperConfig, db *sql.DB, ch Channel) Dumper
	NewIncrementalDumper func(cfg IncrementalDumperConfig, db *sql.DB, ch Channel) Dumper
	NewImporter          func(cfg ImporterConfig, ch Channel) Importer
}

var (
	factoriesLock sync.RWMutex
	factories     = map[string]Factory{}
)

// RegisterFactory makes a database type available to pipeline tasks.
func RegisterFactory(databaseType string, f Factory) {
	factoriesLock.Lock()
	defer factoriesLock.Unlock()
	factories[databaseType] = f
}

// FactoryFor returns the factory registered for a database type.
func FactoryFor(databaseType string) (Factory, error) {
	factoriesLock.RLock()
	defer factoriesLock.RUnlock()
	f, ok := factories[databaseType]
	if !ok {
		return Factory{}, fmt.Errorf("%w: %q", ErrUnsupportedDatabaseType, databaseType)
	}
	return f, nil
}

func init() {
	RegisterFactory(config.DatabaseTypeMySQL, Factory{
		NewInventoryDumper: func(cfg InventoryDumperConfig, db *sql.DB, ch Channel) Dumper {
			return NewMySQLInventoryDumper(cfg, db, ch)
		},
		NewIncrementalDumper: func(cfg IncrementalDumperConfig, db *sql.DB, ch Channel) Dumper {
			return NewMySQLIncrementalDumper(cfg, db, ch)
		},
		NewImporter: func(cfg ImporterConfig, ch Channel) Importer {
			return NewMySQLImporter(cfg, ch)
		},
	})
}
