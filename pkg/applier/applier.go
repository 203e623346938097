// Package applier writes row changes to the target data nodes selected by a
// sharding rule.
package applier

import (
	"context"
	"errors"
	"log/slog"

	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/dbconn"
)

// Applier writes a batch of row changes to one or more target databases.
type Applier interface {
	// Apply writes the changes in order and returns the affected row count.
	// Changes that land on the same data source are applied in one
	// transaction.
	Apply(ctx context.Context, changes []RowChange) (int64, error)

	// Route returns the target data node of a change.
	Route(c RowChange) (config.DataNode, error)
}

// RowChange is one row image to write. A deleted change removes the row
// identified by KeyColumns, anything else is an upsert of the full image.
type RowChange struct {
	LogicTable string
	Deleted    bool
	Columns    []string
	Values     []any
	KeyColumns []string
}

// Value returns the value of the named column.
func (c RowChange) Value(name string) (any, bool) {
	for i, col := range c.Columns {
		if col == name && i < len(c.Values) {
			return c.Values[i], true
		}
	}
	return nil, false
}

type ApplierConfig struct {
	Rule *config.ShardingRuleConfiguration
	// ShardingColumns overrides the sharding column per logic table when the
	// rule does not name one.
	ShardingColumns map[string][]string
	DataSources     config.DataSources
	Manager         *dbconn.DataSourceManager
	Logger          *slog.Logger
	DBConfig        *dbconn.DBConfig
}

// NewApplierDefaultConfig returns a default config for the applier.
func NewApplierDefaultConfig() *ApplierConfig {
	return &ApplierConfig{
		ShardingColumns: map[string][]string{},
		Logger:          slog.Default(),
		DBConfig:        dbconn.NewDBConfig(),
	}
}

// Validate checks the ApplierConfig for required fields.
func (cfg *ApplierConfig) Validate() error {
	if cfg.DBConfig == nil {
		return errors.New("dbConfig must be non-nil")
	}
	if cfg.Logger == nil {
		return errors.New("logger must be non-nil")
	}
	if cfg.Rule == nil {
		return errors.New("sharding rule must be non-nil")
	}
	if cfg.Manager == nil {
		return errors.New("data source manager must be non-nil")
	}
	return nil
}
