package check

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/block/reshard/pkg/table"
	"github.com/block/reshard/pkg/utils"
)

func init() {
	registerCheck("target_table", targetTableCheck, ScopeTargetTable)
}

// targetTableCheck validates that every target table exists, has a primary
// key and, when the source table is known, has the same columns as the
// source. Target tables are shared by every sharding item of a job so rows
// written by another item are expected and only logged.
func targetTableCheck(ctx context.Context, r Resources, logger *slog.Logger) error {
	for _, target := range r.TargetTables {
		if err := validateTargetTable(ctx, r.DB, target, logger); err != nil {
			return err
		}
	}
	return nil
}

func validateTargetTable(ctx context.Context, db *sql.DB, target TargetTable, logger *slog.Logger) error {
	targetTable := table.NewTableInfo(target.Name)
	if err := targetTable.SetInfo(ctx, db); err != nil {
		return fmt.Errorf("target table '%s' is not usable: %w", target.Name, err)
	}
	if len(targetTable.KeyColumns) == 0 {
		return fmt.Errorf("target table '%s' has no primary key", target.Name)
	}
	if target.SourceDB != nil {
		source := table.NewTableInfo(target.SourceTable)
		if err := source.SetInfo(ctx, target.SourceDB); err != nil {
			return fmt.Errorf("source table '%s' is not usable: %w", target.SourceTable, err)
		}
		if !slices.Equal(source.NonGeneratedColumns, targetTable.NonGeneratedColumns) {
			return fmt.Errorf("target table '%s' does not match source table '%s': column mismatch detected", target.Name, source.TableName)
		}
	}
	// Use LIMIT 1 instead of COUNT(*) for performance - we only need to know if there's at least one row
	var hasRows int
	err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", utils.QuoteIdentifier(target.Name))).Scan(&hasRows)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check if target table '%s' is empty: %w", target.Name, err)
	}
	if err == nil {
		logger.Warn("target table already has rows", "table", target.Name)
	}
	return nil
}
