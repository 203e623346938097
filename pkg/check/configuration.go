package check

import (
	"context"
	"errors"
	"log/slog"
)

func init() {
	registerCheck("configuration", configurationCheck, ScopeVariable)
}

// configurationCheck verifies the MySQL configuration on the source database
// is suitable for incremental replication:
// - ROW binlog format for reading changes
// - Binary logging enabled
// - log_replica_updates enabled
// - FULL binlog_row_image, so the incremental dumper sees every column
func configurationCheck(ctx context.Context, r Resources, _ *slog.Logger) error {
	var binlogFormat, binlogRowImage, logBin, logReplicaUpdates, binlogRowValueOptions string
	err := r.DB.QueryRowContext(ctx,
		`SELECT @@global.binlog_format,
		@@global.binlog_row_image,
		@@global.log_bin,
		@@global.log_replica_updates,
		@@global.binlog_row_value_options`).Scan(
		&binlogFormat,
		&binlogRowImage,
		&logBin,
		&logReplicaUpdates,
		&binlogRowValueOptions,
	)
	if err != nil {
		return err
	}
	if binlogFormat != "ROW" {
		return errors.New("binlog_format must be ROW")
	}
	if binlogRowImage != "FULL" {
		return errors.New("binlog_row_image must be FULL (incremental tasks read all columns from the binlog)")
	}
	if binlogRowValueOptions != "" {
		return errors.New("binlog_row_value_options must be empty (incremental tasks read all columns from the binlog)")
	}
	if logBin != "1" {
		return errors.New("log_bin must be enabled")
	}
	if logReplicaUpdates != "1" {
		// This is a hard requirement unless we enhance this to confirm
		// it's not receiving any updates via the replication stream.
		return errors.New("log_replica_updates must be enabled")
	}
	return nil
}
