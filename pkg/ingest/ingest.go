package ingest

import (
	"context"
	"fmt"
	"strconv"
)

// Dumper reads the source and pushes records into its channel.
type Dumper interface {
	Run(ctx context.Context) error
	Stop()
}

// Importer fetches records from its channel and writes them to the target.
type Importer interface {
	Run(ctx context.Context) error
	Stop()
}

// valueText renders a column value the way the driver would send it.
func valueText(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(v)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func valueInt64(v any) (int64, error) {
	switch v := v.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case []byte, string:
		return strconv.ParseInt(valueText(v), 10, 64)
	}
	return 0, fmt.Errorf("key value %v (%T) is not an integer", v, v)
}
