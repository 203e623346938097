package check

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

func init() {
	registerCheck("version", versionCheck, ScopeConnection)
}

// minVersion is the first release with row aliases in
// INSERT ... ON DUPLICATE KEY UPDATE, which the importer writes with.
var minVersion = [3]int{8, 0, 19}

func versionCheck(ctx context.Context, r Resources, _ *slog.Logger) error {
	// Ping first so an unreachable host reports the connection error.
	if err := r.DB.PingContext(ctx); err != nil {
		return err
	}
	var version string
	if err := r.DB.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return err
	}
	if !supportedVersion(version) {
		return fmt.Errorf("MySQL %d.%d.%d or later is required, found %s", minVersion[0], minVersion[1], minVersion[2], version)
	}
	return nil
}

// supportedVersion parses the numeric prefix of a VERSION() string such as
// 8.0.36-log.
func supportedVersion(version string) bool {
	numeric, _, _ := strings.Cut(version, "-")
	parts := strings.SplitN(numeric, ".", 3)
	for i, want := range minVersion {
		if i >= len(parts) {
			return false
		}
		got, err := strconv.Atoi(parts[i])
		if err != nil {
			return false
		}
		if got != want {
			return got > want
		}
	}
	return true
}
