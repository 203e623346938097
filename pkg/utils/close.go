package utils

import (
	"log/slog"
)

// Closer is satisfied by *sql.DB, *sql.Rows, locks and the repositories.
type Closer interface {
	Close() error
}

// CloseAndLog closes a resource and logs any error. This is useful for defer statements
// where the error cannot be meaningfully handled except by logging.
// Example: defer utils.CloseAndLog(db)
func CloseAndLog(closer Closer) {
	CloseAndLogWith(slog.Default(), closer)
}

// CloseAndLogWith is CloseAndLog with an explicit logger, so job scoped
// attributes (job-id, sharding-item) end up on the error record.
func CloseAndLogWith(logger *slog.Logger, closer Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Error("deferred close failed", "error", err)
	}
}

// CloseAll closes every closer in reverse order and returns the first error.
func CloseAll(closers ...Closer) error {
	var firstErr error
	for i := len(closers) - 1; i >= 0; i-- {
		if closers[i] == nil {
			continue
		}
		if err := closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
