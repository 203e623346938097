// Package check provides the environment checks run before a job-shard is
// scheduled: connectivity, privileges and variables of the source, and the
// state of the target tables.
package check

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ScopeFlag scopes a check
type ScopeFlag uint8

const (
	ScopeNone ScopeFlag = iota
	ScopeConnection
	ScopePrivilege
	ScopeVariable
	ScopeTargetTable
)

// TargetTable is an actual table on the target, with the source table it
// is filled from when known.
type TargetTable struct {
	Name        string
	SourceDB    *sql.DB
	SourceTable string
}

// Resources contains the resources needed for checks
type Resources struct {
	DB         *sql.DB
	SchemaName string
	// TargetTables is only used by ScopeTargetTable checks.
	TargetTables []TargetTable
}

type check struct {
	name     string
	callback func(context.Context, Resources, *slog.Logger) error
	scope    ScopeFlag
}

var (
	checks map[string]check
	lock   sync.Mutex
)

// registerCheck registers a check (callback func) and a scope (aka time) that it is expected to be run
func registerCheck(name string, callback func(context.Context, Resources, *slog.Logger) error, scope ScopeFlag) {
	lock.Lock()
	defer lock.Unlock()
	if checks == nil {
		checks = make(map[string]check)
	}
	checks[name] = check{name: name, callback: callback, scope: scope}
}

// RunChecks runs all checks that are registered for the given scope, in
// name order, and returns the first failure.
func RunChecks(ctx context.Context, r Resources, logger *slog.Logger, scope ScopeFlag) error {
	if logger == nil {
		logger = slog.Default()
	}
	if r.DB == nil {
		return errors.New("checks need a database connection")
	}
	lock.Lock()
	var scoped []check
	for _, c := range checks {
		if c.scope == scope {
			scoped = append(scoped, c)
		}
	}
	lock.Unlock()
	sort.Slice(scoped, func(i, j int) bool { return scoped[i].name < scoped[j].name })
	for _, c := range scoped {
		if err := c.callback(ctx, r, logger); err != nil {
			return err
		}
	}
	return nil
}
