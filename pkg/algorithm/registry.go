// Package algorithm holds the pluggable strategies of a migration job,
// selected by the type tag of an algorithm configuration: rate limiters,
// completion detectors, row and rule locks, and consistency checkers.
package algorithm

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/dbconn"
	"github.com/block/reshard/pkg/throttler"
)

// Kind is a family of algorithms.
type Kind string

const (
	KindRateLimiter        Kind = "rate_limiter"
	KindCompletionDetector Kind = "completion_detector"
	KindRowLock            Kind = "row_lock"
	KindRuleLock           Kind = "rule_lock"
	KindConsistencyChecker Kind = "consistency_checker"
)

var (
	ErrUnknownAlgorithm = errors.New("unknown algorithm")
	ErrInvalidProps     = errors.New("invalid algorithm properties")
)

// Environment is what an algorithm may need to construct itself.
type Environment struct {
	Manager  *dbconn.DataSourceManager
	DBConfig *dbconn.DBConfig
	Logger   *slog.Logger
}

func (e *Environment) logger() *slog.Logger {
	if e == nil || e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Environment) dbConfig() *dbconn.DBConfig {
	if e == nil || e.DBConfig == nil {
		return dbconn.NewDBConfig()
	}
	return e.DBConfig
}

// Factory builds an algorithm from its properties.
type Factory func(props map[string]string, env *Environment) (any, error)

// Registry maps (kind, type) to a factory. Type tags are case insensitive.
type Registry struct {
	sync.RWMutex
	factories map[Kind]map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[Kind]map[string]Factory{}}
}

// NewDefaultRegistry returns a registry with every built in algorithm.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindRateLimiter, RateLimiterNoop, newNoopRateLimiter)
	r.Register(KindRateLimiter, RateLimiterQPS, newQPSRateLimiter)
	r.Register(KindRateLimiter, RateLimiterRepl, newReplRateLimiter)
	r.Register(KindCompletionDetector, config.CompletionIdle, func(props map[string]string, _ *Environment) (any, error) {
		return NewIdleDetector(props)
	})
	r.Register(KindRowLock, config.LockDefault, newTableRowLock)
	r.Register(KindRowLock, LockNone, func(map[string]string, *Environment) (any, error) { return noopRowLock{}, nil })
	r.Register(KindRuleLock, config.LockDefault, func(map[string]string, *Environment) (any, error) {
		return NewLocalRuleLock(), nil
	})
	r.Register(KindRuleLock, RuleLockMySQL, newMySQLRuleLock)
	r.Register(KindConsistencyChecker, config.ConsistencyCRC32, newCRC32Checker)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(kind Kind, typ string, f Factory) {
	r.Lock()
	defer r.Unlock()
	if r.factories[kind] == nil {
		r.factories[kind] = map[string]Factory{}
	}
	r.factories[kind][strings.ToUpper(typ)] = f
}

// Types lists the registered types of a kind.
func (r *Registry) Types(kind Kind) []string {
	r.RLock()
	defer r.RUnlock()
	types := make([]string, 0, len(r.factories[kind]))
	for typ := range r.factories[kind] {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) create(kind Kind, cfg *config.AlgorithmConfiguration, env *Environment) (any, error) {
	r.RLock()
	f, ok := r.factories[kind][strings.ToUpper(cfg.Type)]
	r.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", ErrUnknownAlgorithm, kind, cfg.Type)
	}
	props := cfg.Props
	if props == nil {
		props = map[string]string{}
	}
	a, err := f(props, env)
	if err != nil {
		return nil, fmt.Errorf("could not create %s %q: %w", kind, cfg.Type, err)
	}
	return a, nil
}

func createAs[T any](r *Registry, kind Kind, cfg *config.AlgorithmConfiguration, env *Environment) (T, error) {
	var zero T
	a, err := r.create(kind, cfg, env)
	if err != nil {
		return zero, err
	}
	typed, ok := a.(T)
	if !ok {
		return zero, fmt.Errorf("%s %q built a %T", kind, cfg.Type, a)
	}
	return typed, nil
}

// NewRateLimiter builds a rate limiter. No configuration means no limit.
func (r *Registry) NewRateLimiter(cfg *config.AlgorithmConfiguration, env *Environment) (throttler.Throttler, error) {
	if cfg == nil {
		return &throttler.Noop{}, nil
	}
	return createAs[throttler.Throttler](r, KindRateLimiter, cfg, env)
}

func (r *Registry) NewCompletionDetector(cfg *config.AlgorithmConfiguration, env *Environment) (CompletionDetector, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: no completion detector configured", ErrUnknownAlgorithm)
	}
	return createAs[CompletionDetector](r, KindCompletionDetector, cfg, env)
}

func (r *Registry) NewRowLock(cfg *config.AlgorithmConfiguration, env *Environment) (RowLock, error) {
	if cfg == nil {
		return noopRowLock{}, nil
	}
	return createAs[RowLock](r, KindRowLock, cfg, env)
}

func (r *Registry) NewRuleLock(cfg *config.AlgorithmConfiguration, env *Environment) (RuleLock, error) {
	if cfg == nil {
		return NewLocalRuleLock(), nil
	}
	return createAs[RuleLock](r, KindRuleLock, cfg, env)
}

func (r *Registry) NewConsistencyChecker(cfg *config.AlgorithmConfiguration, env *Environment) (ConsistencyChecker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: no consistency checker configured", ErrUnknownAlgorithm)
	}
	return createAs[ConsistencyChecker](r, KindConsistencyChecker, cfg, env)
}
