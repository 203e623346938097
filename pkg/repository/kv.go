// Package repository is the governance repository: a key value store
// holding job configurations and job-shard progress, so a job survives the
// restart of the process running it.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/block/reshard/pkg/config"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("repository is closed")
)

// KV is the storage behind the governance repository.
type KV interface {
	Persist(ctx context.Context, key, value string) error
	// Get returns ErrNotFound for a missing key.
	Get(ctx context.Context, key string) (string, error)
	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes every key starting with prefix.
	Delete(ctx context.Context, prefix string) error
	Close() error
}

// Open creates the store a server config asks for.
func Open(ctx context.Context, cfg config.RepositoryConfig) (KV, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(ctx, cfg.Path, cfg.Table)
	case "mysql":
		return NewMySQL(ctx, cfg.DSN, cfg.Table)
	default:
		return nil, fmt.Errorf("unsupported repository type: %s", cfg.Type)
	}
}

// Memory keeps everything in process. It is for tests and single process
// runs that do not need to resume.
type Memory struct {
	sync.RWMutex
	data   map[string]string
	closed bool
}

var _ KV = &Memory{}

func NewMemory() *Memory {
	return &Memory{data: map[string]string{}}
}

func (m *Memory) Persist(_ context.Context, key, value string) error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = value
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.RLock()
	defer m.RUnlock()
	if m.closed {
		return "", ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.RLock()
	defer m.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Delete(_ context.Context, prefix string) error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrClosed
	}
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}
