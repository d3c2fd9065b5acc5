// Package storage holds in-process Storage backends and decorators.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/goliatone/go-auth-cache/core"
)

type MemoryOption func(*Memory)

// WithQuota limits the total bytes of keys and values the store accepts.
// Zero means unlimited.
func WithQuota(bytes int) MemoryOption {
	return func(m *Memory) {
		if bytes > 0 {
			m.quota = bytes
		}
	}
}

// Memory is a goroutine-safe map-backed Storage.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string
	used  int
	quota int
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{items: map[string]string{}}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Memory) GetItem(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.items[key]
	return value, ok, nil
}

func (m *Memory) SetItem(ctx context.Context, key string, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	used := m.used + len(key) + len(value)
	if previous, ok := m.items[key]; ok {
		used -= len(key) + len(previous)
	}
	if m.quota > 0 && used > m.quota {
		return fmt.Errorf("storage: write of %q needs %d of %d bytes: %w", key, used, m.quota, core.ErrQuotaExceeded)
	}
	m.items[key] = value
	m.used = used
	return nil
}

func (m *Memory) RemoveItem(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if previous, ok := m.items[key]; ok {
		m.used -= len(key) + len(previous)
		delete(m.items, key)
	}
	return nil
}

func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	keys := make([]string, 0, len(m.items))
	for key := range m.items {
		keys = append(keys, key)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Usage reports the bytes currently held.
func (m *Memory) Usage() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

var _ core.Storage = (*Memory)(nil)
