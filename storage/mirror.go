package storage

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-auth-cache/core"
)

const mirrorCacheKeyPrefix = "authcache::storage::v1::"

// MirrorCacheKey returns the read-cache key for a storage key.
func MirrorCacheKey(key string) string {
	return mirrorCacheKeyPrefix + url.PathEscape(key)
}

type mirrorEntry struct {
	Value string
	Found bool
}

// Mirror serves reads of a slower backend from an in-memory cache. Its own
// writes drop the cached entry; writes made elsewhere are picked up through
// a ChangeSubscriber.
type Mirror struct {
	base  core.Storage
	cache repositorycache.CacheService

	mu     sync.Mutex
	cancel func()
}

type MirrorOption func(*Mirror)

// WithChangeSubscriber drops mirrored entries whenever a change is published
// for their key.
func WithChangeSubscriber(subscriber core.ChangeSubscriber) MirrorOption {
	return func(m *Mirror) {
		if subscriber == nil {
			return
		}
		m.cancel = subscriber.Subscribe(func(ctx context.Context, change core.Change) {
			_ = m.invalidate(ctx, change.Key)
		})
	}
}

func NewMirror(base core.Storage, cacheService repositorycache.CacheService, opts ...MirrorOption) (*Mirror, error) {
	if base == nil {
		return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "storage: mirror base storage is required")
	}
	if cacheService == nil {
		return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "storage: mirror cache service is required")
	}
	m := &Mirror{base: base, cache: cacheService}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// NewMirrorCacheService builds the default read cache used by NewMirror.
func NewMirrorCacheService() (repositorycache.CacheService, error) {
	config := repositorycache.DefaultConfig()
	return repositorycache.NewCacheService(config)
}

func (m *Mirror) GetItem(ctx context.Context, key string) (string, bool, error) {
	entry, err := repositorycache.GetOrFetch(ctx, m.cache, MirrorCacheKey(key), func(ctx context.Context) (mirrorEntry, error) {
		value, found, err := m.base.GetItem(ctx, key)
		if err != nil {
			return mirrorEntry{}, err
		}
		return mirrorEntry{Value: value, Found: found}, nil
	})
	if err != nil {
		return "", false, err
	}
	return entry.Value, entry.Found, nil
}

func (m *Mirror) SetItem(ctx context.Context, key string, value string) error {
	if err := m.base.SetItem(ctx, key, value); err != nil {
		return err
	}
	return m.invalidate(ctx, key)
}

func (m *Mirror) RemoveItem(ctx context.Context, key string) error {
	if err := m.base.RemoveItem(ctx, key); err != nil {
		return err
	}
	return m.invalidate(ctx, key)
}

func (m *Mirror) Keys(ctx context.Context) ([]string, error) {
	return m.base.Keys(ctx)
}

// DecryptData forwards to the base backend when it stores sealed values.
func (m *Mirror) DecryptData(ctx context.Context, key string, raw string) (string, bool, error) {
	if decrypter, ok := m.base.(core.Decrypter); ok {
		return decrypter.DecryptData(ctx, key, raw)
	}
	return raw, true, nil
}

// Close stops listening for changes.
func (m *Mirror) Close() error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (m *Mirror) invalidate(ctx context.Context, key string) error {
	if err := m.cache.Delete(ctx, MirrorCacheKey(key)); err != nil {
		return fmt.Errorf("storage: invalidate mirrored key %q: %w", key, err)
	}
	return nil
}

var (
	_ core.Storage   = (*Mirror)(nil)
	_ core.Decrypter = (*Mirror)(nil)
)
