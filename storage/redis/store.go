// Package redisstore keeps cache entries in Redis under a key prefix and
// fans change notifications out over Redis pub/sub.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-auth-cache/core"
)

const (
	DefaultPrefix = "authcache:"
	scanBatchSize = 500
)

type Option func(*Store)

// WithPrefix scopes every key the store touches.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			s.prefix = trimmed
		}
	}
}

type Store struct {
	client redis.UniversalClient
	prefix string
}

func New(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "redisstore: client is required")
	}
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

func (s *Store) Prefix() string {
	return s.prefix
}

func (s *Store) GetItem(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) SetItem(ctx context.Context, key string, value string) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		if isOutOfMemory(err) {
			return fmt.Errorf("redisstore: write of %q rejected: %v: %w", key, err, core.ErrQuotaExceeded)
		}
		return err
	}
	return nil
}

func (s *Store) RemoveItem(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// Keys walks the prefix with SCAN so large keyspaces are never blocked.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys := []string{}
	seen := map[string]struct{}{}
	iter := s.client.Scan(ctx, 0, escapePattern(s.prefix)+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), s.prefix)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func isOutOfMemory(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "OOM")
}

// escapePattern quotes glob metacharacters so the prefix matches literally.
func escapePattern(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var _ core.Storage = (*Store)(nil)
