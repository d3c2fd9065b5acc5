// Package sqlstore persists cache entries in a SQL table through bun. One
// table serves many caches; each Store sees only its namespace.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-auth-cache/core"
)

const (
	DefaultNamespace = "default"
	keysPageSize     = 500
)

type Option func(*Store)

// WithNamespace partitions the table so several caches can share it.
func WithNamespace(namespace string) Option {
	return func(s *Store) {
		if trimmed := strings.TrimSpace(namespace); trimmed != "" {
			s.namespace = trimmed
		}
	}
}

// WithMaxEntries rejects inserts of new keys once the namespace holds max
// entries. Overwrites are always accepted.
func WithMaxEntries(max int) Option {
	return func(s *Store) {
		if max > 0 {
			s.maxEntries = max
		}
	}
}

func WithClock(clock core.Clock) Option {
	return func(s *Store) {
		s.clock = core.ResolveClock(clock)
	}
}

type Store struct {
	db         *bun.DB
	repo       repository.Repository[*itemRecord]
	namespace  string
	maxEntries int
	clock      core.Clock
}

// New builds a Store on a *bun.DB or any client exposing DB() *bun.DB, such
// as a go-persistence-bun client.
func New(client any, opts ...Option) (*Store, error) {
	db, err := resolveBunDB(client)
	if err != nil {
		return nil, err
	}
	repo := repository.NewRepository[*itemRecord](db, itemHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid cache item repository wiring: %w", err)
		}
	}
	s := &Store{
		db:        db,
		repo:      repo,
		namespace: DefaultNamespace,
		clock:     core.SystemClock,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Store) Namespace() string {
	return s.namespace
}

func (s *Store) GetItem(ctx context.Context, key string) (string, bool, error) {
	record, err := findItem(ctx, s.db, s.namespace, key)
	if err != nil {
		return "", false, err
	}
	if record == nil {
		return "", false, nil
	}
	return record.Value, true, nil
}

func (s *Store) SetItem(ctx context.Context, key string, value string) error {
	now := s.clock()
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findItem(ctx, tx, s.namespace, key)
		if err != nil {
			return err
		}
		if record != nil {
			_, err := tx.NewUpdate().
				Model(record).
				Set("value = ?", value).
				Set("updated_at = ?", now).
				WherePK().
				Exec(ctx)
			return err
		}

		if s.maxEntries > 0 {
			count, err := tx.NewSelect().
				Model((*itemRecord)(nil)).
				Where("?TableAlias.namespace = ?", s.namespace).
				Count(ctx)
			if err != nil {
				return err
			}
			if count >= s.maxEntries {
				return fmt.Errorf("sqlstore: namespace %q holds %d of %d entries: %w", s.namespace, count, s.maxEntries, core.ErrQuotaExceeded)
			}
		}
		_, err = tx.NewInsert().Model(&itemRecord{
			ID:        uuid.NewString(),
			Namespace: s.namespace,
			CacheKey:  key,
			Value:     value,
			CreatedAt: now,
			UpdatedAt: now,
		}).Exec(ctx)
		return err
	})
}

func (s *Store) RemoveItem(ctx context.Context, key string) error {
	_, err := s.db.NewDelete().
		Model((*itemRecord)(nil)).
		Where("namespace = ?", s.namespace).
		Where("cache_key = ?", key).
		Exec(ctx)
	return err
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys := []string{}
	for offset := 0; ; offset += keysPageSize {
		records, total, err := s.repo.List(ctx,
			repository.SelectBy("namespace", "=", s.namespace),
			repository.OrderBy("cache_key ASC"),
			repository.SelectPaginate(keysPageSize, offset),
		)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			keys = append(keys, record.CacheKey)
		}
		if len(records) == 0 || offset+len(records) >= total {
			return keys, nil
		}
	}
}

// Count returns the number of entries in the namespace.
func (s *Store) Count(ctx context.Context) (int, error) {
	_, total, err := s.repo.List(ctx,
		repository.SelectBy("namespace", "=", s.namespace),
		repository.SelectPaginate(1, 0),
	)
	return total, err
}

// Purge deletes every entry of the namespace.
func (s *Store) Purge(ctx context.Context) error {
	_, err := s.db.NewDelete().
		Model((*itemRecord)(nil)).
		Where("namespace = ?", s.namespace).
		Exec(ctx)
	return err
}

func findItem(ctx context.Context, db bun.IDB, namespace string, key string) (*itemRecord, error) {
	record := &itemRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.namespace = ?", namespace).
		Where("?TableAlias.cache_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

var _ core.Storage = (*Store)(nil)
