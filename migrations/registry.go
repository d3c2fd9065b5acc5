// Package migrations ships the SQL schema of the SQL cache backend for
// postgres and sqlite.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"strings"
)

// migrationsFS holds the postgres migrations with sqlite alternatives under
// data/sql/migrations/sqlite.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

const rootDir = "data/sql/migrations"

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Dialects lists every dialect with an embedded migration set.
func Dialects() []Dialect {
	return []Dialect{DialectPostgres, DialectSQLite}
}

// FS returns the embedded migration tree.
func FS() fs.FS {
	return migrationsFS
}

// ParseDialect maps driver and dialect names to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pg", "pgx":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("migrations: unsupported dialect %q", name)
	}
}

// ForDialect returns the migration directory of d, rooted so bun sees the
// numbered files at the top level.
func ForDialect(d Dialect) (fs.FS, error) {
	dir := rootDir
	switch d {
	case DialectPostgres:
	case DialectSQLite:
		dir += "/sqlite"
	default:
		return nil, fmt.Errorf("migrations: unsupported dialect %q", d)
	}
	sub, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", d, err)
	}
	ups, err := fs.Glob(sub, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: glob %s: %w", d, err)
	}
	if len(ups) == 0 {
		return nil, fmt.Errorf("migrations: %s has no *.up.sql files", dir)
	}
	return sub, nil
}

// Versions returns the sorted version prefixes of d's up migrations.
func Versions(d Dialect) ([]string, error) {
	fsys, err := ForDialect(d)
	if err != nil {
		return nil, err
	}
	ups, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(ups))
	for _, name := range ups {
		version, _, _ := strings.Cut(name, "_")
		versions = append(versions, version)
	}
	slices.Sort(versions)
	return slices.Compact(versions), nil
}

// RegisterFunc hands one dialect's migrations to a migrator.
type RegisterFunc func(ctx context.Context, dialect Dialect, fsys fs.FS) error

// Register calls fn for each requested dialect, or for every dialect when
// none is given.
func Register(ctx context.Context, fn RegisterFunc, dialects ...Dialect) error {
	if fn == nil {
		return fmt.Errorf("migrations: register function is required")
	}
	if len(dialects) == 0 {
		dialects = Dialects()
	}
	seen := map[Dialect]struct{}{}
	for _, dialect := range dialects {
		if _, dup := seen[dialect]; dup {
			continue
		}
		seen[dialect] = struct{}{}
		fsys, err := ForDialect(dialect)
		if err != nil {
			return err
		}
		if err := fn(ctx, dialect, fsys); err != nil {
			return fmt.Errorf("migrations: register %s: %w", dialect, err)
		}
	}
	return nil
}
