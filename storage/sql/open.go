package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	"github.com/goliatone/go-auth-cache/migrations"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// ConnectionConfig satisfies the go-persistence-bun client config.
type ConnectionConfig struct {
	Driver      string
	DSN         string
	Debug       bool
	PingTimeout time.Duration
	Identifier  string
}

func (c ConnectionConfig) GetDebug() bool {
	return c.Debug
}

func (c ConnectionConfig) GetDriver() string {
	return c.Driver
}

func (c ConnectionConfig) GetServer() string {
	return c.DSN
}

func (c ConnectionConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

func (c ConnectionConfig) GetOtelIdentifier() string {
	if strings.TrimSpace(c.Identifier) == "" {
		return "go-auth-cache"
	}
	return c.Identifier
}

// Connection is an opened, migrated database with a Store on top.
type Connection struct {
	Client *persistence.Client
	Store  *Store
}

func (c *Connection) Close() error {
	if c == nil || c.Client == nil {
		return nil
	}
	return c.Client.Close()
}

// OpenSQLite opens dsn with the sqlite3 driver, applies the cache schema and
// returns a Store. Shared in-memory databases need a single connection, so
// the pool is capped at one.
func OpenSQLite(ctx context.Context, dsn string, opts ...Option) (*Connection, error) {
	return open(ctx, ConnectionConfig{Driver: DriverSQLite, DSN: dsn}, sqlitedialect.New(), migrations.DialectSQLite, 1, opts...)
}

// OpenPostgres opens dsn with lib/pq, applies the cache schema and returns
// a Store.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Connection, error) {
	return open(ctx, ConnectionConfig{Driver: DriverPostgres, DSN: dsn}, pgdialect.New(), migrations.DialectPostgres, 0, opts...)
}

func open(ctx context.Context, cfg ConnectionConfig, dialect schema.Dialect, migrationDialect migrations.Dialect, maxOpen int, opts ...Option) (*Connection, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}
	sqlDB, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", cfg.Driver, err)
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}

	client, err := persistence.New(cfg, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: new persistence client: %w", err)
	}
	if err := Migrate(ctx, client, migrationDialect); err != nil {
		_ = client.Close()
		return nil, err
	}

	store, err := New(client, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Connection{Client: client, Store: store}, nil
}

// Migrate registers the embedded migrations of dialect with client and
// applies them.
func Migrate(ctx context.Context, client *persistence.Client, dialect migrations.Dialect) error {
	if client == nil {
		return fmt.Errorf("sqlstore: persistence client is required")
	}
	err := migrations.Register(ctx, func(_ context.Context, _ migrations.Dialect, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, dialect)
	if err != nil {
		return fmt.Errorf("sqlstore: register migrations: %w", err)
	}
	if err := client.Migrate(ctx); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}
