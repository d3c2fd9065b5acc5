package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-auth-cache/cache"
	"github.com/goliatone/go-auth-cache/core"
	sqlstore "github.com/goliatone/go-auth-cache/storage/sql"
)

func newSQLiteConnection(t *testing.T, opts ...sqlstore.Option) *sqlstore.Connection {
	t.Helper()
	dsn := fmt.Sprintf(
		"file:authcache-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	conn, err := sqlstore.OpenSQLite(context.Background(), dsn, opts...)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	conn := newSQLiteConnection(t)

	var tableName string
	if err := conn.Client.DB().NewRaw(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
		"authcache_items",
	).Scan(context.Background(), &tableName); err != nil {
		t.Fatalf("query sqlite master: %v", err)
	}
	if tableName != "authcache_items" {
		t.Fatalf("expected authcache_items table, got %q", tableName)
	}
}

func TestStoreGetSetRemove(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteConnection(t).Store

	if _, found, err := store.GetItem(ctx, "missing"); found || err != nil {
		t.Fatalf("expected a clean miss, got found=%v err=%v", found, err)
	}
	if err := store.SetItem(ctx, "k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetItem(ctx, "k", "v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, found, err := store.GetItem(ctx, "k")
	if err != nil || !found || value != "v2" {
		t.Fatalf("expected overwritten value, got %q %v %v", value, found, err)
	}
	if count, err := store.Count(ctx); err != nil || count != 1 {
		t.Fatalf("overwrites must not add rows, got %d (%v)", count, err)
	}
	if err := store.RemoveItem(ctx, "k"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.RemoveItem(ctx, "k"); err != nil {
		t.Fatalf("removing a missing key must succeed: %v", err)
	}
	if _, found, _ := store.GetItem(ctx, "k"); found {
		t.Fatalf("expected key to be removed")
	}
}

func TestStoreNamespacesArePartitioned(t *testing.T) {
	ctx := context.Background()
	conn := newSQLiteConnection(t)
	other, err := sqlstore.New(conn.Client, sqlstore.WithNamespace("tenant-b"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	for _, key := range []string{"c", "a", "b"} {
		if err := conn.Store.SetItem(ctx, key, "default-"+key); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	if err := other.SetItem(ctx, "a", "tenant-b-a"); err != nil {
		t.Fatalf("set other: %v", err)
	}

	keys, err := conn.Store.Keys(ctx)
	if err != nil || strings.Join(keys, ",") != "a,b,c" {
		t.Fatalf("unexpected default keys %v (%v)", keys, err)
	}
	keys, err = other.Keys(ctx)
	if err != nil || strings.Join(keys, ",") != "a" {
		t.Fatalf("unexpected tenant-b keys %v (%v)", keys, err)
	}
	value, _, _ := other.GetItem(ctx, "a")
	if value != "tenant-b-a" {
		t.Fatalf("namespaces must not share values, got %q", value)
	}

	if err := other.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if count, _ := conn.Store.Count(ctx); count != 3 {
		t.Fatalf("purge must only touch its namespace, default has %d", count)
	}
}

func TestStoreMaxEntriesReportsQuota(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteConnection(t, sqlstore.WithMaxEntries(2)).Store

	if err := store.SetItem(ctx, "a", "1"); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := store.SetItem(ctx, "b", "2"); err != nil {
		t.Fatalf("set b: %v", err)
	}
	if err := store.SetItem(ctx, "c", "3"); !errors.Is(err, core.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if err := store.SetItem(ctx, "a", "updated"); err != nil {
		t.Fatalf("overwrites must pass the quota: %v", err)
	}
}

func TestStoreBacksCacheManager(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteConnection(t).Store
	manager, err := cache.NewManager(store, "client-1")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if err := manager.WriteRaw(ctx, "msal.client-1.active-account.filters", `{"homeAccountId":"uid.utid"}`); err != nil {
		t.Fatalf("write: %v", err)
	}
	value, found, err := manager.ReadRaw(ctx, "msal.client-1.active-account.filters")
	if err != nil || !found || !strings.Contains(value, "uid.utid") {
		t.Fatalf("unexpected read %q %v %v", value, found, err)
	}
}

func TestStoreConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteConnection(t).Store

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.SetItem(ctx, fmt.Sprintf("key-%02d", i%5), fmt.Sprintf("value-%d", i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent set: %v", err)
		}
	}
	if count, err := store.Count(ctx); err != nil || count != 5 {
		t.Fatalf("expected 5 distinct keys, got %d (%v)", count, err)
	}
}

func TestNewRejectsUnsupportedClients(t *testing.T) {
	if _, err := sqlstore.New(nil); err == nil {
		t.Fatalf("expected nil client to fail")
	}
	if _, err := sqlstore.New("not-a-db"); err == nil {
		t.Fatalf("expected unsupported client to fail")
	}
	if _, err := sqlstore.OpenSQLite(context.Background(), " "); err == nil {
		t.Fatalf("expected an empty dsn to fail")
	}
}
