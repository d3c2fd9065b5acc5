package redisstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-auth-cache/core"
)

func newTestStore(t *testing.T) (*Store, *Notifier) {
	t.Helper()
	url := strings.TrimSpace(os.Getenv("AUTHCACHE_REDIS_URL"))
	if url == "" {
		t.Skip("AUTHCACHE_REDIS_URL not set")
	}
	client, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	prefix := fmt.Sprintf("authcache-test:%d:", time.Now().UnixNano())
	store, err := New(client, WithPrefix(prefix))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	notifier, err := NewNotifier(client, WithChannel(prefix+"changes"))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	t.Cleanup(func() {
		_ = notifier.Close()
		keys, _ := store.Keys(context.Background())
		for _, key := range keys {
			_ = store.RemoveItem(context.Background(), key)
		}
		_ = client.Close()
	})
	return store, notifier
}

func TestEscapePatternQuotesGlobCharacters(t *testing.T) {
	if got := escapePattern(`app[1]*?:\`); got != `app\[1\]\*\?:\\` {
		t.Fatalf("unexpected escaped pattern %q", got)
	}
	if got := escapePattern("authcache:"); got != "authcache:" {
		t.Fatalf("plain prefixes must be unchanged, got %q", got)
	}
}

func TestOutOfMemoryDetection(t *testing.T) {
	if !isOutOfMemory(errors.New("OOM command not allowed when used memory > 'maxmemory'.")) {
		t.Fatalf("expected OOM replies to be detected")
	}
	if isOutOfMemory(errors.New("READONLY You can't write against a read only replica.")) {
		t.Fatalf("other errors are not quota errors")
	}
}

func TestDecodeChangeRejectsMalformedPayloads(t *testing.T) {
	change, err := decodeChange(`{"key":"k","removed":true,"origin":"a"}`)
	if err != nil || change.Key != "k" || !change.Removed || change.Origin != "a" {
		t.Fatalf("unexpected change %+v (%v)", change, err)
	}
	if _, err := decodeChange(`{"removed":true}`); err == nil {
		t.Fatalf("expected a change without key to fail")
	}
	if _, err := decodeChange(`nope`); err == nil {
		t.Fatalf("expected malformed json to fail")
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected nil client to fail")
	}
	if _, err := NewNotifier(nil); err == nil {
		t.Fatalf("expected nil client to fail")
	}
}

func TestStoreRoundTripAgainstRedis(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if _, found, err := store.GetItem(ctx, "missing"); found || err != nil {
		t.Fatalf("expected a clean miss, got found=%v err=%v", found, err)
	}
	for _, key := range []string{"b", "a[1]", "c*"} {
		if err := store.SetItem(ctx, key, "value-"+key); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	value, found, err := store.GetItem(ctx, "a[1]")
	if err != nil || !found || value != "value-a[1]" {
		t.Fatalf("unexpected value %q %v %v", value, found, err)
	}
	if err := store.RemoveItem(ctx, "b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	keys, err := store.Keys(ctx)
	if err != nil || strings.Join(keys, ",") != "a[1],c*" {
		t.Fatalf("unexpected keys %v (%v)", keys, err)
	}
}

func TestNotifierDeliversPublishedChanges(t *testing.T) {
	_, notifier := newTestStore(t)
	received := make(chan core.Change, 1)
	cancel := notifier.Subscribe(func(_ context.Context, change core.Change) {
		received <- change
	})
	defer cancel()

	if err := notifier.Publish(context.Background(), core.Change{Key: "k", Value: "secret", Origin: "writer"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case change := <-received:
		if change.Key != "k" || change.Origin != "writer" {
			t.Fatalf("unexpected change %+v", change)
		}
		if change.Value != "" {
			t.Fatalf("values must not be published by default")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("change was not delivered")
	}
}
