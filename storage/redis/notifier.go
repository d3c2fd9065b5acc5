package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-auth-cache/core"
)

const DefaultChannel = "authcache:changes"

type changeMessage struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Removed bool   `json:"removed,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

type NotifierOption func(*Notifier)

func WithChannel(channel string) NotifierOption {
	return func(n *Notifier) {
		if trimmed := strings.TrimSpace(channel); trimmed != "" {
			n.channel = trimmed
		}
	}
}

// WithValues publishes written values along with keys. Off by default so
// token material does not travel over pub/sub.
func WithValues(enabled bool) NotifierOption {
	return func(n *Notifier) {
		n.includeValues = enabled
	}
}

func WithLogger(logger core.Logger) NotifierOption {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// Notifier publishes cache changes to a Redis channel and delivers changes
// published by any process, this one included, to its subscribers.
type Notifier struct {
	client        redis.UniversalClient
	channel       string
	includeValues bool
	logger        core.Logger
	observer      *core.Observer

	mu      sync.Mutex
	closers []func()
}

func NewNotifier(client redis.UniversalClient, opts ...NotifierOption) (*Notifier, error) {
	if client == nil {
		return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "redisstore: client is required")
	}
	n := &Notifier{client: client, channel: DefaultChannel}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	n.observer = core.NewObserver("authcache.redis", n.logger, nil, nil)
	return n, nil
}

func (n *Notifier) Publish(ctx context.Context, change core.Change) error {
	message := changeMessage{
		Key:     change.Key,
		Removed: change.Removed,
		Origin:  change.Origin,
	}
	if n.includeValues {
		message.Value = change.Value
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("redisstore: encode change: %w", err)
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}

// Subscribe starts a listener for fn. The subscription is confirmed before
// Subscribe returns, so changes published afterwards are not missed.
func (n *Notifier) Subscribe(fn func(ctx context.Context, change core.Change)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	ctx, stop := context.WithCancel(context.Background())
	pubsub := n.client.Subscribe(ctx, n.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		n.observer.Warn(ctx, "change subscription failed", map[string]any{"channel": n.channel, "error": err.Error()})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			change, err := decodeChange(msg.Payload)
			if err != nil {
				n.observer.Warn(ctx, "malformed change notification dropped", map[string]any{"channel": n.channel, "error": err.Error()})
				continue
			}
			fn(ctx, change)
		}
	}()

	var once sync.Once
	closer := func() {
		once.Do(func() {
			stop()
			_ = pubsub.Close()
			<-done
		})
	}
	n.mu.Lock()
	n.closers = append(n.closers, closer)
	n.mu.Unlock()
	return closer
}

// Close cancels every subscription.
func (n *Notifier) Close() error {
	n.mu.Lock()
	closers := n.closers
	n.closers = nil
	n.mu.Unlock()
	for _, closer := range closers {
		closer()
	}
	return nil
}

func decodeChange(payload string) (core.Change, error) {
	var message changeMessage
	if err := json.Unmarshal([]byte(payload), &message); err != nil {
		return core.Change{}, err
	}
	if message.Key == "" {
		return core.Change{}, fmt.Errorf("redisstore: change without key")
	}
	return core.Change{
		Key:     message.Key,
		Value:   message.Value,
		Removed: message.Removed,
		Origin:  message.Origin,
	}, nil
}

var (
	_ core.ChangeNotifier   = (*Notifier)(nil)
	_ core.ChangeSubscriber = (*Notifier)(nil)
)
