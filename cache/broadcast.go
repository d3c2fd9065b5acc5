package cache

import (
	"context"
	"sync"

	"github.com/goliatone/go-auth-cache/core"
)

// Broadcaster is an in-process ChangeNotifier and ChangeSubscriber. It lets
// several managers, mirrors or clients sharing one store observe each
// other's writes.
type Broadcaster struct {
	mu          sync.RWMutex
	nextID      int
	subscribers map[int]func(context.Context, core.Change)
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: map[int]func(context.Context, core.Change){}}
}

// Publish delivers change synchronously to every subscriber.
func (b *Broadcaster) Publish(ctx context.Context, change core.Change) error {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	handlers := make([]func(context.Context, core.Change), 0, len(b.subscribers))
	for _, handler := range b.subscribers {
		handlers = append(handlers, handler)
	}
	b.mu.RUnlock()
	for _, handler := range handlers {
		handler(ctx, change)
	}
	return nil
}

func (b *Broadcaster) Subscribe(fn func(context.Context, core.Change)) (cancel func()) {
	if b == nil || fn == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
}

var (
	_ core.ChangeNotifier   = (*Broadcaster)(nil)
	_ core.ChangeSubscriber = (*Broadcaster)(nil)
)
