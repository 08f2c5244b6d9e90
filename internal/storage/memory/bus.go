package memory

import (
	"context"
	"sync"

	"github.com/coreidpin/coreidpin-sub004/internal/storage"
)

// Bus is an in-process storage.Bus. Handlers run synchronously on the publishing goroutine.
type Bus struct {
	subs   storage.Subscribers
	mu     sync.RWMutex
	closed bool
}

// NewBus returns an empty in-process bus.
func NewBus() *Bus {
	return &Bus{}
}

// Publish delivers changes to every matching subscriber.
func (b *Bus) Publish(ctx context.Context, changes ...storage.Change) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return storage.ErrClosed
	}
	b.subs.Dispatch(changes...)
	return nil
}

// Subscribe registers handler for keys.
func (b *Bus) Subscribe(keys []string, handler func(storage.Change)) func() {
	return b.subs.Add(keys, handler)
}

// Close drops all subscribers; later publishes fail with storage.ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.subs.Reset()
	return nil
}
