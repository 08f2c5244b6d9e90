// Package storage defines the durable key-value store that holds session truth and the
// change bus that carries key mutations between instances sharing that store.
package storage

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store or bus.
var ErrClosed = errors.New("storage: closed")

// KV is a namespaced string key-value store. Implementations must make SetMany and
// DeleteMany atomic from the caller's perspective.
type KV interface {
	// Get returns the value for key and ok false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// GetMany returns the present keys among keys; absent keys are omitted from the map.
	GetMany(ctx context.Context, keys []string) (map[string]string, error)
	// SetMany writes all values in a single operation.
	SetMany(ctx context.Context, values map[string]string) error
	// DeleteMany removes keys; missing keys are ignored.
	DeleteMany(ctx context.Context, keys []string) error
	// CompareAndSwap sets key to next only if its current value equals prev.
	// prev == "" means the key must be absent; next == "" deletes the key.
	CompareAndSwap(ctx context.Context, key, prev, next string) (bool, error)
	Close() error
}

// Change describes one key mutation. Origin identifies the instance that wrote it.
type Change struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Removed bool   `json:"removed,omitempty"`
	Origin  string `json:"origin"`
}

// Bus carries Changes between instances sharing a store. Delivery is best-effort and
// eventually consistent.
type Bus interface {
	Publish(ctx context.Context, changes ...Change) error
	// Subscribe invokes handler for every change whose key is in keys (all keys when keys is empty).
	// The returned func unsubscribes and is safe to call more than once.
	Subscribe(keys []string, handler func(Change)) (unsubscribe func())
	Close() error
}

// KeyFilter returns a predicate that matches keys in the given set, or everything when keys is empty.
func KeyFilter(keys []string) func(string) bool {
	if len(keys) == 0 {
		return func(string) bool { return true }
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return func(k string) bool {
		_, ok := set[k]
		return ok
	}
}

// ChangesForSet builds the Changes describing a SetMany call.
func ChangesForSet(origin string, values map[string]string) []Change {
	out := make([]Change, 0, len(values))
	for k, v := range values {
		out = append(out, Change{Key: k, Value: v, Origin: origin})
	}
	return out
}

// ChangesForDelete builds the Changes describing a DeleteMany call.
func ChangesForDelete(origin string, keys []string) []Change {
	out := make([]Change, 0, len(keys))
	for _, k := range keys {
		out = append(out, Change{Key: k, Removed: true, Origin: origin})
	}
	return out
}
