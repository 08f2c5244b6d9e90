// Package memory provides in-process implementations of storage.KV and storage.Bus.
// Several instances sharing one Store and one Bus behave like browser tabs sharing an origin.
package memory

import (
	"context"
	"sync"

	"github.com/coreidpin/coreidpin-sub004/internal/storage"
)

// Store is an in-memory storage.KV.
type Store struct {
	mu     sync.RWMutex
	m      map[string]string
	closed bool
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{m: make(map[string]string)}
}

// Get returns the value for key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, storage.ErrClosed
	}
	v, ok := s.m[key]
	return v, ok, nil
}

// GetMany returns the present keys among keys.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.m[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// SetMany writes all values under one lock.
func (s *Store) SetMany(ctx context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	for k, v := range values {
		s.m[k] = v
	}
	return nil
}

// DeleteMany removes keys.
func (s *Store) DeleteMany(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	for _, k := range keys {
		delete(s.m, k)
	}
	return nil
}

// CompareAndSwap sets key to next when its current value equals prev.
func (s *Store) CompareAndSwap(ctx context.Context, key, prev, next string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, storage.ErrClosed
	}
	cur, ok := s.m[key]
	if prev == "" {
		if ok {
			return false, nil
		}
	} else if !ok || cur != prev {
		return false, nil
	}
	if next == "" {
		delete(s.m, key)
	} else {
		s.m[key] = next
	}
	return true, nil
}

// Close marks the store closed. Safe to call multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
