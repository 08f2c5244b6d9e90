package storage

import "sync"

type subscriber struct {
	match   func(string) bool
	handler func(Change)
}

// Subscribers is a registry of change handlers shared by Bus implementations.
// The zero value is ready to use.
type Subscribers struct {
	mu     sync.RWMutex
	subs   map[int]subscriber
	nextID int
}

// Add registers handler for keys and returns an idempotent unsubscribe func.
func (s *Subscribers) Add(keys []string, handler func(Change)) func() {
	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[int]subscriber)
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = subscriber{match: KeyFilter(keys), handler: handler}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Dispatch calls every matching handler. Handlers run on the caller's goroutine
// without the registry lock held, so they may subscribe or unsubscribe.
func (s *Subscribers) Dispatch(changes ...Change) {
	s.mu.RLock()
	subs := make([]subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	for _, c := range changes {
		for _, sub := range subs {
			if sub.match(c.Key) {
				sub.handler(c)
			}
		}
	}
}

// Reset drops every handler.
func (s *Subscribers) Reset() {
	s.mu.Lock()
	s.subs = nil
	s.mu.Unlock()
}

// Len returns the number of registered handlers.
func (s *Subscribers) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
