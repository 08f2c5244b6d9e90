package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coreidpin/coreidpin-sub004/internal/session/domain"
	"github.com/coreidpin/coreidpin-sub004/internal/session/repository"
	"github.com/coreidpin/coreidpin-sub004/internal/storage"
)

// Synchronizer republishes session changes made by other instances to local listeners.
type Synchronizer struct {
	repo   repository.Repository
	bus    storage.Bus
	logger *slog.Logger
}

// NewSynchronizer returns a synchronizer reading repo and listening on bus.
func NewSynchronizer(repo repository.Repository, bus storage.Bus, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{repo: repo, bus: bus, logger: logger}
}

// Subscribe calls onChange when another instance changes an owned key: nil when the access
// token was removed, otherwise the freshly read session. Changes published by this instance
// are ignored. A write of the session fields publishes one change per key, so a change to
// one of domain.SessionKeys that leaves the session equal to the last one delivered is not
// delivered again. Changes to the other owned keys are always delivered.
func (s *Synchronizer) Subscribe(onChange func(*domain.SessionState)) (unsubscribe func()) {
	if s.bus == nil || onChange == nil {
		return func() {}
	}
	origin := s.repo.Origin()
	var (
		mu        sync.Mutex
		last      *domain.SessionState
		delivered bool
	)
	deliver := func(next *domain.SessionState, dedupe bool) {
		mu.Lock()
		if dedupe && delivered && sameState(last, next) {
			mu.Unlock()
			return
		}
		last, delivered = next, true
		mu.Unlock()
		onChange(next)
	}
	return s.bus.Subscribe(domain.OwnedKeys(), func(c storage.Change) {
		if c.Origin == origin {
			return
		}
		if c.Key == domain.KeyAccessToken && c.Removed {
			s.logger.Debug("session: cleared by another instance", "origin", c.Origin)
			deliver(nil, true)
			return
		}
		deliver(s.repo.Get(context.Background()), isSessionKey(c.Key))
	})
}

func sameState(a, b *domain.SessionState) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func isSessionKey(key string) bool {
	for _, k := range domain.SessionKeys {
		if k == key {
			return true
		}
	}
	return false
}
