// Package repository persists registration progress next to the session keys.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreidpin/coreidpin-sub004/internal/registration/domain"
	sessiondomain "github.com/coreidpin/coreidpin-sub004/internal/session/domain"
	"github.com/coreidpin/coreidpin-sub004/internal/storage"
)

// Repository loads and stores RegistrationState.
type Repository interface {
	// Load returns the stored state, or a fresh one when nothing usable is stored.
	Load(ctx context.Context) domain.RegistrationState
	Save(ctx context.Context, s domain.RegistrationState) (domain.RegistrationState, error)
	Clear(ctx context.Context) error
}

// KVRepository stores the state as JSON under the registrationState key.
type KVRepository struct {
	kv     storage.KV
	bus    storage.Bus
	origin string
	ttl    time.Duration
	logger *slog.Logger
	nowF   func() time.Time
}

var _ Repository = (*KVRepository)(nil)

// NewKVRepository returns a repository. A non-positive ttl means domain.DefaultTTL.
func NewKVRepository(kv storage.KV, bus storage.Bus, origin string, ttl time.Duration, logger *slog.Logger) *KVRepository {
	if ttl <= 0 {
		ttl = domain.DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KVRepository{kv: kv, bus: bus, origin: origin, ttl: ttl, logger: logger, nowF: time.Now}
}

// SetNowFunc overrides the clock. For tests.
func (r *KVRepository) SetNowFunc(f func() time.Time) { r.nowF = f }

func (r *KVRepository) Load(ctx context.Context) domain.RegistrationState {
	raw, ok, err := r.kv.Get(ctx, sessiondomain.KeyRegistrationState)
	if err != nil {
		r.logger.Error("registration: read failed", "error", err)
		return domain.Fresh()
	}
	if !ok {
		return domain.Fresh()
	}
	var s domain.RegistrationState
	if err := json.Unmarshal([]byte(raw), &s); err != nil || s.Step == "" {
		r.logger.Warn("registration: unreadable state, starting over", "error", err)
		return domain.Fresh()
	}
	if s.Expired(r.nowF(), r.ttl) {
		r.logger.Info("registration: state expired, starting over", "step", s.Step)
		if err := r.Clear(ctx); err != nil {
			r.logger.Warn("registration: clear expired state failed", "error", err)
		}
		return domain.Fresh()
	}
	return s
}

// Save stamps s with the current time and stores it, returning the stamped copy.
func (r *KVRepository) Save(ctx context.Context, s domain.RegistrationState) (domain.RegistrationState, error) {
	s.Timestamp = r.nowF().UnixMilli()
	b, err := json.Marshal(s)
	if err != nil {
		return s, fmt.Errorf("registration: encode state: %w", err)
	}
	values := map[string]string{sessiondomain.KeyRegistrationState: string(b)}
	if err := r.kv.SetMany(ctx, values); err != nil {
		return s, err
	}
	r.publish(ctx, storage.ChangesForSet(r.origin, values))
	return s, nil
}

func (r *KVRepository) Clear(ctx context.Context) error {
	keys := []string{sessiondomain.KeyRegistrationState}
	if err := r.kv.DeleteMany(ctx, keys); err != nil {
		return err
	}
	r.publish(ctx, storage.ChangesForDelete(r.origin, keys))
	return nil
}

func (r *KVRepository) publish(ctx context.Context, changes []storage.Change) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, changes...); err != nil {
		r.logger.Warn("registration: publish change failed", "error", err)
	}
}
