package repository

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/coreidpin/coreidpin-sub004/internal/session/domain"
	"github.com/coreidpin/coreidpin-sub004/internal/storage"
)

// KVRepository stores the session as individual keys in a storage.KV and announces every
// mutation on a storage.Bus tagged with its origin.
type KVRepository struct {
	kv     storage.KV
	bus    storage.Bus
	origin string
	logger *slog.Logger
	nowF   func() time.Time
}

var _ Repository = (*KVRepository)(nil)

// NewKVRepository returns a repository over kv. bus may be nil when no other instance shares the store.
func NewKVRepository(kv storage.KV, bus storage.Bus, origin string, logger *slog.Logger) *KVRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVRepository{kv: kv, bus: bus, origin: origin, logger: logger, nowF: time.Now}
}

// SetNowFunc overrides the clock used for activity stamps. For tests.
func (r *KVRepository) SetNowFunc(f func() time.Time) { r.nowF = f }

// Origin returns the instance ID stamped on published changes.
func (r *KVRepository) Origin() string { return r.origin }

func (r *KVRepository) Get(ctx context.Context) *domain.SessionState {
	vals, err := r.kv.GetMany(ctx, domain.SessionKeys)
	if err != nil {
		r.logger.Error("session: read failed", "error", err)
		return nil
	}
	if len(vals) == 0 {
		return nil
	}
	if len(vals) < len(domain.SessionKeys) {
		r.logger.Warn("session: partial session in storage, treating as absent", "present", len(vals))
		return nil
	}
	exp, err := strconv.ParseInt(vals[domain.KeyExpiresAt], 10, 64)
	if err != nil {
		r.logger.Warn("session: unparseable expiresAt, treating as absent", "error", err)
		return nil
	}
	userType, ok := domain.ParseUserType(vals[domain.KeyUserType])
	if !ok {
		r.logger.Warn("session: unknown userType, treating as absent", "user_type", vals[domain.KeyUserType])
		return nil
	}
	s := &domain.SessionState{
		AccessToken:  vals[domain.KeyAccessToken],
		RefreshToken: vals[domain.KeyRefreshToken],
		UserID:       vals[domain.KeyUserID],
		UserType:     userType,
		ExpiresAt:    exp,
	}
	if err := s.Validate(); err != nil {
		r.logger.Warn("session: stored session invalid, treating as absent", "error", err)
		return nil
	}
	return s
}

func (r *KVRepository) Save(ctx context.Context, s domain.SessionState) error {
	return r.save(ctx, s, true)
}

func (r *KVRepository) SaveRefreshed(ctx context.Context, s domain.SessionState) error {
	return r.save(ctx, s, false)
}

func (r *KVRepository) save(ctx context.Context, s domain.SessionState, stamp bool) error {
	if err := s.Validate(); err != nil {
		return err
	}
	values := map[string]string{
		domain.KeyAccessToken:  s.AccessToken,
		domain.KeyRefreshToken: s.RefreshToken,
		domain.KeyUserID:       s.UserID,
		domain.KeyUserType:     string(s.UserType),
		domain.KeyExpiresAt:    strconv.FormatInt(s.ExpiresAt, 10),
	}
	if stamp {
		values[domain.KeyLastActivity] = strconv.FormatInt(r.nowF().UnixMilli(), 10)
	}
	if err := r.kv.SetMany(ctx, values); err != nil {
		return err
	}
	r.publish(ctx, storage.ChangesForSet(r.origin, values))
	return nil
}

func (r *KVRepository) Clear(ctx context.Context) error {
	keys := domain.OwnedKeys()
	if err := r.kv.DeleteMany(ctx, keys); err != nil {
		return err
	}
	r.publish(ctx, storage.ChangesForDelete(r.origin, keys))
	return nil
}

func (r *KVRepository) TouchActivity(ctx context.Context, at time.Time) error {
	values := map[string]string{domain.KeyLastActivity: strconv.FormatInt(at.UnixMilli(), 10)}
	if err := r.kv.SetMany(ctx, values); err != nil {
		return err
	}
	r.publish(ctx, storage.ChangesForSet(r.origin, values))
	return nil
}

// LastActivity returns the stored activity stamp; false when absent or unreadable.
func (r *KVRepository) LastActivity(ctx context.Context) (time.Time, bool) {
	v, ok, err := r.kv.Get(ctx, domain.KeyLastActivity)
	if err != nil {
		r.logger.Error("session: read lastActivity failed", "error", err)
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (r *KVRepository) SaveCSRF(ctx context.Context, token string) error {
	values := map[string]string{domain.KeyCSRFToken: token}
	if err := r.kv.SetMany(ctx, values); err != nil {
		return err
	}
	r.publish(ctx, storage.ChangesForSet(r.origin, values))
	return nil
}

// CSRF returns the stored double-submit token or "".
func (r *KVRepository) CSRF(ctx context.Context) string {
	v, _, err := r.kv.Get(ctx, domain.KeyCSRFToken)
	if err != nil {
		r.logger.Error("session: read csrfToken failed", "error", err)
		return ""
	}
	return v
}

// publish announces changes; a failed publish only delays other instances, so it is logged.
func (r *KVRepository) publish(ctx context.Context, changes []storage.Change) {
	if r.bus == nil || len(changes) == 0 {
		return
	}
	if err := r.bus.Publish(ctx, changes...); err != nil {
		r.logger.Warn("session: publish change failed", "error", err)
	}
}
