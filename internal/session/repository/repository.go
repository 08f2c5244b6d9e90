package repository

import (
	"context"
	"time"

	"github.com/coreidpin/coreidpin-sub004/internal/session/domain"
)

// Repository persists the signed-in session. Reads never fail: storage and parse errors are
// logged and reported as an absent session.
type Repository interface {
	// Get returns the stored session, or nil when any required field is missing or unreadable.
	Get(ctx context.Context) *domain.SessionState
	// Save writes every session field and stamps lastActivity in one write.
	Save(ctx context.Context, s domain.SessionState) error
	// SaveRefreshed writes every session field but leaves lastActivity untouched, so a
	// background refresh does not count as user activity.
	SaveRefreshed(ctx context.Context, s domain.SessionState) error
	// Clear removes exactly the owned keys.
	Clear(ctx context.Context) error
	TouchActivity(ctx context.Context, at time.Time) error
	LastActivity(ctx context.Context) (time.Time, bool)
	SaveCSRF(ctx context.Context, token string) error
	CSRF(ctx context.Context) string
	// Origin identifies this instance on the change bus.
	Origin() string
}
