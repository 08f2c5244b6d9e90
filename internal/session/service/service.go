// Package service coordinates the session lifecycle: refresh, expiry, cross-instance sync
// and the proactive refresh scheduler.
package service

import (
	"context"
	"errors"

	"github.com/coreidpin/coreidpin-sub004/internal/authapi"
)

// Sentinel errors for the session service.
var (
	// ErrRefreshFailed means both refresh paths failed; the stored session has been cleared.
	ErrRefreshFailed = errors.New("session: refresh failed")
	// ErrTransientNetwork means the refresh request did not complete. The session is kept
	// because the current token has not yet reached its expiry buffer.
	ErrTransientNetwork = errors.New("session: refresh did not complete")
	// ErrInactivityTimeout marks a session ended for inactivity.
	ErrInactivityTimeout = errors.New("session: inactivity timeout")
)

// ProviderRefresher is the identity-provider refresh (primary path).
type ProviderRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*authapi.ProviderToken, error)
}

// FallbackRefresher is the auth API refresh endpoint (fallback path).
type FallbackRefresher interface {
	Refresh(ctx context.Context, accessToken string) (*authapi.RefreshResponse, error)
}

// CSRFBootstrapper exchanges an access token for a double-submit CSRF token.
type CSRFBootstrapper interface {
	BootstrapSessionCookie(ctx context.Context, token string) (string, error)
}
