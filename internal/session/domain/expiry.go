package domain

import "time"

const (
	// DefaultExpiryBuffer is how early a token is treated as expired.
	DefaultExpiryBuffer = 60 * time.Second
	// DefaultRefreshThreshold is the remaining lifetime below which a refresh is due.
	// It is larger than DefaultExpiryBuffer so a proactive refresh finishes before the token is unusable.
	DefaultRefreshThreshold = 5 * time.Minute
)

// ExpiryPolicy decides "expired" and "needs refresh" from an absolute expiry in epoch ms.
type ExpiryPolicy struct {
	Buffer           time.Duration
	RefreshThreshold time.Duration
}

// DefaultExpiryPolicy returns the 60s buffer / 5m threshold policy.
func DefaultExpiryPolicy() ExpiryPolicy {
	return ExpiryPolicy{Buffer: DefaultExpiryBuffer, RefreshThreshold: DefaultRefreshThreshold}
}

// IsTokenExpired is true when now >= expiresAt - Buffer.
func (p ExpiryPolicy) IsTokenExpired(expiresAt int64, now time.Time) bool {
	return now.UnixMilli() >= expiresAt-p.Buffer.Milliseconds()
}

// NeedsRefresh is true when the time left before expiresAt is below RefreshThreshold.
func (p ExpiryPolicy) NeedsRefresh(expiresAt int64, now time.Time) bool {
	return expiresAt-now.UnixMilli() < p.RefreshThreshold.Milliseconds()
}

// RefreshDueAt returns the instant at which NeedsRefresh first becomes true.
func (p ExpiryPolicy) RefreshDueAt(expiresAt int64) time.Time {
	return time.UnixMilli(expiresAt - p.RefreshThreshold.Milliseconds())
}

// IsTokenExpired applies DefaultExpiryPolicy.
func IsTokenExpired(expiresAt int64, now time.Time) bool {
	return DefaultExpiryPolicy().IsTokenExpired(expiresAt, now)
}

// NeedsRefresh applies DefaultExpiryPolicy.
func NeedsRefresh(expiresAt int64, now time.Time) bool {
	return DefaultExpiryPolicy().NeedsRefresh(expiresAt, now)
}
