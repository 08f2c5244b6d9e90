package domain

import (
	"errors"
	"strings"
	"time"
)

// UserType is the coarse role used for UI routing. It is not an authorization claim.
type UserType string

const (
	UserTypeEmployer     UserType = "employer"
	UserTypeProfessional UserType = "professional"
	UserTypeUniversity   UserType = "university"
)

// ErrIncompleteSession is returned by Validate when a required field is missing.
var ErrIncompleteSession = errors.New("session: incomplete session state")

// ParseUserType returns the UserType for s (case-insensitive) and false if s is not a known type.
func ParseUserType(s string) (UserType, bool) {
	switch UserType(strings.ToLower(strings.TrimSpace(s))) {
	case UserTypeEmployer:
		return UserTypeEmployer, true
	case UserTypeProfessional:
		return UserTypeProfessional, true
	case UserTypeUniversity:
		return UserTypeUniversity, true
	default:
		return "", false
	}
}

// SessionState is the single source of truth for the signed-in user.
// ExpiresAt is absolute Unix epoch milliseconds.
type SessionState struct {
	AccessToken  string
	RefreshToken string // equals AccessToken for accounts with no distinct refresh credential
	UserID       string
	UserType     UserType
	ExpiresAt    int64
}

// Validate reports ErrIncompleteSession when any required field is absent.
// A session that fails validation is treated as no session at all.
func (s SessionState) Validate() error {
	if s.AccessToken == "" || s.RefreshToken == "" || s.UserID == "" || s.ExpiresAt <= 0 {
		return ErrIncompleteSession
	}
	if _, ok := ParseUserType(string(s.UserType)); !ok {
		return ErrIncompleteSession
	}
	return nil
}

// HasDistinctRefreshToken is false for sessions issued by the OTP path, where the
// refresh credential is the access token itself.
func (s SessionState) HasDistinctRefreshToken() bool {
	return s.RefreshToken != "" && s.RefreshToken != s.AccessToken
}

// ExpiresAtTime returns ExpiresAt as a time.Time.
func (s SessionState) ExpiresAtTime() time.Time {
	return time.UnixMilli(s.ExpiresAt)
}

// ExpiresAtFrom converts a relative lifetime into absolute epoch milliseconds.
func ExpiresAtFrom(now time.Time, lifetime time.Duration) int64 {
	return now.Add(lifetime).UnixMilli()
}
