package domain

// Persisted keys. All live in one storage namespace; Clear removes exactly OwnedKeys.
const (
	KeyAccessToken       = "accessToken"
	KeyRefreshToken      = "refreshToken"
	KeyUserID            = "userId"
	KeyUserType          = "userType"
	KeyExpiresAt         = "expiresAt"
	KeyLastActivity      = "lastActivity"
	KeyRegistrationState = "registrationState"
	KeyCSRFToken         = "csrfToken"
)

// KeyRefreshLock holds the advisory cross-instance refresh lock. It is not an owned
// session key and survives Clear.
const KeyRefreshLock = "refreshLock"

// SessionKeys are the five required SessionState fields.
var SessionKeys = []string{KeyAccessToken, KeyRefreshToken, KeyUserID, KeyUserType, KeyExpiresAt}

// OwnedKeys returns every key this module owns, in a fresh slice.
func OwnedKeys() []string {
	return []string{
		KeyAccessToken,
		KeyRefreshToken,
		KeyUserID,
		KeyUserType,
		KeyExpiresAt,
		KeyLastActivity,
		KeyRegistrationState,
		KeyCSRFToken,
	}
}

// IsOwnedKey reports whether key is one of OwnedKeys.
func IsOwnedKey(key string) bool {
	for _, k := range OwnedKeys() {
		if k == key {
			return true
		}
	}
	return false
}
