package security

import (
	"crypto"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token is malformed, has a bad signature, or the wrong issuer.
var ErrInvalidToken = errors.New("invalid token")

// AccessClaims are the claims the client reads from an issued access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// UserType returns user_metadata.user_type (or userType), or "" when absent.
func (c *AccessClaims) UserType() string {
	for _, k := range []string{"user_type", "userType"} {
		if v, ok := c.UserMetadata[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Expiry returns the exp claim and false when it is missing.
func (c *AccessClaims) Expiry() (time.Time, bool) {
	if c.ExpiresAt == nil {
		return time.Time{}, false
	}
	return c.ExpiresAt.Time, true
}

// TokenInspector reads claims from access tokens issued by the identity provider or the
// OTP endpoint. With a public key it verifies the signature; without one it only decodes.
// Expiry is never enforced here: callers read exp to schedule refreshes.
type TokenInspector struct {
	publicKey crypto.PublicKey
	issuer    string
}

// NewTokenInspector returns an inspector. publicKey may be nil; issuer may be empty to skip the iss check.
func NewTokenInspector(publicKey crypto.PublicKey, issuer string) *TokenInspector {
	return &TokenInspector{publicKey: publicKey, issuer: issuer}
}

// Verifies reports whether signatures are checked.
func (i *TokenInspector) Verifies() bool {
	return i != nil && i.publicKey != nil
}

// Inspect parses tokenString and returns its claims.
func (i *TokenInspector) Inspect(tokenString string) (*AccessClaims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	claims := &AccessClaims{}
	if !i.Verifies() {
		if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
			return nil, ErrInvalidToken
		}
	} else {
		parser := jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "ES256"}),
			jwt.WithoutClaimsValidation(),
		)
		token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return i.publicKey, nil
		})
		if err != nil || !token.Valid {
			return nil, ErrInvalidToken
		}
	}
	if i != nil && i.issuer != "" && claims.Issuer != i.issuer {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
