package domain

import (
	"errors"
	"testing"
	"time"
)

func validState() SessionState {
	return SessionState{
		AccessToken:  "access",
		RefreshToken: "refresh",
		UserID:       "user-1",
		UserType:     UserTypeEmployer,
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}
}

func TestSessionState_Validate(t *testing.T) {
	if err := validState().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	mutations := map[string]func(*SessionState){
		"missing access token":  func(s *SessionState) { s.AccessToken = "" },
		"missing refresh token": func(s *SessionState) { s.RefreshToken = "" },
		"missing user id":       func(s *SessionState) { s.UserID = "" },
		"missing user type":     func(s *SessionState) { s.UserType = "" },
		"unknown user type":     func(s *SessionState) { s.UserType = "admin" },
		"missing expiry":        func(s *SessionState) { s.ExpiresAt = 0 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			s := validState()
			mutate(&s)
			if err := s.Validate(); !errors.Is(err, ErrIncompleteSession) {
				t.Errorf("Validate = %v, want ErrIncompleteSession", err)
			}
		})
	}
}

func TestParseUserType(t *testing.T) {
	for _, in := range []string{"employer", "Professional", " UNIVERSITY "} {
		if _, ok := ParseUserType(in); !ok {
			t.Errorf("ParseUserType(%q) should succeed", in)
		}
	}
	if _, ok := ParseUserType("student"); ok {
		t.Error("ParseUserType(student) should fail")
	}
}

func TestHasDistinctRefreshToken(t *testing.T) {
	s := validState()
	if !s.HasDistinctRefreshToken() {
		t.Error("distinct refresh token expected")
	}
	s.RefreshToken = s.AccessToken
	if s.HasDistinctRefreshToken() {
		t.Error("OTP-style session should not report a distinct refresh token")
	}
}

func TestOwnedKeys(t *testing.T) {
	keys := OwnedKeys()
	if len(keys) != 8 {
		t.Fatalf("len(OwnedKeys) = %d, want 8", len(keys))
	}
	if IsOwnedKey(KeyRefreshLock) {
		t.Error("refresh lock key must not be owned")
	}
	if !IsOwnedKey(KeyCSRFToken) {
		t.Error("csrfToken must be owned")
	}
	keys[0] = "mutated"
	if OwnedKeys()[0] != KeyAccessToken {
		t.Error("OwnedKeys must return a fresh slice")
	}
}
