package service

import (
	"errors"
	"fmt"
	"testing"

	"github.com/coreidpin/coreidpin-sub004/internal/authapi"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   ErrorKind
		wantAction Action
	}{
		{"tagged rate limit", &authapi.APIError{Status: 429, Kind: authapi.KindRateLimited}, KindOTPRateLimited, ActionAbort},
		{"tagged delivery", &authapi.APIError{Status: 502, Kind: authapi.KindDeliveryFailure}, KindDeliveryFailure, ActionFallbackEmail},
		{"tagged expired", &authapi.APIError{Status: 400, Kind: authapi.KindOTPExpired}, KindOTPExpired, ActionRetry},
		{"tagged invalid", &authapi.APIError{Status: 400, Kind: authapi.KindOTPInvalid}, KindOTPInvalid, ActionRetry},
		{"wrong code answered with 401", &authapi.APIError{Status: 401, Kind: authapi.KindOTPInvalid, Message: "Invalid OTP code"}, KindOTPInvalid, ActionRetry},
		{"server", &authapi.APIError{Status: 500, Kind: authapi.KindServer}, KindUnknown, ActionRetry},
		{"transport", &authapi.TransportError{Op: "POST /otp/send", Err: errors.New("reset")}, KindUnknown, ActionRetry},
		{"untagged too many", errors.New("Too many requests"), KindOTPRateLimited, ActionAbort},
		{"untagged sms", errors.New("SMS provider unavailable"), KindDeliveryFailure, ActionFallbackEmail},
		{"untagged other", errors.New("boom"), KindUnknown, ActionRetry},
		{"wrapped", fmt.Errorf("send: %w", &authapi.APIError{Kind: authapi.KindRateLimited}), KindOTPRateLimited, ActionAbort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Kind != tt.wantKind || got.Action != tt.wantAction {
				t.Errorf("Classify = %s/%s, want %s/%s", got.Kind, got.Action, tt.wantKind, tt.wantAction)
			}
			if got.Message == "" {
				t.Error("Message is empty")
			}
			if !errors.Is(got, tt.err) {
				t.Error("classified error should wrap the original")
			}
		})
	}
}

func TestClassify_NilAndIdempotent(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
	first := Classify(&authapi.APIError{Kind: authapi.KindOTPInvalid})
	if Classify(first) != first {
		t.Error("classifying a classified error should return it unchanged")
	}
}

func TestShouldFallbackToEmail(t *testing.T) {
	delivery := &authapi.APIError{Status: 502, Kind: authapi.KindDeliveryFailure}
	limited := &authapi.APIError{Status: 429, Kind: authapi.KindRateLimited}
	tests := []struct {
		name string
		err  error
		n    int
		want bool
	}{
		{"one delivery failure", delivery, 1, false},
		{"two delivery failures", delivery, 2, true},
		{"untagged sms twice", errors.New("sms send failed"), 2, true},
		{"rate limited", limited, 3, false},
		{"nil", nil, 5, false},
	}
	for _, tt := range tests {
		if got := ShouldFallbackToEmail(tt.err, tt.n); got != tt.want {
			t.Errorf("%s: ShouldFallbackToEmail = %v, want %v", tt.name, got, tt.want)
		}
	}
}
