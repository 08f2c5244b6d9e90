package authapi

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies an auth API failure. It is decided once, where the response is read.
type ErrorKind string

const (
	KindRateLimited     ErrorKind = "rate_limited"
	KindDeliveryFailure ErrorKind = "delivery_failure"
	KindOTPExpired      ErrorKind = "otp_expired"
	KindOTPInvalid      ErrorKind = "otp_invalid"
	KindUnauthorized    ErrorKind = "unauthorized"
	KindServer          ErrorKind = "server"
	KindTransport       ErrorKind = "transport"
	KindUnknown         ErrorKind = "unknown"
)

// ErrMalformedResponse is returned when a 2xx response lacks required fields.
var ErrMalformedResponse = errors.New("authapi: malformed response")

// APIError is a non-2xx response from the auth API or identity provider.
type APIError struct {
	Status  int
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authapi: %s (status=%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("authapi: %s (status=%d)", e.Kind, e.Status)
}

// TransportError means the request did not complete (dial, TLS, timeout, cancelled context).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "authapi: " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transport failure that may succeed on retry.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// KindOf returns the tagged kind of err. Untagged errors fall back to KindFromMessage.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if IsTransient(err) {
		return KindTransport
	}
	return KindFromMessage(err.Error())
}

// codeKinds maps server error codes to kinds.
var codeKinds = map[string]ErrorKind{
	"rate_limited":             KindRateLimited,
	"rate_limit_exceeded":      KindRateLimited,
	"too_many_requests":        KindRateLimited,
	"over_sms_send_rate_limit": KindRateLimited,
	"delivery_failure":         KindDeliveryFailure,
	"sms_send_failed":          KindDeliveryFailure,
	"otp_expired":              KindOTPExpired,
	"otp_invalid":              KindOTPInvalid,
	"invalid_otp":              KindOTPInvalid,
	"invalid_code":             KindOTPInvalid,
	"unauthorized":             KindUnauthorized,
	"invalid_grant":            KindUnauthorized,
	"invalid_token":            KindUnauthorized,
}

// KindFromMessage is the free-text fallback for errors that carry no code.
// Its substrings are a guess at server wording and are not exhaustive.
func KindFromMessage(msg string) ErrorKind {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, "rate_limit", "rate limit", "too_many", "too many"):
		return KindRateLimited
	case containsAny(m, "sms", "delivery", "send"):
		return KindDeliveryFailure
	case strings.Contains(m, "expired"):
		return KindOTPExpired
	case containsAny(m, "invalid", "incorrect", "wrong"):
		return KindOTPInvalid
	default:
		return KindUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// classify tags a non-2xx response: code first, then 429, then message text, then the
// remaining statuses. OTP endpoints answer a wrong code with 401 or 403 as often as with
// 400, so the message outranks the auth statuses.
func classify(status int, code, message string) ErrorKind {
	if k, ok := codeKinds[strings.ToLower(strings.TrimSpace(code))]; ok {
		return k
	}
	if status == 429 {
		return KindRateLimited
	}
	if k := KindFromMessage(message + " " + code); k != KindUnknown {
		return k
	}
	switch {
	case status == 401 || status == 403:
		return KindUnauthorized
	case status >= 500:
		return KindServer
	}
	return KindUnknown
}
