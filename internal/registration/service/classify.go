package service

import (
	"errors"

	"github.com/coreidpin/coreidpin-sub004/internal/authapi"
)

// Action tells the UI what it may do after a failed OTP call.
type Action string

const (
	ActionRetry         Action = "retry"
	ActionAbort         Action = "abort"
	ActionFallbackEmail Action = "fallback_email"
)

// ErrorKind is the registration error taxonomy.
type ErrorKind string

const (
	KindOTPExpired      ErrorKind = "otp_expired"
	KindOTPInvalid      ErrorKind = "otp_invalid"
	KindOTPRateLimited  ErrorKind = "otp_rate_limited"
	KindDeliveryFailure ErrorKind = "delivery_failure"
	KindUnknown         ErrorKind = "unknown"
)

// Error is a classified registration failure with a message fit for display.
type Error struct {
	Kind    ErrorKind
	Action  Action
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

var kindMessages = map[ErrorKind]string{
	KindOTPExpired:      "This code has expired. Request a new one.",
	KindOTPInvalid:      "That code is not correct. Check it and try again.",
	KindOTPRateLimited:  "Too many attempts. Please wait before requesting another code.",
	KindDeliveryFailure: "We couldn't deliver the code. Try again or use your email instead.",
	KindUnknown:         "Something went wrong. Please try again.",
}

func newError(kind ErrorKind, err error) *Error {
	action := ActionRetry
	switch kind {
	case KindOTPRateLimited:
		action = ActionAbort
	case KindDeliveryFailure:
		action = ActionFallbackEmail
	}
	return &Error{Kind: kind, Action: action, Message: kindMessages[kind], Err: err}
}

// Classify maps err onto the registration taxonomy using the kind tagged by the auth API
// client. Errors that carry no tag go through authapi.KindFromMessage. Classify(nil) is nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	switch authapi.KindOf(err) {
	case authapi.KindRateLimited:
		return newError(KindOTPRateLimited, err)
	case authapi.KindDeliveryFailure:
		return newError(KindDeliveryFailure, err)
	case authapi.KindOTPExpired:
		return newError(KindOTPExpired, err)
	case authapi.KindOTPInvalid:
		return newError(KindOTPInvalid, err)
	default:
		return newError(KindUnknown, err)
	}
}

// ShouldFallbackToEmail reports whether the UI should offer the email channel after
// consecutiveFailures send failures ending in err. Rate limits never trigger it.
func ShouldFallbackToEmail(err error, consecutiveFailures int) bool {
	if err == nil || consecutiveFailures < 2 {
		return false
	}
	return Classify(err).Action != ActionAbort
}
