// Package domain holds the registration flow's persisted state.
package domain

import "time"

// Step is the persisted registration step.
type Step string

const (
	StepBasic             Step = "basic"
	StepPhoneVerification Step = "phone_verification"
	StepPhoneVerified     Step = "phone_verified"
	StepEmailForm         Step = "email_form"
	StepCompleted         Step = "completed"
)

// Phase is the coarse state shown to the UI.
type Phase string

const (
	PhaseBasic           Phase = "basic"
	PhaseOTPVerification Phase = "otp-verification"
	PhaseSuccess         Phase = "success"
)

// DefaultTTL is how long an untouched registration survives before reading as a fresh start.
const DefaultTTL = 30 * time.Minute

// RegistrationState is stored as a JSON blob. Timestamp is epoch ms of the last write.
// The OTP bookkeeping fields keep cooldowns and counters across reloads.
type RegistrationState struct {
	Step      Step   `json:"step"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	RegToken  string `json:"regToken,omitempty"`
	Timestamp int64  `json:"timestamp"`

	UserType      string `json:"userType,omitempty"`
	Channel       string `json:"channel,omitempty"`
	LastSentAt    int64  `json:"lastSentAt,omitempty"`
	ResendCount   int    `json:"resendCount,omitempty"`
	SendFailures  int    `json:"sendFailures,omitempty"`
	ResendBlocked bool   `json:"resendBlocked,omitempty"`
}

// Fresh returns the initial state.
func Fresh() RegistrationState {
	return RegistrationState{Step: StepBasic}
}

// Expired reports whether s is older than ttl at now. A zero Timestamp never expires.
func (s RegistrationState) Expired(now time.Time, ttl time.Duration) bool {
	if s.Timestamp == 0 {
		return false
	}
	return now.Sub(time.UnixMilli(s.Timestamp)) > ttl
}

// Phase maps the persisted step to the UI phase.
func (s RegistrationState) Phase() Phase {
	switch s.Step {
	case StepPhoneVerification, StepPhoneVerified:
		return PhaseOTPVerification
	case StepCompleted:
		return PhaseSuccess
	default:
		return PhaseBasic
	}
}

// Contact is the address the current OTP was sent to.
func (s RegistrationState) Contact() string {
	if s.Channel == "email" {
		return s.Email
	}
	return s.Phone
}

// LastSent returns LastSentAt as a time, zero when nothing was sent.
func (s RegistrationState) LastSent() time.Time {
	if s.LastSentAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.LastSentAt)
}
