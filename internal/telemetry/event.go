// Package telemetry defines session lifecycle events and best-effort delivery to OTel and Kafka.
package telemetry

import "time"

// Event types.
const (
	EventSessionEstablished  = "session_established"
	EventSessionRefreshed    = "session_refreshed"
	EventRefreshFailed       = "session_refresh_failed"
	EventRefreshDeferred     = "session_refresh_deferred"
	EventSessionCleared      = "session_cleared"
	EventForcedLogout        = "session_forced_logout"
	EventOTPSent             = "otp_sent"
	EventOTPSendFailed       = "otp_send_failed"
	EventOTPVerified         = "otp_verified"
	EventOTPVerifyFailed     = "otp_verify_failed"
	EventFallbackRequested   = "otp_fallback_requested"
	EventRegistrationStarted = "registration_started"
)

// Event is a single lifecycle event. Tokens are never included, only fingerprints.
type Event struct {
	Type       string            `json:"type"`
	UserID     string            `json:"user_id,omitempty"`
	Origin     string            `json:"origin,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Time       time.Time         `json:"time"`
}

// NewEvent returns an event of the given type stamped with the current time.
func NewEvent(eventType string) *Event {
	return &Event{Type: eventType, Time: time.Now().UTC()}
}

// With sets an attribute and returns e.
func (e *Event) With(key, value string) *Event {
	if value == "" {
		return e
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}
