package domain

import (
	"testing"
	"time"
)

func TestRegistrationState_Expired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		age  time.Duration
		zero bool
		want bool
	}{
		{name: "fresh", age: time.Minute},
		{name: "at ttl", age: DefaultTTL},
		{name: "past ttl", age: DefaultTTL + time.Second, want: true},
		{name: "never written", zero: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := RegistrationState{Step: StepPhoneVerification, Timestamp: now.Add(-tt.age).UnixMilli()}
			if tt.zero {
				s.Timestamp = 0
			}
			if got := s.Expired(now, DefaultTTL); got != tt.want {
				t.Errorf("Expired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistrationState_Phase(t *testing.T) {
	tests := map[Step]Phase{
		StepBasic:             PhaseBasic,
		StepEmailForm:         PhaseBasic,
		StepPhoneVerification: PhaseOTPVerification,
		StepPhoneVerified:     PhaseOTPVerification,
		StepCompleted:         PhaseSuccess,
		"":                    PhaseBasic,
	}
	for step, want := range tests {
		if got := (RegistrationState{Step: step}).Phase(); got != want {
			t.Errorf("Phase(%q) = %q, want %q", step, got, want)
		}
	}
}

func TestRegistrationState_Contact(t *testing.T) {
	s := RegistrationState{Phone: "+2348031234567", Email: "ada@example.com", Channel: "sms"}
	if got := s.Contact(); got != s.Phone {
		t.Errorf("Contact = %q, want phone", got)
	}
	s.Channel = "email"
	if got := s.Contact(); got != s.Email {
		t.Errorf("Contact = %q, want email", got)
	}
}
