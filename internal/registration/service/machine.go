// Package service drives the OTP registration flow: collect identity, send a code, verify
// it, resend under a cooldown, and fall back to email when SMS delivery keeps failing.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/coreidpin/coreidpin-sub004/internal/authapi"
	"github.com/coreidpin/coreidpin-sub004/internal/registration/domain"
	"github.com/coreidpin/coreidpin-sub004/internal/registration/repository"
	sessiondomain "github.com/coreidpin/coreidpin-sub004/internal/session/domain"
	sessionservice "github.com/coreidpin/coreidpin-sub004/internal/session/service"
	"github.com/coreidpin/coreidpin-sub004/internal/telemetry"
)

var (
	ErrBusy             = errors.New("registration: another request is in progress")
	ErrWrongPhase       = errors.New("registration: operation not allowed in the current phase")
	ErrInvalidContact   = errors.New("registration: contact is not a valid phone number or email")
	ErrResendNotAllowed = errors.New("registration: resend not allowed yet")
	ErrMalformedCode    = errors.New("registration: code must be 6 digits")
	ErrNoAccessToken    = errors.New("registration: verification response carried no access token")
)

const (
	codeDigits           = 6
	defaultCooldown      = 60 * time.Second
	defaultMaxResends    = 3
	defaultCompleteGrace = 5 * time.Second
)

var (
	codePattern  = regexp.MustCompile(fmt.Sprintf(`^[0-9]{%d}$`, codeDigits))
	phonePattern = regexp.MustCompile(`^\+?[1-9][0-9]{6,14}$`)
	phoneNoise   = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
)

// OTPClient sends and verifies codes. *authapi.Client implements it.
type OTPClient interface {
	SendOTP(ctx context.Context, req authapi.SendOTPRequest) (*authapi.SendOTPResponse, error)
	VerifyOTP(ctx context.Context, req authapi.VerifyOTPRequest) (*authapi.VerifyOTPResponse, error)
}

// SessionEstablisher turns the verified access token into the signed-in session.
// *sessionservice.Manager implements it.
type SessionEstablisher interface {
	EstablishFromToken(ctx context.Context, g sessionservice.TokenGrant) (*sessiondomain.SessionState, error)
}

// Profile is what the user entered on the first registration form.
type Profile struct {
	Name     string
	Email    string
	UserType string
}

// MachineConfig configures a Machine. Zero durations and counts use defaults.
type MachineConfig struct {
	Repo     repository.Repository
	Client   OTPClient
	Sessions SessionEstablisher
	// Cooldown is the minimum time between sends (default 60s).
	Cooldown time.Duration
	// MaxResends caps resends after the first send (default 3, negative for none).
	MaxResends int
	// CompleteGrace is how long the completed state stays before it is removed (default 5s).
	CompleteGrace time.Duration
	Events        *telemetry.Dispatcher
	Metrics       *telemetry.Instruments
	Logger        *slog.Logger
}

// Machine is the registration state machine. Network calls never overlap: a second call
// while one is in flight fails with ErrBusy.
type Machine struct {
	repo       repository.Repository
	client     OTPClient
	sessions   SessionEstablisher
	cooldown   time.Duration
	maxResends int
	grace      time.Duration
	events     *telemetry.Dispatcher
	metrics    *telemetry.Instruments
	logger     *slog.Logger
	nowF       func() time.Time

	mu         sync.Mutex
	state      domain.RegistrationState
	busy       bool
	fallback   bool
	clearTimer *time.Timer
}

// NewMachine returns a machine resumed from the stored state.
func NewMachine(ctx context.Context, cfg MachineConfig) *Machine {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.MaxResends < 0 {
		cfg.MaxResends = 0
	} else if cfg.MaxResends == 0 {
		cfg.MaxResends = defaultMaxResends
	}
	if cfg.CompleteGrace <= 0 {
		cfg.CompleteGrace = defaultCompleteGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Machine{
		repo:       cfg.Repo,
		client:     cfg.Client,
		sessions:   cfg.Sessions,
		cooldown:   cfg.Cooldown,
		maxResends: cfg.MaxResends,
		grace:      cfg.CompleteGrace,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		nowF:       time.Now,
	}
	m.state = cfg.Repo.Load(ctx)
	if m.state.Step == domain.StepCompleted {
		// Left over from a run that ended inside the grace period.
		m.state = domain.Fresh()
		if err := m.repo.Clear(ctx); err != nil {
			m.logger.Warn("registration: clear completed state failed", "error", err)
		}
	}
	return m
}

// State returns a copy of the current state.
func (m *Machine) State() domain.RegistrationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Phase returns the current UI phase.
func (m *Machine) Phase() domain.Phase {
	return m.State().Phase()
}

// SendOTP sends the first code to contact, a phone number (SMS) or an email address, and
// moves to otp-verification. On failure the machine stays in basic.
func (m *Machine) SendOTP(ctx context.Context, contact string, p Profile) error {
	contact, channel, err := normalizeContact(contact)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	if m.state.Phase() != domain.PhaseBasic {
		m.mu.Unlock()
		return ErrWrongPhase
	}
	next := m.state
	if next.Channel != channel {
		next.SendFailures = 0
	}
	next.Channel = channel
	next.Name = p.Name
	next.UserType = p.UserType
	if p.Email != "" {
		next.Email = p.Email
	}
	if channel == authapi.ChannelEmail {
		next.Email = contact
	} else {
		next.Phone = contact
	}
	starting := m.state.Timestamp == 0
	m.busy = true
	m.mu.Unlock()

	if starting {
		m.events.EmitAsync(ctx, telemetry.NewEvent(telemetry.EventRegistrationStarted).With("channel", channel))
	}
	resp, err := m.client.SendOTP(ctx, authapi.SendOTPRequest{Contact: contact, Channel: channel, CreateAccount: true})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = false
	if err != nil {
		return m.sendFailedLocked(ctx, next, err)
	}
	next.Step = domain.StepPhoneVerification
	next.RegToken = resp.RegToken
	next.LastSentAt = m.nowF().UnixMilli()
	next.ResendCount = 0
	next.SendFailures = 0
	next.ResendBlocked = false
	m.fallback = false
	m.persistLocked(ctx, next)
	m.sentLocked(ctx, channel, false)
	return nil
}

// Resend sends a new code to the same contact once the cooldown has elapsed and resends remain.
func (m *Machine) Resend(ctx context.Context) error {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	if m.state.Step != domain.StepPhoneVerification {
		m.mu.Unlock()
		return ErrWrongPhase
	}
	if !m.canResendLocked(m.nowF()) {
		m.mu.Unlock()
		return ErrResendNotAllowed
	}
	contact, channel := m.state.Contact(), m.state.Channel
	m.busy = true
	m.mu.Unlock()

	resp, err := m.client.SendOTP(ctx, authapi.SendOTPRequest{Contact: contact, Channel: channel, CreateAccount: true})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = false
	next := m.state
	if err != nil {
		return m.sendFailedLocked(ctx, next, err)
	}
	next.ResendCount++
	next.LastSentAt = m.nowF().UnixMilli()
	next.SendFailures = 0
	if resp.RegToken != "" {
		next.RegToken = resp.RegToken
	}
	m.fallback = false
	m.persistLocked(ctx, next)
	m.sentLocked(ctx, channel, true)
	return nil
}

func (m *Machine) sendFailedLocked(ctx context.Context, next domain.RegistrationState, err error) error {
	cerr := Classify(err)
	next.SendFailures++
	if cerr.Action == ActionAbort {
		next.ResendBlocked = true
	}
	m.persistLocked(ctx, next)

	m.metrics.RecordOTPSend(ctx, next.Channel, string(cerr.Kind))
	m.logger.Warn("registration: otp send failed", "channel", next.Channel, "kind", cerr.Kind,
		"consecutive_failures", next.SendFailures, "error", err)
	m.events.EmitAsync(ctx, telemetry.NewEvent(telemetry.EventOTPSendFailed).
		With("channel", next.Channel).With("kind", string(cerr.Kind)))

	if next.Channel == authapi.ChannelSMS && !m.fallback &&
		(ShouldFallbackToEmail(cerr, next.SendFailures) || cerr.Action == ActionFallbackEmail) {
		m.fallback = true
		m.logger.Info("registration: email fallback offered", "consecutive_failures", next.SendFailures)
		m.events.EmitAsync(ctx, telemetry.NewEvent(telemetry.EventFallbackRequested).With("kind", string(cerr.Kind)))
	}
	return cerr
}

func (m *Machine) sentLocked(ctx context.Context, channel string, resend bool) {
	m.metrics.RecordOTPSend(ctx, channel, "sent")
	m.logger.Info("registration: otp sent", "channel", channel, "resend", resend, "resend_count", m.state.ResendCount)
	e := telemetry.NewEvent(telemetry.EventOTPSent).With("channel", channel)
	if resend {
		e.With("resend", "true")
	}
	m.events.EmitAsync(ctx, e)
}

// Verify checks code with the server. On success the returned access token becomes the
// signed-in session and the machine reaches success. A wrong code leaves the phase and the
// resend cooldown unchanged.
func (m *Machine) Verify(ctx context.Context, code string) (*sessiondomain.SessionState, error) {
	code = strings.TrimSpace(code)
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	if m.state.Phase() != domain.PhaseOTPVerification {
		m.mu.Unlock()
		return nil, ErrWrongPhase
	}
	if !codePattern.MatchString(code) {
		m.mu.Unlock()
		return nil, newError(KindOTPInvalid, ErrMalformedCode)
	}
	req := authapi.VerifyOTPRequest{
		Contact:       m.state.Contact(),
		Code:          code,
		RegToken:      m.state.RegToken,
		ProfileFields: profileFields(m.state),
	}
	m.busy = true
	m.mu.Unlock()

	resp, err := m.client.VerifyOTP(ctx, req)
	if err == nil && resp.AccessToken == "" {
		err = ErrNoAccessToken
	}
	if err != nil {
		m.mu.Lock()
		m.busy = false
		m.mu.Unlock()
		cerr := Classify(err)
		m.logger.Warn("registration: otp verify failed", "kind", cerr.Kind, "error", err)
		m.events.EmitAsync(ctx, telemetry.NewEvent(telemetry.EventOTPVerifyFailed).With("kind", string(cerr.Kind)))
		return nil, cerr
	}

	m.mu.Lock()
	verified := m.state
	verified.Step = domain.StepPhoneVerified
	m.persistLocked(ctx, verified)
	m.mu.Unlock()

	grant := sessionservice.TokenGrant{AccessToken: resp.AccessToken}
	if resp.User != nil {
		grant.UserID = resp.User.ID
		grant.UserType = userTypeOf(resp.User.UserMetadata, verified.UserType)
	} else {
		grant.UserType = userTypeOf(nil, verified.UserType)
	}
	s, err := m.sessions.EstablishFromToken(ctx, grant)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = false
	if err != nil {
		m.logger.Error("registration: establish session failed", "error", err)
		return nil, fmt.Errorf("registration: establish session: %w", err)
	}
	done := m.state
	done.Step = domain.StepCompleted
	done.RegToken = ""
	m.persistLocked(ctx, done)
	m.scheduleClearLocked()

	m.logger.Info("registration: completed", "user_id", s.UserID, "channel", done.Channel)
	m.events.EmitAsync(ctx, &telemetry.Event{
		Type:       telemetry.EventOTPVerified,
		UserID:     s.UserID,
		Attributes: map[string]string{"channel": done.Channel},
		Time:       m.nowF().UTC(),
	})
	return s, nil
}

func (m *Machine) scheduleClearLocked() {
	if m.clearTimer != nil {
		m.clearTimer.Stop()
	}
	m.clearTimer = time.AfterFunc(m.grace, func() {
		if err := m.repo.Clear(context.Background()); err != nil {
			m.logger.Warn("registration: clear completed state failed", "error", err)
		}
		m.mu.Lock()
		if m.state.Step == domain.StepCompleted {
			m.state = domain.Fresh()
		}
		m.clearTimer = nil
		m.mu.Unlock()
	})
}

// CanResend reports whether Resend would be attempted now.
func (m *Machine) CanResend() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canResendLocked(m.nowF())
}

func (m *Machine) canResendLocked(now time.Time) bool {
	s := m.state
	if s.Step != domain.StepPhoneVerification || s.ResendBlocked || s.ResendCount >= m.maxResends {
		return false
	}
	return !now.Before(s.LastSent().Add(m.cooldown))
}

// ResendIn returns the time left on the resend countdown, 0 when it has run out.
func (m *Machine) ResendIn() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Step != domain.StepPhoneVerification || m.state.LastSentAt == 0 {
		return 0
	}
	if d := m.state.LastSent().Add(m.cooldown).Sub(m.nowF()); d > 0 {
		return d
	}
	return 0
}

// ResendsLeft returns how many resends remain.
func (m *Machine) ResendsLeft() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.ResendBlocked {
		return 0
	}
	if n := m.maxResends - m.state.ResendCount; n > 0 {
		return n
	}
	return 0
}

// FallbackRequested reports whether SMS delivery has failed enough that the UI should
// offer email instead. It is a signal only; the phase does not change.
func (m *Machine) FallbackRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallback
}

// SwitchToEmail returns to the first form with email as the channel. Name and user type
// are kept; OTP counters start over. Call SendOTP with the email address next.
func (m *Machine) SwitchToEmail(ctx context.Context, email string) error {
	email, channel, err := normalizeContact(email)
	if err != nil || channel != authapi.ChannelEmail {
		return ErrInvalidContact
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		return ErrBusy
	}
	if m.state.Phase() == domain.PhaseSuccess {
		return ErrWrongPhase
	}
	next := domain.RegistrationState{
		Step:     domain.StepEmailForm,
		Name:     m.state.Name,
		Phone:    m.state.Phone,
		UserType: m.state.UserType,
		Email:    email,
		Channel:  authapi.ChannelEmail,
	}
	m.fallback = false
	m.persistLocked(ctx, next)
	m.logger.Info("registration: switched to email")
	return nil
}

// StartOver discards all progress.
func (m *Machine) StartOver(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		return ErrBusy
	}
	if m.clearTimer != nil {
		m.clearTimer.Stop()
		m.clearTimer = nil
	}
	m.state = domain.Fresh()
	m.fallback = false
	return m.repo.Clear(ctx)
}

// Close stops the pending clear of a completed registration.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clearTimer != nil {
		m.clearTimer.Stop()
		m.clearTimer = nil
	}
}

// persistLocked makes next current and stores it. A storage failure is logged; the
// in-memory state still advances so the UI is not stuck.
func (m *Machine) persistLocked(ctx context.Context, next domain.RegistrationState) {
	saved, err := m.repo.Save(ctx, next)
	if err != nil {
		m.logger.Error("registration: save state failed", "step", next.Step, "error", err)
	}
	m.state = saved
}

func normalizeContact(contact string) (normalized, channel string, err error) {
	c := strings.TrimSpace(contact)
	if strings.Contains(c, "@") {
		addr, err := mail.ParseAddress(c)
		if err != nil || addr.Name != "" {
			return "", "", ErrInvalidContact
		}
		return strings.ToLower(addr.Address), authapi.ChannelEmail, nil
	}
	c = phoneNoise.Replace(c)
	if !phonePattern.MatchString(c) {
		return "", "", ErrInvalidContact
	}
	return c, authapi.ChannelSMS, nil
}

func profileFields(s domain.RegistrationState) map[string]string {
	out := make(map[string]string, 4)
	for k, v := range map[string]string{"name": s.Name, "email": s.Email, "phone": s.Phone, "user_type": s.UserType} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// userTypeOf prefers the type the server recorded, then the one the user picked. An empty
// result lets the session manager read it from the token.
func userTypeOf(metadata map[string]any, picked string) sessiondomain.UserType {
	for _, key := range []string{"user_type", "userType"} {
		if v, ok := metadata[key].(string); ok {
			if ut, ok := sessiondomain.ParseUserType(v); ok {
				return ut
			}
		}
	}
	if ut, ok := sessiondomain.ParseUserType(picked); ok {
		return ut
	}
	return ""
}
