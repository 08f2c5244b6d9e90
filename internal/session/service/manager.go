package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreidpin/coreidpin-sub004/internal/security"
	"github.com/coreidpin/coreidpin-sub004/internal/session/domain"
	"github.com/coreidpin/coreidpin-sub004/internal/session/repository"
	"github.com/coreidpin/coreidpin-sub004/internal/storage"
	"github.com/coreidpin/coreidpin-sub004/internal/telemetry"
)

// ErrUnknownUserType is returned by EstablishFromToken when no user type can be determined.
var ErrUnknownUserType = errors.New("session: unknown user type")

// ManagerConfig holds the Manager's collaborators and timings. Zero durations use defaults.
type ManagerConfig struct {
	Repo              repository.Repository
	Bus               storage.Bus
	Coordinator       *Coordinator
	Expiry            *ExpiryHandler
	Inspector         *security.TokenInspector
	Policy            domain.ExpiryPolicy
	InactivityTimeout time.Duration
	RetryInterval     time.Duration
	// DefaultLifetime is used for tokens with no exp claim and no expires_in (default 1h).
	DefaultLifetime time.Duration
	Events          *telemetry.Dispatcher
	Logger          *slog.Logger
}

// TokenGrant is a freshly issued credential, from a login, an OAuth callback or OTP
// verification. Missing fields are filled from the token's claims.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	UserType     domain.UserType
	ExpiresIn    time.Duration
}

// Manager is the single owner of session state for one instance. Build it once and Close it on teardown.
type Manager struct {
	repo      repository.Repository
	coord     *Coordinator
	expiry    *ExpiryHandler
	sync      *Synchronizer
	scheduler *Scheduler
	inspector *security.TokenInspector
	policy    domain.ExpiryPolicy
	lifetime  time.Duration
	events    *telemetry.Dispatcher
	logger    *slog.Logger
	nowF      func() time.Time

	activity atomic.Int64 // epoch ms of the latest UI interaction, 0 when none

	mu    sync.Mutex
	stops []func()
}

// NewManager wires a Manager from cfg.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Policy == (domain.ExpiryPolicy{}) {
		cfg.Policy = domain.DefaultExpiryPolicy()
	}
	if cfg.DefaultLifetime <= 0 {
		cfg.DefaultLifetime = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		repo:      cfg.Repo,
		coord:     cfg.Coordinator,
		expiry:    cfg.Expiry,
		sync:      NewSynchronizer(cfg.Repo, cfg.Bus, cfg.Logger),
		inspector: cfg.Inspector,
		policy:    cfg.Policy,
		lifetime:  cfg.DefaultLifetime,
		events:    cfg.Events,
		logger:    cfg.Logger,
		nowF:      time.Now,
	}
	m.scheduler = NewScheduler(SchedulerConfig{
		Repo:              cfg.Repo,
		Coordinator:       cfg.Coordinator,
		Bus:               cfg.Bus,
		Expiry:            cfg.Expiry,
		Policy:            cfg.Policy,
		InactivityTimeout: cfg.InactivityTimeout,
		RetryInterval:     cfg.RetryInterval,
		Activity:          m.lastUIActivity,
		Logger:            cfg.Logger,
	})
	return m
}

// Establish stores s as the signed-in session and bootstraps the CSRF cookie.
func (m *Manager) Establish(ctx context.Context, s domain.SessionState) error {
	if err := m.repo.Save(ctx, s); err != nil {
		return fmt.Errorf("session: establish: %w", err)
	}
	m.RecordActivity()
	m.expiry.Stop()
	m.coord.bootstrapCSRF(ctx, s.AccessToken)
	m.logger.Info("session: established", "user_id", s.UserID, "user_type", s.UserType,
		"token", security.TokenFingerprint(s.AccessToken), "expires_at", s.ExpiresAtTime())
	m.events.EmitAsync(ctx, &telemetry.Event{
		Type:       telemetry.EventSessionEstablished,
		UserID:     s.UserID,
		Attributes: map[string]string{"user_type": string(s.UserType)},
		Time:       m.nowF().UTC(),
	})
	return nil
}

// EstablishFromToken builds a session from g, reading sub, exp and user_metadata.user_type
// from the access token for anything g leaves empty, and stores it. Without a distinct
// refresh token the access token doubles as the refresh credential.
func (m *Manager) EstablishFromToken(ctx context.Context, g TokenGrant) (*domain.SessionState, error) {
	if g.AccessToken == "" {
		return nil, security.ErrInvalidToken
	}
	s := domain.SessionState{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		UserID:       g.UserID,
		UserType:     g.UserType,
	}
	if s.RefreshToken == "" {
		s.RefreshToken = g.AccessToken
	}
	now := m.nowF()
	if g.ExpiresIn > 0 {
		s.ExpiresAt = domain.ExpiresAtFrom(now, g.ExpiresIn)
	}
	if m.inspector != nil {
		claims, err := m.inspector.Inspect(g.AccessToken)
		switch {
		case err != nil && m.inspector.Verifies():
			return nil, err
		case err != nil:
			m.logger.Debug("session: token claims unreadable, using grant fields only", "error", err)
		default:
			if s.UserID == "" {
				s.UserID = claims.Subject
			}
			if s.UserType == "" {
				if ut, ok := domain.ParseUserType(claims.UserType()); ok {
					s.UserType = ut
				}
			}
			if exp, ok := claims.Expiry(); ok && s.ExpiresAt == 0 {
				s.ExpiresAt = exp.UnixMilli()
			}
		}
	}
	if s.ExpiresAt == 0 {
		s.ExpiresAt = domain.ExpiresAtFrom(now, m.lifetime)
	}
	if _, ok := domain.ParseUserType(string(s.UserType)); !ok {
		return nil, ErrUnknownUserType
	}
	if err := m.Establish(ctx, s); err != nil {
		return nil, err
	}
	return &s, nil
}

// EnsureValidSession returns an access token that is valid for the next request, refreshing
// first when the session is close to expiry. ok is false when the user must sign in again.
// Do not keep the token beyond one request.
func (m *Manager) EnsureValidSession(ctx context.Context) (token string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session: ensure valid session panicked", "panic", r)
			token, ok = "", false
		}
	}()
	cur := m.repo.Get(ctx)
	if cur == nil {
		return "", false
	}
	if !m.policy.NeedsRefresh(cur.ExpiresAt, m.nowF()) {
		return cur.AccessToken, true
	}
	next, err := m.coord.RefreshIfNeeded(ctx)
	switch {
	case err == nil && next != nil:
		return next.AccessToken, true
	case errors.Is(err, ErrTransientNetwork) && next != nil:
		return next.AccessToken, true
	case ctx.Err() != nil:
		m.logger.Debug("session: ensure valid session abandoned", "error", ctx.Err())
		return "", false
	case errors.Is(err, ErrRefreshFailed):
		reason := ReasonRefreshFailed
		if m.policy.IsTokenExpired(cur.ExpiresAt, m.nowF()) {
			reason = ReasonTokenExpired
		}
		m.expiry.Trigger(ctx, reason)
		return "", false
	case err != nil:
		m.logger.Warn("session: ensure valid session", "error", err)
		return "", false
	default:
		return "", false
	}
}

// Current returns a copy of the stored session or nil.
func (m *Manager) Current(ctx context.Context) *domain.SessionState {
	return m.repo.Get(ctx)
}

// CSRFToken returns the stored double-submit token or "".
func (m *Manager) CSRFToken(ctx context.Context) string {
	return m.repo.CSRF(ctx)
}

// RecordActivity notes a UI interaction. It is kept in memory and flushed to the store by the scheduler.
func (m *Manager) RecordActivity() {
	m.activity.Store(m.nowF().UnixMilli())
}

func (m *Manager) lastUIActivity() time.Time {
	ms := m.activity.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Logout clears the session everywhere and runs the expiry hooks with ReasonLoggedOut.
func (m *Manager) Logout(ctx context.Context) {
	if !m.expiry.Trigger(ctx, ReasonLoggedOut) {
		// A redirect is already pending; still make sure nothing is left behind.
		if err := m.repo.Clear(ctx); err != nil {
			m.logger.Error("session: clear on logout failed", "error", err)
		}
	}
}

// Subscribe delivers session changes made by other instances. See Synchronizer.Subscribe.
func (m *Manager) Subscribe(onChange func(*domain.SessionState)) (unsubscribe func()) {
	return m.sync.Subscribe(onChange)
}

// StartAutoRefresh starts the proactive refresh scheduler. The returned stop is also run by Close.
func (m *Manager) StartAutoRefresh(ctx context.Context) (stop func()) {
	stop = m.scheduler.Start(ctx)
	m.mu.Lock()
	m.stops = append(m.stops, stop)
	m.mu.Unlock()
	return stop
}

// Close stops every scheduler started by this manager and cancels a pending redirect.
func (m *Manager) Close() {
	m.mu.Lock()
	stops := m.stops
	m.stops = nil
	m.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	m.expiry.Stop()
}
