package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coreidpin/coreidpin-sub004/internal/session/repository"
	"github.com/coreidpin/coreidpin-sub004/internal/telemetry"
)

// Reason says why a session ended. It selects the message shown before the redirect.
type Reason string

const (
	ReasonInactivity    Reason = "inactivity"
	ReasonTokenExpired  Reason = "token_expired"
	ReasonRefreshFailed Reason = "refresh_failed"
	ReasonLoggedOut     Reason = "logged_out"
)

// Message returns the user-facing text for r.
func (r Reason) Message() string {
	switch r {
	case ReasonInactivity:
		return "You were signed out after a period of inactivity. Please sign in again."
	case ReasonTokenExpired:
		return "Your session has expired. Please sign in again."
	case ReasonRefreshFailed:
		return "We couldn't keep you signed in. Please sign in again."
	case ReasonLoggedOut:
		return "You have been signed out."
	default:
		return "Your session has ended. Please sign in again."
	}
}

// Hooks connect session endings to the UI. Both are optional.
type Hooks struct {
	// OnMessage is called immediately with the reason-specific message.
	OnMessage func(reason Reason, message string)
	// OnRedirect is called after the redirect delay, typically to navigate to sign-in.
	OnRedirect func(reason Reason)
}

const defaultRedirectDelay = 2 * time.Second

// ExpiryHandler ends a session: clears the store, shows the message right away and redirects
// after a delay. Triggers while a redirect is pending are ignored.
type ExpiryHandler struct {
	repo    repository.Repository
	hooks   Hooks
	delay   time.Duration
	events  *telemetry.Dispatcher
	metrics *telemetry.Instruments
	logger  *slog.Logger

	mu      sync.Mutex
	pending bool
	timer   *time.Timer
}

// NewExpiryHandler returns a handler. A non-positive delay means 2s.
func NewExpiryHandler(repo repository.Repository, hooks Hooks, delay time.Duration, events *telemetry.Dispatcher, metrics *telemetry.Instruments, logger *slog.Logger) *ExpiryHandler {
	if delay <= 0 {
		delay = defaultRedirectDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpiryHandler{repo: repo, hooks: hooks, delay: delay, events: events, metrics: metrics, logger: logger}
}

// Trigger ends the session for reason. It returns false when a redirect is already pending.
func (h *ExpiryHandler) Trigger(ctx context.Context, reason Reason) bool {
	h.mu.Lock()
	if h.pending {
		h.mu.Unlock()
		h.logger.Debug("session: expiry already pending, ignoring", "reason", reason)
		return false
	}
	h.pending = true
	h.mu.Unlock()

	if err := h.repo.Clear(ctx); err != nil {
		h.logger.Error("session: clear on expiry failed", "reason", reason, "error", err)
	}
	h.logger.Info("session: ended", "reason", reason)
	h.metrics.RecordLogout(ctx, string(reason))
	h.events.EmitAsync(ctx, &telemetry.Event{Type: telemetry.EventForcedLogout, Reason: string(reason), Time: time.Now().UTC()})

	if h.hooks.OnMessage != nil {
		h.hooks.OnMessage(reason, reason.Message())
	}
	h.mu.Lock()
	h.timer = time.AfterFunc(h.delay, func() {
		if h.hooks.OnRedirect != nil {
			h.hooks.OnRedirect(reason)
		}
		h.mu.Lock()
		h.pending = false
		h.timer = nil
		h.mu.Unlock()
	})
	h.mu.Unlock()
	return true
}

// Pending reports whether a redirect is scheduled.
func (h *ExpiryHandler) Pending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending
}

// Stop cancels a pending redirect.
func (h *ExpiryHandler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil && h.timer.Stop() {
		h.pending = false
	}
	h.timer = nil
}
