package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/coreidpin/coreidpin-sub004/internal/authapi"
	"github.com/coreidpin/coreidpin-sub004/internal/security"
	"github.com/coreidpin/coreidpin-sub004/internal/session/domain"
	"github.com/coreidpin/coreidpin-sub004/internal/session/repository"
	"github.com/coreidpin/coreidpin-sub004/internal/telemetry"
)

// lockRounds bounds how many times a caller waits on another instance's refresh before
// refreshing itself.
const lockRounds = 3

var (
	errNotApplicable = errors.New("session: provider refresh not applicable")
	// errInterrupted marks a refresh abandoned because its caller's context ended. The
	// store is left as it was.
	errInterrupted = errors.New("session: refresh interrupted")
)

// CoordinatorConfig holds the Coordinator's collaborators. Provider, CSRF, Lock, Events and
// Metrics may be nil.
type CoordinatorConfig struct {
	Repo     repository.Repository
	Provider ProviderRefresher
	Fallback FallbackRefresher
	CSRF     CSRFBootstrapper
	Lock     *RefreshLock
	Policy   domain.ExpiryPolicy
	Events   *telemetry.Dispatcher
	Metrics  *telemetry.Instruments
	Logger   *slog.Logger
}

// Coordinator refreshes the stored session through the provider path, then the fallback path.
type Coordinator struct {
	repo     repository.Repository
	provider ProviderRefresher
	fallback FallbackRefresher
	csrf     CSRFBootstrapper
	lock     *RefreshLock
	policy   domain.ExpiryPolicy
	events   *telemetry.Dispatcher
	metrics  *telemetry.Instruments
	logger   *slog.Logger
	nowF     func() time.Time
	group    singleflight.Group
}

// NewCoordinator returns a Coordinator. A zero Policy means domain.DefaultExpiryPolicy.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Policy == (domain.ExpiryPolicy{}) {
		cfg.Policy = domain.DefaultExpiryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		repo:     cfg.Repo,
		provider: cfg.Provider,
		fallback: cfg.Fallback,
		csrf:     cfg.CSRF,
		lock:     cfg.Lock,
		policy:   cfg.Policy,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		nowF:     time.Now,
	}
}

// RefreshIfNeeded returns the current session, refreshing it first when it is within the refresh
// threshold. It returns (nil, nil) when there is no session. Concurrent callers in this process
// share one refresh.
//
// On failure of both paths the store is cleared and ErrRefreshFailed is returned, except when
// the last failure was a transport failure and the current token is not yet expired: then the
// session is kept and returned together with ErrTransientNetwork.
//
// When ctx ends mid-refresh the session is kept and the context error is returned. A caller
// whose context is still live never sees another caller's cancellation: it starts its own
// refresh instead.
func (c *Coordinator) RefreshIfNeeded(ctx context.Context) (*domain.SessionState, error) {
	for {
		cur := c.repo.Get(ctx)
		if cur == nil {
			return nil, nil
		}
		if !c.policy.NeedsRefresh(cur.ExpiresAt, c.nowF()) {
			return cur, nil
		}
		v, err, _ := c.group.Do("refresh", func() (any, error) {
			return c.refresh(ctx)
		})
		if errors.Is(err, errInterrupted) {
			if ctx.Err() == nil {
				continue
			}
			return cur, ctx.Err()
		}
		s, _ := v.(*domain.SessionState)
		if s != nil {
			cp := *s
			s = &cp
		}
		return s, err
	}
}

func (c *Coordinator) refresh(ctx context.Context) (*domain.SessionState, error) {
	cur, release, done, err := c.awaitTurn(ctx)
	if err != nil || done {
		return cur, err
	}
	defer release()

	start := c.nowF()
	ctx, span := c.metrics.StartSpan(ctx, "session.refresh",
		attribute.String("user_id", cur.UserID),
		attribute.Bool("distinct_refresh_token", cur.HasDistinctRefreshToken()),
	)
	defer span.End()

	path := "primary"
	next, perr := c.refreshPrimary(ctx, cur)
	if perr != nil {
		if !errors.Is(perr, errNotApplicable) {
			c.logger.Warn("session: provider refresh failed, trying fallback",
				"user_id", cur.UserID, "kind", authapi.KindOf(perr), "error", perr)
			c.metrics.RecordRefresh(ctx, "primary", "error")
		}
		if ctx.Err() != nil {
			return c.interrupted(ctx, cur)
		}
		path = "fallback"
		var ferr error
		next, ferr = c.refreshFallback(ctx, cur)
		if ferr != nil {
			c.metrics.RecordRefresh(ctx, "fallback", "error")
			span.SetStatus(codes.Error, "refresh failed")
			return c.fail(ctx, cur, start, perr, ferr)
		}
	}
	c.metrics.RecordRefresh(ctx, path, "ok")
	c.metrics.RecordRefreshDuration(ctx, c.nowF().Sub(start).Seconds(), "ok")
	span.SetAttributes(attribute.String("path", path))

	if err := c.repo.SaveRefreshed(ctx, *next); err != nil {
		// The new token is still usable by this caller; other instances catch up on their own refresh.
		c.logger.Error("session: persist refreshed session failed", "user_id", next.UserID, "error", err)
	}
	c.bootstrapCSRF(ctx, next.AccessToken)
	c.logger.Info("session: refreshed", "user_id", next.UserID, "path", path,
		"token", security.TokenFingerprint(next.AccessToken), "expires_at", next.ExpiresAtTime())
	c.events.EmitAsync(ctx, &telemetry.Event{
		Type:       telemetry.EventSessionRefreshed,
		UserID:     next.UserID,
		Attributes: map[string]string{"path": path, "token": security.TokenFingerprint(next.AccessToken)},
		Time:       c.nowF().UTC(),
	})
	return next, nil
}

// awaitTurn re-reads the store and, when a lock is configured, waits for any other instance
// that is already refreshing. done is true when the caller should return cur as is. The
// returned release is never nil.
func (c *Coordinator) awaitTurn(ctx context.Context) (cur *domain.SessionState, release func(), done bool, err error) {
	noop := func() {}
	for round := 0; ; round++ {
		cur = c.repo.Get(ctx)
		if cur == nil {
			return nil, noop, true, nil
		}
		if !c.policy.NeedsRefresh(cur.ExpiresAt, c.nowF()) {
			return cur, noop, true, nil
		}
		if c.lock == nil || round == lockRounds {
			return cur, noop, false, nil
		}
		rel, acquired, err := c.lock.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, noop, true, fmt.Errorf("%w: %w", errInterrupted, ctx.Err())
			}
			c.logger.Warn("session: refresh lock unavailable, refreshing without it", "error", err)
			return cur, noop, false, nil
		}
		if !acquired {
			continue
		}
		// Another instance may have finished between our read and the acquire.
		cur = c.repo.Get(ctx)
		if cur == nil || !c.policy.NeedsRefresh(cur.ExpiresAt, c.nowF()) {
			rel()
			return cur, noop, true, nil
		}
		return cur, rel, false, nil
	}
}

func (c *Coordinator) refreshPrimary(ctx context.Context, cur *domain.SessionState) (*domain.SessionState, error) {
	if c.provider == nil || !cur.HasDistinctRefreshToken() {
		return nil, errNotApplicable
	}
	tok, err := c.provider.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		return nil, err
	}
	return &domain.SessionState{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		UserID:       cur.UserID,
		UserType:     cur.UserType,
		ExpiresAt:    domain.ExpiresAtFrom(c.nowF(), tok.ExpiresIn),
	}, nil
}

func (c *Coordinator) refreshFallback(ctx context.Context, cur *domain.SessionState) (*domain.SessionState, error) {
	resp, err := c.fallback.Refresh(ctx, cur.AccessToken)
	if err != nil {
		return nil, err
	}
	next := &domain.SessionState{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.AccessToken,
		UserID:       cur.UserID,
		UserType:     cur.UserType,
		ExpiresAt:    domain.ExpiresAtFrom(c.nowF(), resp.Lifetime()),
	}
	if cur.HasDistinctRefreshToken() {
		next.RefreshToken = cur.RefreshToken
	}
	if resp.User != nil && resp.User.ID != "" {
		next.UserID = resp.User.ID
	}
	return next, nil
}

// fail decides between keeping the session (transient, token still usable) and clearing it.
func (c *Coordinator) fail(ctx context.Context, cur *domain.SessionState, start time.Time, perr, ferr error) (*domain.SessionState, error) {
	c.metrics.RecordRefreshDuration(ctx, c.nowF().Sub(start).Seconds(), "error")
	if ctx.Err() != nil {
		return c.interrupted(ctx, cur)
	}
	if authapi.IsTransient(ferr) && !c.policy.IsTokenExpired(cur.ExpiresAt, c.nowF()) {
		c.logger.Warn("session: refresh did not complete, keeping current token",
			"user_id", cur.UserID, "expires_at", cur.ExpiresAtTime(), "error", ferr)
		c.events.EmitAsync(ctx, &telemetry.Event{
			Type: telemetry.EventRefreshDeferred, UserID: cur.UserID, Reason: string(authapi.KindTransport), Time: c.nowF().UTC(),
		})
		return cur, fmt.Errorf("%w: %w", ErrTransientNetwork, ferr)
	}
	c.logger.Warn("session: refresh failed on both paths, clearing session",
		"user_id", cur.UserID, "fallback_kind", authapi.KindOf(ferr), "error", ferr)
	if err := c.repo.Clear(ctx); err != nil {
		c.logger.Error("session: clear after failed refresh", "error", err)
	}
	c.events.EmitAsync(ctx, &telemetry.Event{
		Type: telemetry.EventRefreshFailed, UserID: cur.UserID, Reason: string(authapi.KindOf(ferr)), Time: c.nowF().UTC(),
	})
	if errors.Is(perr, errNotApplicable) {
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, ferr)
	}
	return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, errors.Join(perr, ferr))
}

func (c *Coordinator) interrupted(ctx context.Context, cur *domain.SessionState) (*domain.SessionState, error) {
	c.logger.Debug("session: refresh interrupted, keeping current token", "user_id", cur.UserID, "error", ctx.Err())
	return cur, fmt.Errorf("%w: %w", errInterrupted, ctx.Err())
}

// bootstrapCSRF is best-effort; a missing CSRF token only affects cookie-authenticated calls.
func (c *Coordinator) bootstrapCSRF(ctx context.Context, token string) {
	if c.csrf == nil {
		return
	}
	csrf, err := c.csrf.BootstrapSessionCookie(ctx, token)
	if err != nil {
		c.logger.Warn("session: csrf bootstrap failed", "kind", authapi.KindOf(err), "error", err)
		return
	}
	if err := c.repo.SaveCSRF(ctx, csrf); err != nil {
		c.logger.Warn("session: persist csrf token failed", "error", err)
	}
}
