package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coreidpin/coreidpin-sub004/internal/session/domain"
	"github.com/coreidpin/coreidpin-sub004/internal/session/repository"
	"github.com/coreidpin/coreidpin-sub004/internal/storage"
)

const (
	defaultInactivityTimeout = 30 * time.Minute
	defaultRetryInterval     = time.Minute
)

// SchedulerConfig configures a Scheduler. Activity returns the latest in-memory UI activity
// (zero when none); the scheduler flushes it to the store.
type SchedulerConfig struct {
	Repo              repository.Repository
	Coordinator       *Coordinator
	Bus               storage.Bus
	Expiry            *ExpiryHandler
	Policy            domain.ExpiryPolicy
	InactivityTimeout time.Duration
	RetryInterval     time.Duration
	Activity          func() time.Time
	Logger            *slog.Logger
}

// Scheduler keeps one timer armed at the earlier of the refresh due time and the inactivity
// deadline, and re-evaluates whenever the bus reports a session change.
type Scheduler struct {
	repo       repository.Repository
	coord      *Coordinator
	bus        storage.Bus
	expiry     *ExpiryHandler
	policy     domain.ExpiryPolicy
	inactivity time.Duration
	retry      time.Duration
	activity   func() time.Time
	logger     *slog.Logger
	nowF       func() time.Time
}

// NewScheduler returns a Scheduler with defaults for zero durations and policy.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Policy == (domain.ExpiryPolicy{}) {
		cfg.Policy = domain.DefaultExpiryPolicy()
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = defaultInactivityTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.Activity == nil {
		cfg.Activity = func() time.Time { return time.Time{} }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		repo:       cfg.Repo,
		coord:      cfg.Coordinator,
		bus:        cfg.Bus,
		expiry:     cfg.Expiry,
		policy:     cfg.Policy,
		inactivity: cfg.InactivityTimeout,
		retry:      cfg.RetryInterval,
		activity:   cfg.Activity,
		logger:     cfg.Logger,
		nowF:       time.Now,
	}
}

// Start evaluates the session immediately and then on every timer fire or bus change until
// stop is called or ctx is done. stop waits for an in-progress evaluation to finish.
func (s *Scheduler) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	wake := make(chan struct{}, 1)
	unsub := func() {}
	if s.bus != nil {
		unsub = s.bus.Subscribe(domain.OwnedKeys(), func(storage.Change) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
	}
	done := make(chan struct{})
	go s.run(ctx, wake, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			cancel()
			<-done
		})
	}
}

func (s *Scheduler) run(ctx context.Context, wake <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		if next := s.evaluate(ctx); next >= 0 {
			timer.Reset(next)
		} else {
			timer.Stop()
		}
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-timer.C:
		}
	}
}

// evaluate runs one check and returns how long to sleep; a negative value means wait for
// the next bus change.
func (s *Scheduler) evaluate(ctx context.Context) time.Duration {
	if ctx.Err() != nil {
		return -1
	}
	cur := s.repo.Get(ctx)
	if cur == nil {
		return -1
	}
	now := s.nowF()
	stored, hasStored := s.repo.LastActivity(ctx)
	last := stored
	if mem := s.activity(); mem.After(last) {
		last = mem
	}
	if last.IsZero() {
		last = now
	}
	if now.Sub(last) >= s.inactivity {
		s.expiry.Trigger(ctx, ReasonInactivity)
		return -1
	}

	refreshed := false
	if s.policy.NeedsRefresh(cur.ExpiresAt, now) {
		refreshed = true
		next, err := s.coord.RefreshIfNeeded(ctx)
		switch {
		case ctx.Err() != nil:
			return -1
		case errors.Is(err, ErrRefreshFailed):
			reason := ReasonRefreshFailed
			if s.policy.IsTokenExpired(cur.ExpiresAt, s.nowF()) {
				reason = ReasonTokenExpired
			}
			s.expiry.Trigger(ctx, reason)
			return -1
		case err != nil:
			if s.policy.IsTokenExpired(cur.ExpiresAt, s.nowF()) {
				s.expiry.Trigger(ctx, ReasonTokenExpired)
				return -1
			}
			s.logger.Warn("session: scheduled refresh failed, will retry", "retry_in", s.retry, "error", err)
			return s.retryDelay(cur)
		case next == nil:
			return -1
		}
		cur = next
	}

	// Flush UI activity so every instance sees one lastActivity; skip when nothing is newer
	// to avoid waking ourselves with our own write.
	if mem := s.activity(); !mem.IsZero() && (!hasStored || mem.After(stored)) {
		if err := s.repo.TouchActivity(ctx, mem); err != nil {
			s.logger.Warn("session: flush activity failed", "error", err)
		}
	}

	now = s.nowF()
	next := s.policy.RefreshDueAt(cur.ExpiresAt).Sub(now)
	if idle := last.Add(s.inactivity).Sub(now); idle < next {
		next = idle
	}
	if refreshed && next <= 0 {
		// The new token is already inside the threshold; do not spin.
		return s.retryDelay(cur)
	}
	if next < 0 {
		next = 0
	}
	return next
}

// retryDelay is the retry interval, shortened so the next attempt happens before the token
// crosses its expiry buffer.
func (s *Scheduler) retryDelay(cur *domain.SessionState) time.Duration {
	d := s.retry
	untilExpired := time.UnixMilli(cur.ExpiresAt - s.policy.Buffer.Milliseconds()).Sub(s.nowF())
	if untilExpired > 0 && untilExpired < d {
		d = untilExpired
	}
	return d
}
