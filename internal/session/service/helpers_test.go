package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coreidpin/coreidpin-sub004/internal/authapi"
	"github.com/coreidpin/coreidpin-sub004/internal/session/domain"
	"github.com/coreidpin/coreidpin-sub004/internal/session/repository"
	"github.com/coreidpin/coreidpin-sub004/internal/storage/memory"
)

type fakeFallback struct {
	mu    sync.Mutex
	calls int
	token string
	user  string
	err   error
	delay time.Duration
	// The first hang calls block until their context ends, like a server that never answers.
	hang    int
	started chan struct{}
}

func (f *fakeFallback) Refresh(ctx context.Context, accessToken string) (*authapi.RefreshResponse, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if n <= f.hang {
		<-ctx.Done()
		return nil, &authapi.TransportError{Op: "POST /refresh", Err: ctx.Err()}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	tok := f.token
	if tok == "" {
		tok = "fallback-token-" + string(rune('0'+n))
	}
	resp := &authapi.RefreshResponse{AccessToken: tok, ExpiresIn: 3600}
	if f.user != "" {
		resp.User = &authapi.User{ID: f.user}
	}
	return resp, nil
}

func (f *fakeFallback) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*authapi.ProviderToken, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &authapi.ProviderToken{AccessToken: "provider-access", RefreshToken: "provider-refresh", ExpiresIn: time.Hour}, nil
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCSRF struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeCSRF) BootstrapSessionCookie(ctx context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "csrf-for-" + token, nil
}

type hookRecorder struct {
	mu        sync.Mutex
	messages  []Reason
	redirects chan Reason
}

func newHookRecorder() *hookRecorder {
	return &hookRecorder{redirects: make(chan Reason, 8)}
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		OnMessage: func(r Reason, _ string) {
			h.mu.Lock()
			h.messages = append(h.messages, r)
			h.mu.Unlock()
		},
		OnRedirect: func(r Reason) { h.redirects <- r },
	}
}

func (h *hookRecorder) Messages() []Reason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Reason(nil), h.messages...)
}

// shared is the store and bus several instances ("tabs") have in common.
type shared struct {
	kv  *memory.Store
	bus *memory.Bus
}

func newShared(t *testing.T) *shared {
	t.Helper()
	s := &shared{kv: memory.NewStore(), bus: memory.NewBus()}
	t.Cleanup(func() {
		_ = s.bus.Close()
		_ = s.kv.Close()
	})
	return s
}

// instance is one fully wired session stack over a shared store.
type instance struct {
	repo     *repository.KVRepository
	coord    *Coordinator
	expiry   *ExpiryHandler
	manager  *Manager
	fallback *fakeFallback
	provider *fakeProvider
	csrf     *fakeCSRF
	hooks    *hookRecorder
}

type instanceOpts struct {
	withProvider bool
	withLock     bool
	inactivity   time.Duration
	retry        time.Duration
	redirect     time.Duration
}

func newInstance(t *testing.T, sh *shared, origin string, opts instanceOpts) *instance {
	t.Helper()
	in := &instance{
		repo:     repository.NewKVRepository(sh.kv, sh.bus, origin, nil),
		fallback: &fakeFallback{},
		provider: &fakeProvider{},
		csrf:     &fakeCSRF{},
		hooks:    newHookRecorder(),
	}
	cfg := CoordinatorConfig{Repo: in.repo, Fallback: in.fallback, CSRF: in.csrf}
	if opts.withProvider {
		cfg.Provider = in.provider
	}
	if opts.withLock {
		cfg.Lock = NewRefreshLock(sh.kv, sh.bus, origin, time.Second, nil)
	}
	in.coord = NewCoordinator(cfg)
	redirect := opts.redirect
	if redirect == 0 {
		redirect = 20 * time.Millisecond
	}
	in.expiry = NewExpiryHandler(in.repo, in.hooks.hooks(), redirect, nil, nil, nil)
	in.manager = NewManager(ManagerConfig{
		Repo:              in.repo,
		Bus:               sh.bus,
		Coordinator:       in.coord,
		Expiry:            in.expiry,
		InactivityTimeout: opts.inactivity,
		RetryInterval:     opts.retry,
	})
	t.Cleanup(in.manager.Close)
	return in
}

func sessionExpiringIn(d time.Duration) domain.SessionState {
	return domain.SessionState{
		AccessToken:  "access-0",
		RefreshToken: "refresh-0",
		UserID:       "user-1",
		UserType:     domain.UserTypeProfessional,
		ExpiresAt:    time.Now().Add(d).UnixMilli(),
	}
}

// otpSessionExpiringIn has no distinct refresh credential.
func otpSessionExpiringIn(d time.Duration) domain.SessionState {
	s := sessionExpiringIn(d)
	s.RefreshToken = s.AccessToken
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
