package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coreidpin/coreidpin-sub004/internal/authapi"
	"github.com/coreidpin/coreidpin-sub004/internal/session/domain"
)

func TestRefreshIfNeeded_NoSession(t *testing.T) {
	in := newInstance(t, newShared(t), "tab-a", instanceOpts{withProvider: true})
	s, err := in.coord.RefreshIfNeeded(context.Background())
	if s != nil || err != nil {
		t.Errorf("RefreshIfNeeded = %+v, %v; want nil, nil", s, err)
	}
	if in.fallback.Calls()+in.provider.Calls() != 0 {
		t.Error("no network call expected without a session")
	}
}

func TestRefreshIfNeeded_FreshTokenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	in := newInstance(t, newShared(t), "tab-a", instanceOpts{withProvider: true})
	want := sessionExpiringIn(time.Hour)
	if err := in.repo.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	for i := 0; i < 2; i++ {
		got, err := in.coord.RefreshIfNeeded(ctx)
		if err != nil {
			t.Fatalf("RefreshIfNeeded #%d: %v", i, err)
		}
		if got == nil || *got != want {
			t.Errorf("RefreshIfNeeded #%d = %+v, want %+v", i, got, want)
		}
	}
	if in.fallback.Calls()+in.provider.Calls() != 0 {
		t.Errorf("network calls = %d, want 0", in.fallback.Calls()+in.provider.Calls())
	}
}

func TestRefreshIfNeeded_PrimarySuccessSkipsFallback(t *testing.T) {
	ctx := context.Background()
	in := newInstance(t, newShared(t), "tab-a", instanceOpts{withProvider: true})
	if err := in.repo.Save(ctx, sessionExpiringIn(2*time.Minute)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := in.coord.RefreshIfNeeded(ctx)
	if err != nil {
		t.Fatalf("RefreshIfNeeded: %v", err)
	}
	if got.AccessToken != "provider-access" || got.RefreshToken != "provider-refresh" {
		t.Errorf("tokens = %q/%q", got.AccessToken, got.RefreshToken)
	}
	if in.provider.Calls() != 1 || in.fallback.Calls() != 0 {
		t.Errorf("provider calls = %d, fallback calls = %d; want 1, 0", in.provider.Calls(), in.fallback.Calls())
	}
	stored := in.repo.Get(ctx)
	if stored == nil || *stored != *got {
		t.Errorf("stored = %+v, want %+v", stored, got)
	}
	if time.Until(stored.ExpiresAtTime()) < 59*time.Minute {
		t.Errorf("ExpiresAt = %v, want about now+1h", stored.ExpiresAtTime())
	}
	if in.repo.CSRF(ctx) != "csrf-for-provider-access" {
		t.Errorf("CSRF = %q, want bootstrap after refresh", in.repo.CSRF(ctx))
	}
}

func TestRefreshIfNeeded_PrimaryErrorMakesExactlyOneFallbackCall(t *testing.T) {
	ctx := context.Background()
	in := newInstance(t, newShared(t), "tab-a", instanceOpts{withProvider: true})
	in.provider.err = &authapi.APIError{Status: 400, Kind: authapi.KindUnauthorized}
	if err := in.repo.Save(ctx, sessionExpiringIn(2*time.Minute)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := in.coord.RefreshIfNeeded(ctx)
	if err != nil {
		t.Fatalf("RefreshIfNeeded: %v", err)
	}
	if in.provider.Calls() != 1 || in.fallback.Calls() != 1 {
		t.Errorf("provider calls = %d, fallback calls = %d; want 1, 1", in.provider.Calls(), in.fallback.Calls())
	}
	if got.AccessToken != "fallback-token-1" {
		t.Errorf("AccessToken = %q", got.AccessToken)
	}
	if got.RefreshToken != "refresh-0" {
		t.Errorf("RefreshToken = %q, want the distinct refresh token kept", got.RefreshToken)
	}
}

func TestRefreshIfNeeded_OTPSessionUsesFallbackOnly(t *testing.T) {
	ctx := context.Background()
	in := newInstance(t, newShared(t), "tab-a", instanceOpts{withProvider: true})
	in.fallback.user = "user-from-api"
	if err := in.repo.Save(ctx, otpSessionExpiringIn(2*time.Minute)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := in.coord.RefreshIfNeeded(ctx)
	if err != nil {
		t.Fatalf("RefreshIfNeeded: %v", err)
	}
	if in.provider.Calls() != 0 {
		t.Errorf("provider calls = %d, want 0", in.provider.Calls())
	}
	if got.RefreshToken != got.AccessToken {
		t.Errorf("RefreshToken = %q, want it equal to AccessToken %q", got.RefreshToken, got.AccessToken)
	}
	if got.UserID != "user-from-api" {
		t.Errorf("UserID = %q, want user-from-api", got.UserID)
	}
}

func TestRefreshIfNeeded_BothFailClearsStore(t *testing.T) {
	ctx := context.Background()
	in := newInstance(t, newShared(t), "tab-a", instanceOpts{withProvider: true})
	in.provider.err = &authapi.APIError{Status: 400, Kind: authapi.KindUnauthorized}
	in.fallback.err = &authapi.APIError{Status: 401, Kind: authapi.KindUnauthorized}
	if err := in.repo.Save(ctx, sessionExpiringIn(2*time.Minute)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := in.coord.RefreshIfNeeded(ctx)
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("err = %v, want ErrRefreshFailed", err)
	}
	if got != nil {
		t.Errorf("state = %+v, want nil", got)
	}
	if in.repo.Get(ctx) != nil {
		t.Error("store should be cleared")
	}
	if in.fallback.Calls() != 1 {
		t.Errorf("fallback calls = %d, want 1", in.fallback.Calls())
	}
}

func TestRefreshIfNeeded_TransientFailureKeepsUsableSession(t *testing.T) {
	ctx := context.Background()
	in := newInstance(t, newShared(t), "tab-a", instanceOpts{})
	in.fallback.err = &authapi.TransportError{Op: "POST /refresh", Err: errors.New("connection refused")}
	want := otpSessionExpiringIn(3 * time.Minute)
	if err := in.repo.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := in.coord.RefreshIfNeeded(ctx)
	if !errors.Is(err, ErrTransientNetwork) {
		t.Fatalf("err = %v, want ErrTransientNetwork", err)
	}
	if got == nil || *got != want {
		t.Errorf("state = %+v, want current session", got)
	}
	if stored := in.repo.Get(ctx); stored == nil || *stored != want {
		t.Errorf("stored = %+v, want session kept", stored)
	}
}

func TestRefreshIfNeeded_TransientFailurePastExpiryClears(t *testing.T) {
	ctx := context.Background()
	in := newInstance(t, newShared(t), "tab-a", instanceOpts{})
	in.fallback.err = &authapi.TransportError{Op: "POST /refresh", Err: errors.New("timeout")}
	if err := in.repo.Save(ctx, otpSessionExpiringIn(30*time.Second)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := in.coord.RefreshIfNeeded(ctx); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("err = %v, want ErrRefreshFailed", err)
	}
	if in.repo.Get(ctx) != nil {
		t.Error("store should be cleared once the token is past its expiry buffer")
	}
}

func TestRefreshIfNeeded_CancelledCallerKeepsSession(t *testing.T) {
	in := newInstance(t, newShared(t), "tab-a", instanceOpts{})
	in.fallback.hang = 1
	in.fallback.started = make(chan struct{}, 1)
	want := otpSessionExpiringIn(30 * time.Second)
	if err := in.repo.Save(context.Background(), want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		s   *domain.SessionState
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := in.coord.RefreshIfNeeded(ctx)
		done <- result{s, err}
	}()
	<-in.fallback.started
	cancel()

	res := <-done
	if !errors.Is(res.err, context.Canceled) || errors.Is(res.err, ErrRefreshFailed) {
		t.Fatalf("err = %v, want context.Canceled", res.err)
	}
	if res.s == nil || *res.s != want {
		t.Errorf("state = %+v, want current session", res.s)
	}
	if stored := in.repo.Get(context.Background()); stored == nil || *stored != want {
		t.Errorf("stored = %+v, want session kept", stored)
	}
}

func TestRefreshIfNeeded_OtherCallerCancellationDoesNotFailLiveCaller(t *testing.T) {
	in := newInstance(t, newShared(t), "tab-a", instanceOpts{})
	in.fallback.hang = 1
	in.fallback.started = make(chan struct{}, 2)
	if err := in.repo.Save(context.Background(), otpSessionExpiringIn(30*time.Second)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := in.coord.RefreshIfNeeded(leaderCtx)
		leaderDone <- err
	}()
	<-in.fallback.started

	type result struct {
		s   *domain.SessionState
		err error
	}
	liveDone := make(chan result, 1)
	go func() {
		s, err := in.coord.RefreshIfNeeded(context.Background())
		liveDone <- result{s, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-leaderDone; !errors.Is(err, context.Canceled) {
		t.Errorf("leader err = %v, want context.Canceled", err)
	}
	res := <-liveDone
	if res.err != nil || res.s == nil || res.s.AccessToken != "fallback-token-2" {
		t.Fatalf("live caller = %+v, %v; want fallback-token-2", res.s, res.err)
	}
	if stored := in.repo.Get(context.Background()); stored == nil || stored.AccessToken != "fallback-token-2" {
		t.Errorf("stored = %+v, want refreshed session", stored)
	}
	if in.fallback.Calls() != 2 {
		t.Errorf("fallback calls = %d, want 2", in.fallback.Calls())
	}
}

func TestRefreshIfNeeded_ConcurrentCallersShareOneRefresh(t *testing.T) {
	ctx := context.Background()
	in := newInstance(t, newShared(t), "tab-a", instanceOpts{})
	in.fallback.delay = 30 * time.Millisecond
	if err := in.repo.Save(ctx, otpSessionExpiringIn(2*time.Minute)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := in.coord.RefreshIfNeeded(ctx)
			if err != nil || s == nil {
				t.Errorf("RefreshIfNeeded: %+v, %v", s, err)
				return
			}
			tokens[i] = s.AccessToken
		}(i)
	}
	wg.Wait()
	if in.fallback.Calls() != 1 {
		t.Errorf("fallback calls = %d, want 1", in.fallback.Calls())
	}
	for i, tok := range tokens {
		if tok != "fallback-token-1" {
			t.Errorf("caller %d token = %q", i, tok)
		}
	}
}

func TestRefreshIfNeeded_LockDedupesAcrossInstances(t *testing.T) {
	ctx := context.Background()
	sh := newShared(t)
	a := newInstance(t, sh, "tab-a", instanceOpts{withLock: true})
	b := newInstance(t, sh, "tab-b", instanceOpts{withLock: true})
	a.fallback.delay = 50 * time.Millisecond
	b.fallback.delay = 50 * time.Millisecond
	if err := a.repo.Save(ctx, otpSessionExpiringIn(2*time.Minute)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var wg sync.WaitGroup
	for _, in := range []*instance{a, b} {
		wg.Add(1)
		go func(in *instance) {
			defer wg.Done()
			if s, err := in.coord.RefreshIfNeeded(ctx); err != nil || s == nil {
				t.Errorf("RefreshIfNeeded: %+v, %v", s, err)
			}
		}(in)
	}
	wg.Wait()
	if total := a.fallback.Calls() + b.fallback.Calls(); total != 1 {
		t.Errorf("refresh calls across instances = %d, want 1", total)
	}
	if v, ok, _ := sh.kv.Get(ctx, "refreshLock"); ok {
		t.Errorf("lock left behind: %q", v)
	}
}
