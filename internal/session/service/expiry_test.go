package service

import (
	"context"
	"testing"
	"time"

	"github.com/coreidpin/coreidpin-sub004/internal/session/repository"
)

func TestReasonMessage(t *testing.T) {
	seen := map[string]Reason{}
	for _, r := range []Reason{ReasonInactivity, ReasonTokenExpired, ReasonRefreshFailed, ReasonLoggedOut} {
		msg := r.Message()
		if msg == "" {
			t.Errorf("%q has no message", r)
		}
		if other, dup := seen[msg]; dup {
			t.Errorf("%q and %q share a message", r, other)
		}
		seen[msg] = r
	}
}

func newExpiryFixture(t *testing.T, delay time.Duration) (*ExpiryHandler, *repository.KVRepository, *hookRecorder) {
	t.Helper()
	sh := newShared(t)
	repo := repository.NewKVRepository(sh.kv, sh.bus, "tab-a", nil)
	rec := newHookRecorder()
	h := NewExpiryHandler(repo, rec.hooks(), delay, nil, nil, nil)
	t.Cleanup(h.Stop)
	return h, repo, rec
}

func TestTrigger_MessageNowRedirectLater(t *testing.T) {
	ctx := context.Background()
	h, repo, rec := newExpiryFixture(t, 80*time.Millisecond)
	if err := repo.Save(ctx, sessionExpiringIn(time.Hour)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !h.Trigger(ctx, ReasonInactivity) {
		t.Fatal("Trigger = false, want true")
	}
	if repo.Get(ctx) != nil {
		t.Error("session should be cleared before the message")
	}
	if msgs := rec.Messages(); len(msgs) != 1 || msgs[0] != ReasonInactivity {
		t.Errorf("messages = %v", msgs)
	}
	select {
	case <-rec.redirects:
		t.Fatal("redirect fired before the delay")
	default:
	}
	select {
	case r := <-rec.redirects:
		if r != ReasonInactivity {
			t.Errorf("redirect reason = %q", r)
		}
	case <-time.After(time.Second):
		t.Fatal("redirect not fired")
	}
	waitFor(t, "pending reset", func() bool { return !h.Pending() })
}

func TestTrigger_IgnoredWhilePending(t *testing.T) {
	ctx := context.Background()
	h, _, rec := newExpiryFixture(t, 50*time.Millisecond)
	h.Trigger(ctx, ReasonTokenExpired)
	if h.Trigger(ctx, ReasonInactivity) {
		t.Error("second Trigger = true, want false")
	}
	if msgs := rec.Messages(); len(msgs) != 1 {
		t.Errorf("messages = %v, want one", msgs)
	}
	<-rec.redirects
	waitFor(t, "pending reset", func() bool { return !h.Pending() })
	if !h.Trigger(ctx, ReasonLoggedOut) {
		t.Error("Trigger after redirect = false, want true")
	}
}

func TestStop_CancelsRedirect(t *testing.T) {
	h, _, rec := newExpiryFixture(t, 50*time.Millisecond)
	h.Trigger(context.Background(), ReasonLoggedOut)
	h.Stop()
	if h.Pending() {
		t.Error("Pending = true after Stop")
	}
	select {
	case <-rec.redirects:
		t.Error("redirect fired after Stop")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestTrigger_NilHooks(t *testing.T) {
	sh := newShared(t)
	repo := repository.NewKVRepository(sh.kv, sh.bus, "tab-a", nil)
	h := NewExpiryHandler(repo, Hooks{}, time.Millisecond, nil, nil, nil)
	if !h.Trigger(context.Background(), ReasonLoggedOut) {
		t.Error("Trigger = false")
	}
	waitFor(t, "pending reset", func() bool { return !h.Pending() })
}
