package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coreidpin/coreidpin-sub004/internal/session/domain"
	"github.com/coreidpin/coreidpin-sub004/internal/storage"
)

const (
	defaultLockTTL = 15 * time.Second
	minLockWait    = 10 * time.Millisecond
)

// RefreshLock is an advisory lease in the shared store that lets one instance refresh while
// the others wait for the result on the change bus. The value is "owner|expiresMs"; an
// expired lease may be taken over. It reduces duplicate refreshes but does not exclude them.
type RefreshLock struct {
	kv     storage.KV
	bus    storage.Bus
	origin string
	ttl    time.Duration
	nowF   func() time.Time
	logger *slog.Logger
}

// NewRefreshLock returns a lock stored under domain.KeyRefreshLock. bus may be nil, in which
// case waiters only wake when the lease runs out.
func NewRefreshLock(kv storage.KV, bus storage.Bus, origin string, ttl time.Duration, logger *slog.Logger) *RefreshLock {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshLock{kv: kv, bus: bus, origin: origin, ttl: ttl, nowF: time.Now, logger: logger}
}

type lease struct {
	owner   string
	expires time.Time
}

func parseLease(v string) (lease, bool) {
	owner, ms, ok := strings.Cut(v, "|")
	if !ok || owner == "" {
		return lease{}, false
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return lease{}, false
	}
	return lease{owner: owner, expires: time.UnixMilli(n)}, true
}

func (l lease) String() string {
	return fmt.Sprintf("%s|%d", l.owner, l.expires.UnixMilli())
}

// Acquire tries to take the lease. When another owner holds a live lease, Acquire blocks until
// the session keys or the lease change on the bus, the lease expires, or ctx is done, and then
// returns acquired=false so the caller re-reads the store before trying again.
func (l *RefreshLock) Acquire(ctx context.Context) (release func(), acquired bool, err error) {
	wake := make(chan struct{}, 1)
	unsub := func() {}
	if l.bus != nil {
		// Subscribe before reading so a release between read and wait is not missed.
		unsub = l.bus.Subscribe([]string{domain.KeyAccessToken, domain.KeyExpiresAt, domain.KeyRefreshLock}, func(c storage.Change) {
			if c.Origin == l.origin {
				return
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		})
	}
	defer unsub()

	now := l.nowF()
	mine := lease{owner: l.origin + ":" + uuid.NewString(), expires: now.Add(l.ttl)}
	cur, present, err := l.kv.Get(ctx, domain.KeyRefreshLock)
	if err != nil {
		return nil, false, err
	}
	prev := ""
	if present {
		held, ok := parseLease(cur)
		if ok && held.expires.After(now) {
			wait := held.expires.Sub(now)
			if wait > l.ttl {
				wait = l.ttl
			}
			if wait < minLockWait {
				wait = minLockWait
			}
			l.logger.Debug("session: refresh lock held elsewhere, waiting", "holder", held.owner, "wait", wait)
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-wake:
			case <-t.C:
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
			return nil, false, nil
		}
		prev = cur // expired or garbage lease: take it over
	}
	ok, err := l.kv.CompareAndSwap(ctx, domain.KeyRefreshLock, prev, mine.String())
	if err != nil || !ok {
		return nil, false, err
	}
	l.publish(ctx, storage.Change{Key: domain.KeyRefreshLock, Value: mine.String(), Origin: l.origin})
	return func() { l.release(mine) }, true, nil
}

func (l *RefreshLock) release(mine lease) {
	ctx := context.Background()
	ok, err := l.kv.CompareAndSwap(ctx, domain.KeyRefreshLock, mine.String(), "")
	if err != nil {
		l.logger.Warn("session: release refresh lock failed", "error", err)
		return
	}
	if ok {
		l.publish(ctx, storage.Change{Key: domain.KeyRefreshLock, Removed: true, Origin: l.origin})
	}
}

func (l *RefreshLock) publish(ctx context.Context, c storage.Change) {
	if l.bus == nil {
		return
	}
	if err := l.bus.Publish(ctx, c); err != nil {
		l.logger.Warn("session: publish lock change failed", "error", err)
	}
}
