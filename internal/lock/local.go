package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// LocalLocker is an in-process Locker for single-instance deployments.
type LocalLocker struct {
	mu    sync.Mutex
	holds map[string]localHold
	now   func() time.Time
}

type localHold struct {
	token    string
	expireAt time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{holds: make(map[string]localHold), now: time.Now}
}

func (l *LocalLocker) NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if _, ok := held(ctx, key); ok {
		return fn(ctx)
	}

	token := uuid.NewString()
	if !l.acquire(key, token, ttl) {
		return errors.WithMessagef(ErrLockFailed, "local lock %q is held", key)
	}
	defer l.release(key, token)

	return fn(withHeld(ctx, key, token))
}

func (l *LocalLocker) acquire(key, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.holds[key]; ok && now.Before(h.expireAt) {
		return false
	}
	l.holds[key] = localHold{token: token, expireAt: now.Add(ttl)}
	return true
}

// release drops key only if it is still held under token; an expired hold
// taken over by another caller is left alone.
func (l *LocalLocker) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.holds[key]; ok && h.token == token {
		delete(l.holds, key)
	}
}
