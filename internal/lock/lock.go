// Package lock provides non-blocking, re-entrant execution locks used to keep
// scheduled executions and retries of the same activity log from overlapping.
package lock

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrLockFailed is returned when the lock is held by someone else.
var ErrLockFailed = errors.New("lock failed")

// Locker runs fn while holding key.
type Locker interface {
	// NonBlockingSynchronized acquires key for at most ttl and runs fn. If the
	// key is already held it returns ErrLockFailed immediately without waiting.
	// A context returned to fn already holds key, so nested calls with the same
	// key re-enter instead of failing.
	NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

type heldKey string

// held returns the token under which ctx holds key, if any.
func held(ctx context.Context, key string) (string, bool) {
	token, ok := ctx.Value(heldKey(key)).(string)
	return token, ok
}

func withHeld(ctx context.Context, key, token string) context.Context {
	return context.WithValue(ctx, heldKey(key), token)
}
