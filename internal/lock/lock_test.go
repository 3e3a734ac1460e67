package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLockerSuite(t *testing.T, newLocker func(t *testing.T) Locker) {
	t.Run("runs fn and releases", func(t *testing.T) {
		l := newLocker(t)
		ctx := context.Background()

		ran := false
		require.NoError(t, l.NonBlockingSynchronized(ctx, "k1", time.Minute, func(ctx context.Context) error {
			ran = true
			return nil
		}))
		assert.True(t, ran)

		// Released: a second acquisition succeeds.
		assert.NoError(t, l.NonBlockingSynchronized(ctx, "k1", time.Minute, func(ctx context.Context) error { return nil }))
	})

	t.Run("contention fails fast", func(t *testing.T) {
		l := newLocker(t)
		ctx := context.Background()

		err := l.NonBlockingSynchronized(ctx, "k2", time.Minute, func(ctx context.Context) error {
			return l.NonBlockingSynchronized(context.Background(), "k2", time.Minute, func(ctx context.Context) error {
				t.Fatal("second holder must not run")
				return nil
			})
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrLockFailed))
	})

	t.Run("re-entrant through context", func(t *testing.T) {
		l := newLocker(t)
		depth := 0
		err := l.NonBlockingSynchronized(context.Background(), "k3", time.Minute, func(ctx context.Context) error {
			depth++
			return l.NonBlockingSynchronized(ctx, "k3", time.Minute, func(ctx context.Context) error {
				depth++
				return nil
			})
		})
		require.NoError(t, err)
		assert.Equal(t, 2, depth)
	})

	t.Run("fn error is returned and lock released", func(t *testing.T) {
		l := newLocker(t)
		boom := errors.New("boom")
		err := l.NonBlockingSynchronized(context.Background(), "k4", time.Minute, func(ctx context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, l.NonBlockingSynchronized(context.Background(), "k4", time.Minute, func(ctx context.Context) error { return nil }))
	})

	t.Run("different keys do not contend", func(t *testing.T) {
		l := newLocker(t)
		err := l.NonBlockingSynchronized(context.Background(), "a", time.Minute, func(ctx context.Context) error {
			return l.NonBlockingSynchronized(ctx, "b", time.Minute, func(ctx context.Context) error { return nil })
		})
		assert.NoError(t, err)
	})
}

func TestLocalLocker(t *testing.T) {
	runLockerSuite(t, func(t *testing.T) Locker { return NewLocalLocker() })
}

func TestLocalLocker_ExpiredHoldCanBeTaken(t *testing.T) {
	l := NewLocalLocker()
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	err := l.NonBlockingSynchronized(context.Background(), "slow", time.Second, func(ctx context.Context) error {
		now = now.Add(2 * time.Second)
		// The first holder overran its ttl, so a new caller may take the key.
		return l.NonBlockingSynchronized(context.Background(), "slow", time.Second, func(ctx context.Context) error {
			return nil
		})
	})
	require.NoError(t, err)

	// The overrunning holder must not release a key it no longer owns.
	assert.True(t, l.acquire("slow", "fresh", time.Second))
	l.release("slow", "stale")
	assert.False(t, l.acquire("slow", "other", time.Second))
}
