package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisLocker is a Locker shared by every instance pointing at the same Redis.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	logger *slog.Logger
}

// NewRedisLocker creates a locker whose keys are namespaced by prefix.
func NewRedisLocker(client redis.Cmdable, prefix string, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, prefix: prefix, logger: logger}
}

func (r *RedisLocker) NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if _, ok := held(ctx, key); ok {
		return fn(ctx)
	}

	redisKey := r.prefix + key
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return errors.WithMessagef(ErrLockFailed, "redis lock %q: %v", key, err)
	}
	if !ok {
		return errors.WithMessagef(ErrLockFailed, "redis lock %q is held", key)
	}
	defer r.release(redisKey, token)

	return fn(withHeld(ctx, key, token))
}

func (r *RedisLocker) release(redisKey, token string) {
	// The caller's context may already be cancelled; release on a fresh one.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Int64()
	if err != nil {
		r.logger.Warn("release redis lock", slog.String("key", redisKey), slog.String("error", err.Error()))
		return
	}
	if n != 1 {
		r.logger.Warn("redis lock expired before release", slog.String("key", redisKey))
	}
}
