package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisLocker(t *testing.T) {
	if testing.Short() {
		t.Skip("redis container test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %s", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	runLockerSuite(t, func(t *testing.T) Locker {
		require.NoError(t, client.FlushDB(ctx).Err())
		return NewRedisLocker(client, "flowcron:test:", nil)
	})

	t.Run("key carries ttl", func(t *testing.T) {
		l := NewRedisLocker(client, "flowcron:ttl:", nil)
		err := l.NonBlockingSynchronized(ctx, "k", 30*time.Second, func(ctx context.Context) error {
			ttl, err := client.TTL(ctx, "flowcron:ttl:k").Result()
			require.NoError(t, err)
			require.Greater(t, ttl, time.Duration(0))
			return nil
		})
		require.NoError(t, err)
		exists, err := client.Exists(ctx, "flowcron:ttl:k").Result()
		require.NoError(t, err)
		require.Zero(t, exists)
	})
}
