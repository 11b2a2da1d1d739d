//go:build integration

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/invrecon/pkg/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to cleanup redis container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestRedisLockerIsExclusive(t *testing.T) {
	addr := startRedis(t)
	ctx := context.Background()

	a, err := lock.NewRedisLocker(ctx, addr, 0)
	require.NoError(t, err)
	defer a.Close()
	b, err := lock.NewRedisLocker(ctx, addr, 0)
	require.NoError(t, err)
	defer b.Close()

	lease, err := a.Acquire(ctx, "hourly", "host-a/run-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "host-a/run-1", lease.Holder())

	// a second instance cannot take the same cadence
	_, err = b.Acquire(ctx, "hourly", "host-b/run-2", time.Minute)
	require.ErrorIs(t, err, lock.ErrNotAcquired)

	// other cadences are independent
	daily, err := b.Acquire(ctx, "daily", "host-b/run-3", time.Minute)
	require.NoError(t, err)
	require.NoError(t, daily.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	again, err := b.Acquire(ctx, "hourly", "host-b/run-4", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRedisLockerExpires(t *testing.T) {
	addr := startRedis(t)
	ctx := context.Background()

	l, err := lock.NewRedisLocker(ctx, addr, 0)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Acquire(ctx, "realtime", "crashed-run", 200*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		lease, err := l.Acquire(ctx, "realtime", "next-run", time.Minute)
		if err != nil {
			return false
		}
		_ = lease.Release(ctx)
		return true
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, l.Ping(ctx))
}
