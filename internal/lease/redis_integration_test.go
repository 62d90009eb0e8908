package lease

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisManagerRenewExtendsLeaseWhenOwnerMatches(t *testing.T) {
	client := newRedisTestClient(t)
	ctx := context.Background()
	manager := NewRedisManager(client, "holdkeeper:test:"+uuid.NewString())

	initial, ok, err := manager.Acquire(ctx, "reservation:rsv_1", "engine-a", 180*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(90 * time.Millisecond)
	renewed, ok, err := manager.Renew(ctx, "reservation:rsv_1", "engine-a", initial.Token, 260*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, renewed.ExpiresAt.After(initial.ExpiresAt))

	time.Sleep(140 * time.Millisecond)
	_, ok, err = manager.Acquire(ctx, "reservation:rsv_1", "engine-b", 120*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "renewed lease must still be held")
}

func TestRedisManagerRejectsForeignHolder(t *testing.T) {
	client := newRedisTestClient(t)
	ctx := context.Background()
	manager := NewRedisManager(client, "holdkeeper:test:"+uuid.NewString())

	initial, ok, err := manager.Acquire(ctx, "reservation:rsv_2", "engine-a", 300*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = manager.Renew(ctx, "reservation:rsv_2", "engine-b", initial.Token, 300*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, manager.Release(ctx, "reservation:rsv_2", "engine-b", initial.Token))
	_, ok, err = manager.Acquire(ctx, "reservation:rsv_2", "engine-b", 300*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "foreign release must not free the lease")

	require.NoError(t, manager.Release(ctx, "reservation:rsv_2", "engine-a", initial.Token))
	_, ok, err = manager.Acquire(ctx, "reservation:rsv_2", "engine-b", 300*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

func newRedisTestClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis integration tests")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at TEST_REDIS_ADDR=%s: %v", addr, err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}
