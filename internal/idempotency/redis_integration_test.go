package idempotency

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

func TestRedisStoreRoundTrip(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis integration tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at TEST_REDIS_ADDR=%s: %v", addr, err)
	}

	store := NewRedisStore(client, "holdkeeper:test:"+uuid.NewString())
	claimed, err := store.Claim(ctx, "reservations:create", "k1", "owner-1", time.Second)
	require.NoError(t, err)
	require.True(t, claimed)

	entry := Entry{StatusCode: 201, ContentType: "application/json", Fingerprint: "f", Body: []byte(`{}`)}
	require.NoError(t, store.Save(ctx, "reservations:create", "k1", entry, time.Minute))
	got, ok, err := store.Get(ctx, "reservations:create", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry, got)

	require.NoError(t, store.Release(ctx, "reservations:create", "k1", "owner-1"))
	claimed, err = store.Claim(ctx, "reservations:create", "k1", "owner-2", time.Second)
	require.NoError(t, err)
	assert.True(t, claimed)
}
