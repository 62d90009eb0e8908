package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisManager keeps leases in Redis so a second holdkeeper process pointed at the
// same Redis cannot cycle a reservation this one owns.
type RedisManager struct {
	client redis.Cmdable
	prefix string
}

func NewRedisManager(client redis.Cmdable, prefix string) *RedisManager {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "holdkeeper:lease"
	}
	return &RedisManager{client: client, prefix: prefix}
}

func (m *RedisManager) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error) {
	resource, owner, err := normalize(resource, owner, 0, false)
	if err != nil {
		return Lease{}, false, err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	token, err := m.client.Incr(ctx, m.key("seq", resource)).Uint64()
	if err != nil {
		return Lease{}, false, fmt.Errorf("lease next token: %w", err)
	}
	acquired, err := m.client.SetNX(ctx, m.key("hold", resource), holderValue(owner, token), ttl).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("lease setnx: %w", err)
	}
	if !acquired {
		return Lease{}, false, nil
	}
	return Lease{Token: token, ExpiresAt: time.Now().UTC().Add(ttl)}, true, nil
}

func (m *RedisManager) Renew(ctx context.Context, resource, owner string, token uint64, ttl time.Duration) (Lease, bool, error) {
	resource, owner, err := normalize(resource, owner, token, true)
	if err != nil {
		return Lease{}, false, err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	renewed, err := renewIfHolderScript.Run(ctx, m.client, []string{m.key("hold", resource)},
		holderValue(owner, token), ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Lease{}, false, fmt.Errorf("lease renew: %w", err)
	}
	if renewed == 0 {
		return Lease{}, false, nil
	}
	return Lease{Token: token, ExpiresAt: time.Now().UTC().Add(ttl)}, true, nil
}

func (m *RedisManager) Release(ctx context.Context, resource, owner string, token uint64) error {
	resource, owner, err := normalize(resource, owner, token, true)
	if err != nil {
		return err
	}

	_, err = deleteIfHolderScript.Run(ctx, m.client, []string{m.key("hold", resource)}, holderValue(owner, token)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}

func (m *RedisManager) key(kind, resource string) string {
	return m.prefix + ":" + kind + ":" + resource
}

func holderValue(owner string, token uint64) string {
	return fmt.Sprintf("%s|%d", owner, token)
}

var deleteIfHolderScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewIfHolderScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
