// Package dedup gives at-least-once job handlers an idempotency check: a
// handler claims a key derived from its side effect before acting, so a
// retried payload does not repeat a side effect that already happened.
package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard stores dedup keys in Redis with a TTL.
type Guard struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Guard {
	return &Guard{client: client, ttl: ttl}
}

// Claim atomically records the key if unseen. It returns true when the
// caller owns the key and should perform the side effect, false when a
// previous attempt already did.
func (g *Guard) Claim(ctx context.Context, key string) (bool, error) {
	return g.client.SetNX(ctx, "dedup:"+key, 1, g.ttl).Result()
}

// Release drops a claimed key so a failed side effect can be retried.
// Callers release only when the side effect definitely did not happen.
func (g *Guard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, "dedup:"+key).Err()
}
