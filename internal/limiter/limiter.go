// Package limiter holds the redis-backed gates in front of the compile
// entrypoint: a fixed-window token bucket for auto-compiles and a
// set-if-not-exists de-duplication lock. Every mutation is a single atomic
// redis operation.
package limiter

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a fixed-window counter. The window starts on the first
// request and is enforced by key expiry.
type TokenBucket struct {
	redis *redis.Client
}

func NewTokenBucket(redisClient *redis.Client) *TokenBucket {
	return &TokenBucket{redis: redisClient}
}

// Allow consumes one token from the named bucket. When redis is unavailable
// the request is allowed; rate limiting is protective, not load-bearing.
func (b *TokenBucket) Allow(ctx context.Context, name string, max int64, window time.Duration) bool {
	key := fmt.Sprintf("ratelimit:%s", name)

	count, err := b.redis.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[Limiter] redis incr failed for %s, allowing: %v", key, err)
		return true
	}
	if count == 1 {
		b.redis.Expire(ctx, key, window)
	}
	return count <= max
}

// DedupLock gates repeat compile requests for the same (project, user).
type DedupLock struct {
	redis *redis.Client
}

func NewDedupLock(redisClient *redis.Client) *DedupLock {
	return &DedupLock{redis: redisClient}
}

// TryAcquire atomically claims the key for the window. A false return means
// another request claimed it within the window and the caller should back
// off without contacting any node.
func (l *DedupLock) TryAcquire(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := l.redis.SetNX(ctx, fmt.Sprintf("compile-dedup:%s", key), "1", window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup lock %s: %w", key, err)
	}
	return ok, nil
}

// Release drops the de-dup key early, letting a follow-up compile through
// before the window expires. Used after terminal failures where holding the
// window would only punish the user.
func (l *DedupLock) Release(ctx context.Context, key string) {
	if err := l.redis.Del(ctx, fmt.Sprintf("compile-dedup:%s", key)).Err(); err != nil {
		log.Printf("[Limiter] failed to release dedup lock %s: %v", key, err)
	}
}
