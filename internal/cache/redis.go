package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/blinkdate/matchmaker/internal/config"
)

type RedisCache struct {
	Client *redis.Client
}

// NewRedisCache initializes Redis client from config.
// Only Addr is mandatory, Password/DB are optional.
func NewRedisCache(cfg *config.Config) *RedisCache {
	opts := &redis.Options{
		Addr: cfg.Redis.Addr,
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	return &RedisCache{Client: redis.NewClient(opts)}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// --- presence ---

// KeyForPresence generates the Redis key for a user's liveness marker.
func (c *RedisCache) KeyForPresence(userID uint64) string {
	return fmt.Sprintf("presence:user:%d", userID)
}

// Heartbeat refreshes a user's liveness marker. The key expiring is the
// only way a user is ever considered disconnected.
func (c *RedisCache) Heartbeat(ctx context.Context, userID uint64, ttl time.Duration) error {
	return c.Client.Set(ctx, c.KeyForPresence(userID), "1", ttl).Err()
}

// IsOnline reports whether a user's liveness marker is still alive.
func (c *RedisCache) IsOnline(ctx context.Context, userID uint64) (bool, error) {
	n, err := c.Client.Exists(ctx, c.KeyForPresence(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearPresence drops a user's liveness marker (logout, removal).
func (c *RedisCache) ClearPresence(ctx context.Context, userID uint64) error {
	return c.Client.Del(ctx, c.KeyForPresence(userID)).Err()
}

// --- locks ---

// releaseScript deletes a lock key only if it still holds our token, so
// an expired-and-reacquired lock is never released by the old holder.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// Lock is a non-blocking Redis lock held by a unique token.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// TryLock attempts to acquire a named lock without blocking. Returns
// nil and false when another holder owns it.
func (c *RedisCache) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	token := uuid.New().String()
	ok, err := c.Client.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{client: c.Client, key: name, token: token}, true, nil
}

// Release frees the lock if we still hold it.
func (l *Lock) Release(ctx context.Context) error {
	return l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err()
}

// KeyForMatchingLock is the global matching-pass lock. One pass at a
// time, system-wide.
const KeyForMatchingLock = "match:lock:global"

// KeyForUserLock generates the per-user pair lock key.
func KeyForUserLock(userID uint64) string {
	return fmt.Sprintf("match:lock:user:%d", userID)
}

// --- counters ---

// KeyForQueueSize is the cached queue cardinality consumed by the
// fairness scorer's density bonus.
const KeyForQueueSize = "match:queue:size"

func (c *RedisCache) SetQueueSize(ctx context.Context, n int64, ttl time.Duration) error {
	return c.Client.Set(ctx, KeyForQueueSize, n, ttl).Err()
}

func (c *RedisCache) GetQueueSize(ctx context.Context) (int64, bool, error) {
	n, err := c.Client.Get(ctx, KeyForQueueSize).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, err
	}
	return n, true, nil
}
