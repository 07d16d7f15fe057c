package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript increments the window counter and starts its expiry on the
// first hit, returning {count, pttl}.
var consumeScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {current, ttl}
`)

// RedisCounter shares fixed windows across replicas through Redis.
type RedisCounter struct {
	client  redis.UniversalClient
	baseKey string
}

func NewRedisCounter(client redis.UniversalClient, baseKey string) *RedisCounter {
	if baseKey == "" {
		baseKey = "sponsor:ratelimit"
	}
	return &RedisCounter{client: client, baseKey: baseKey}
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (c *RedisCounter) Consume(ctx context.Context, keyID string, limit int, window time.Duration) (Window, error) {
	vals, err := consumeScript.Run(ctx, c.client, []string{c.key(keyID)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("consume rate window: %w", err)
	}
	if len(vals) != 2 {
		return Window{}, fmt.Errorf("consume rate window: unexpected reply %v", vals)
	}

	count, ttl := vals[0], vals[1]
	if ttl < 0 {
		ttl = window.Milliseconds()
	}
	resetAt := time.Now().Add(time.Duration(ttl) * time.Millisecond)

	if count > int64(limit) {
		return Window{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}, nil
	}
	return Window{Allowed: true, Limit: limit, Remaining: limit - int(count), ResetAt: resetAt}, nil
}

func (c *RedisCounter) Remaining(ctx context.Context, keyID string, limit int, _ time.Duration) (int, error) {
	count, err := c.client.Get(ctx, c.key(keyID)).Int()
	if errors.Is(err, redis.Nil) {
		return limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read rate window: %w", err)
	}
	if remaining := limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

func (c *RedisCounter) Reset(ctx context.Context, keyID string) error {
	if err := c.client.Del(ctx, c.key(keyID)).Err(); err != nil {
		return fmt.Errorf("reset rate window: %w", err)
	}
	return nil
}

func (c *RedisCounter) key(keyID string) string {
	return c.baseKey + ":" + keyID
}
