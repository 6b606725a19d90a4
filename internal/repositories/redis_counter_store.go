package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/authguard/internal/models"
	"github.com/redis/go-redis/v9"
)

const counterKeyPrefix = "authguard:rl:"

// incrementScript increments the counter, sets the window expiry on the first
// hit and returns {count, ttl_ms} in one round trip
var incrementScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if n == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisCounterStore is a fixed-window counter shared across instances
type RedisCounterStore struct {
	client redis.UniversalClient
}

func NewRedisCounterStore(client redis.UniversalClient) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

// Increment counts one hit. resetAt is derived from the key's remaining TTL.
func (s *RedisCounterStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{counterKeyPrefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: redis increment: %v", models.ErrStorageUnavailable, err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("%w: unexpected redis script reply", models.ErrStorageUnavailable)
	}

	return int(res[0]), now.Add(time.Duration(res[1]) * time.Millisecond), nil
}

func (s *RedisCounterStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, counterKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: redis reset: %v", models.ErrStorageUnavailable, err)
	}
	return nil
}

// ConnectRedis parses url and pings the server
func ConnectRedis(ctx context.Context, url string, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}
