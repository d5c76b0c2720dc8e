package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisIntervalScript admits a call when at least min_interval_ms has
// elapsed since the last admitted call for the key, atomically advancing
// the stamp on admission.
// KEYS[1] = limiter key ("interval:<tool>|<host>")
// ARGV[1] = now (unix milliseconds)
// ARGV[2] = min interval (milliseconds)
var redisIntervalScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])

local last = tonumber(redis.call("GET", key))
if last and (now - last) < interval then
    return 0
end

redis.call("SET", key, now, "PX", interval * 10)
return 1
`)

// RedisLimiterStore shares interval state across processes.
type RedisLimiterStore struct {
	client *redis.Client
}

// NewRedisLimiterStore connects a limiter store to Redis.
func NewRedisLimiterStore(addr, password string, db int) *RedisLimiterStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLimiterStore{client: rdb}
}

// NewRedisLimiterStoreFromClient wraps an existing client (shared pool).
func NewRedisLimiterStoreFromClient(client *redis.Client) *RedisLimiterStore {
	return &RedisLimiterStore{client: client}
}

// Admit runs the interval script atomically in Redis.
func (s *RedisLimiterStore) Admit(ctx context.Context, key string, minInterval time.Duration) (bool, error) {
	res, err := redisIntervalScript.Run(ctx, s.client,
		[]string{"interval:" + key},
		time.Now().UnixMilli(),
		minInterval.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("policy: redis limiter error: %w", err)
	}
	return res == 1, nil
}
