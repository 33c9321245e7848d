package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript implements an atomic token bucket in Lua.
// KEYS[1] = bucket key
// ARGV[1] = capacity
// ARGV[2] = refill rate (tokens/sec)
// ARGV[3] = now (unix seconds, float)
// ARGV[4] = cost
const redisTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(state[1])
local last = tonumber(state[2])

if tokens == nil then
  tokens = capacity
  last = now
end

local elapsed = now - last
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate)
end

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last', now)
redis.call('EXPIRE', key, 60)

return {allowed, tostring(tokens)}
`

// RedisStore shares token buckets across portal instances.
type RedisStore struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{
		client: client,
		script: redis.NewScript(redisTokenBucketScript),
	}
}

// NewRedisStoreWithClient wraps an existing client, useful for tests.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		script: redis.NewScript(redisTokenBucketScript),
	}
}

func (s *RedisStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s", actorID)
	rate := float64(policy.RPM) / 60.0
	if rate <= 0 {
		rate = 1
	}
	now := float64(time.Now().UnixNano()) / float64(time.Second)

	res, err := s.script.Run(ctx, s.client, []string{key},
		policy.Burst, rate, now, cost).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 1 {
		return false, fmt.Errorf("ratelimit: unexpected script result %T", res)
	}
	allowed, ok := vals[0].(int64)
	if !ok {
		return false, fmt.Errorf("ratelimit: unexpected allowed type %T", vals[0])
	}
	return allowed == 1, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
