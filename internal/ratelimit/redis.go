package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces bucket keys.
const DefaultRedisPrefix = "ratelimit:"

// takeScript refills and spends atomically so instances sharing Redis see
// one bucket per key.
//
// KEYS[1] bucket hash
// ARGV[1] refill per second, ARGV[2] capacity, ARGV[3] now in unix ms,
// ARGV[4] ttl in seconds
//
// Returns {allowed, whole tokens left, ms until next token}.
var takeScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if not tokens or not ts then
    tokens = capacity
    ts = now
end

if now > ts then
    tokens = math.min(capacity, tokens + (now - ts) / 1000 * rate)
    ts = now
end

local allowed = 0
local wait = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
elseif rate > 0 then
    wait = math.ceil((1 - tokens) / rate * 1000)
else
    wait = 60000
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", ts)
redis.call("EXPIRE", KEYS[1], ttl)
return {allowed, math.floor(tokens), wait}
`)

// RedisBucket keeps buckets in Redis hashes.
type RedisBucket struct {
	client redis.Scripter
	cfg    Config
	prefix string
	now    func() time.Time
}

// NewRedisBucket creates a shared bucket set. client is usually the
// process's *redis.Client.
func NewRedisBucket(client redis.Scripter, cfg Config, prefix string) *RedisBucket {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBucket{client: client, cfg: cfg, prefix: prefix, now: time.Now}
}

func (r *RedisBucket) Take(ctx context.Context, key string) (Decision, error) {
	ttl := int(idleAfter / time.Second)
	res, err := takeScript.Run(ctx, r.client, []string{r.prefix + key},
		r.cfg.perSecond(), r.cfg.BurstSize, r.now().UnixMilli(), ttl,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis take: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: redis take: unexpected reply %v", res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

var _ Bucket = (*RedisBucket)(nil)
