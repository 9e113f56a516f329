package ratelimit

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// The window starts at the first hit; PEXPIRE makes Redis reset it.
var fixedWindowScript = r.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

type RedisStore struct {
	rdb    *r.Client
	prefix string
}

func NewRedisStore(rdb *r.Client) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "domainq:rl:"}
}

func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	vals, err := fixedWindowScript.Run(ctx, s.rdb, []string{s.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, errors.Wrapf(err, "rate limit %s", key)
	}
	if len(vals) != 2 {
		return Result{}, errors.Errorf("rate limit %s: unexpected script reply %v", key, vals)
	}
	return result(int(vals[0]), limit, time.Duration(vals[1])*time.Millisecond), nil
}
