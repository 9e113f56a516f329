// Package lock provides the per-domain advisory lock that keeps two jobs for
// the same domain from running at once.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// Release gives a held lock back. Releasing an expired or stolen lock is a no-op.
type Release func(ctx context.Context) error

// Redis implements the lock with SET NX PX and a token-checked delete.
type Redis struct {
	rdb    *r.Client
	prefix string
}

func NewRedis(rdb *r.Client) *Redis { return &Redis{rdb: rdb, prefix: "domainq:lock:"} }

var releaseScript = r.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (Release, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "lock %s", key)
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		return errors.Wrapf(releaseScript.Run(ctx, l.rdb, []string{l.prefix + key}, token).Err(), "unlock %s", key)
	}, true, nil
}
