package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/domainq/internal/domain"
)

// ErrEmpty is returned by Pop when no id arrived within the block window.
var ErrEmpty = errors.New("queue: empty")

// RedisQ keeps one ready LIST and one delay ZSET per job type. Postgres stays
// the source of truth; ids here are only wake-ups and may be duplicated.
type RedisQ struct {
	rdb    *r.Client
	prefix string
}

func New(rdb *r.Client) *RedisQ { return &RedisQ{rdb: rdb, prefix: "domainq"} }

func (q *RedisQ) readyKey(lane domain.JobType) string { return q.prefix + ":queue:" + string(lane) }
func (q *RedisQ) delayKey(lane domain.JobType) string { return q.prefix + ":delay:" + string(lane) }

func (q *RedisQ) Push(ctx context.Context, lane domain.JobType, jobID string, runAt time.Time) error {
	if time.Until(runAt) > 0 {
		err := q.rdb.ZAdd(ctx, q.delayKey(lane), r.Z{Score: float64(runAt.UnixMilli()), Member: jobID}).Err()
		return errors.Wrapf(err, "park %s on %s", jobID, lane)
	}
	return errors.Wrapf(q.rdb.LPush(ctx, q.readyKey(lane), jobID).Err(), "push %s on %s", jobID, lane)
}

func (q *RedisQ) Pop(ctx context.Context, lane domain.JobType, block time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, block, q.readyKey(lane)).Result()
	if errors.Is(err, r.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", err
	}
	if len(res) == 2 {
		return res[1], nil
	}
	return "", ErrEmpty
}

// MoveDue promotes delayed ids whose run time has passed onto the ready list.
func (q *RedisQ) MoveDue(ctx context.Context, lane domain.JobType, now time.Time, batch int64) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayKey(lane), &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, q.readyKey(lane), id)
		pipe.ZRem(ctx, q.delayKey(lane), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrapf(err, "move due on %s", lane)
	}
	return len(ids), nil
}
