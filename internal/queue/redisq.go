// Package queue moves job ids between pipeline stages over redis. Ready
// work sits in a list per stage; retries sit in a per-stage ZSET scored by
// the time they become due.
package queue

import (
	"context"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
)

// Stage names double as queue key suffixes.
const (
	StageParse = "parse"
	StageChunk = "chunk"
	StageEmbed = "embed"
)

type RedisQ struct{ rdb *r.Client }

func New(rdb *r.Client) *RedisQ { return &RedisQ{rdb} }

// Enqueue pushes a job onto a stage queue, or parks it in the stage's
// delay ZSET when runAt is in the future (retry backoff).
func (q *RedisQ) Enqueue(ctx context.Context, stage, jobID string, runAt time.Time) error {
	if time.Until(runAt) > 0 {
		return q.rdb.ZAdd(ctx, "delay:"+stage, r.Z{Score: float64(runAt.Unix()), Member: jobID}).Err()
	}
	return q.rdb.LPush(ctx, "q:"+stage, jobID).Err()
}

// Dequeue blocks up to block for the next job id on a stage queue.
func (q *RedisQ) Dequeue(ctx context.Context, stage string, block time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, block, "q:"+stage).Result()
	if err != nil {
		return "", err
	}
	if len(res) == 2 {
		return res[1], nil
	}
	return "", nil
}

// PromoteDue moves jobs whose backoff has elapsed from the delay ZSET to
// the stage queue. The janitor calls this on every tick.
func (q *RedisQ) PromoteDue(ctx context.Context, stage string, now int64, batch int64) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, "delay:"+stage, &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, "q:"+stage, id)
		pipe.ZRem(ctx, "delay:"+stage, id)
	}
	_, err = pipe.Exec(ctx)
	return len(ids), err
}
