package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLog keeps one sorted set per (event, user), scored by unix millis.
type RedisLog struct {
	rdb    redis.UniversalClient
	window time.Duration
	prefix string
}

func NewRedisLog(rdb redis.UniversalClient, window time.Duration) *RedisLog {
	return &RedisLog{rdb: rdb, window: window, prefix: "ratelimit"}
}

func (r *RedisLog) key(userID, event string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, event, userID)
}

func (r *RedisLog) Count(ctx context.Context, userID, event string, since time.Time) (int64, error) {
	return r.rdb.ZCount(ctx, r.key(userID, event), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
}

func (r *RedisLog) Record(ctx context.Context, userID, event string, at time.Time) error {
	key := r.key(userID, event)
	ms := at.UnixMilli()

	pipe := r.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ms), Member: strconv.FormatInt(ms, 10) + ":" + uuid.NewString()})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(at.Add(-r.window).UnixMilli(), 10))
	pipe.Expire(ctx, key, 2*r.window)
	_, err := pipe.Exec(ctx)
	return err
}
