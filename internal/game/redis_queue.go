package game

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/playmatatu/arbiter/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	queueMembersKey = "queue:members"
	queueBucketsKey = "queue:buckets"
)

// popPairScript pops two entries from a bucket list only if both are there,
// and drops their membership records in the same step.
var popPairScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) < 2 then return nil end
local a = redis.call('LPOP', KEYS[1])
local b = redis.call('LPOP', KEYS[1])
redis.call('HDEL', KEYS[2], cjson.decode(a)['user_id'], cjson.decode(b)['user_id'])
return {a, b}
`)

// RedisQueue keeps one list per bucket (queue:<game>:<stake>) plus a hash of
// members so a user can be queued at most once across instances.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func queueKey(b string) string { return "queue:" + b }

func (q *RedisQueue) push(ctx context.Context, e QueueEntry, front bool) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ok, err := q.rdb.HSetNX(ctx, queueMembersKey, e.UserID, raw).Result()
	if err != nil {
		return fmt.Errorf("queue membership: %w", err)
	}
	if !ok {
		return models.ErrAlreadyQueued
	}
	if front {
		err = q.rdb.LPush(ctx, queueKey(e.Bucket()), raw).Err()
	} else {
		err = q.rdb.RPush(ctx, queueKey(e.Bucket()), raw).Err()
	}
	if err != nil {
		q.rdb.HDel(ctx, queueMembersKey, e.UserID)
		return fmt.Errorf("queue push: %w", err)
	}
	return q.rdb.SAdd(ctx, queueBucketsKey, e.Bucket()).Err()
}

func (q *RedisQueue) Push(ctx context.Context, e QueueEntry) error {
	return q.push(ctx, e, false)
}

func (q *RedisQueue) PushFront(ctx context.Context, e QueueEntry) error {
	return q.push(ctx, e, true)
}

func (q *RedisQueue) PopPair(ctx context.Context, gameType string, stake decimal.Decimal) (QueueEntry, QueueEntry, bool, error) {
	var a, b QueueEntry
	res, err := popPairScript.Run(ctx, q.rdb, []string{queueKey(bucket(gameType, stake)), queueMembersKey}).Result()
	if err == redis.Nil {
		return a, b, false, nil
	}
	if err != nil {
		return a, b, false, fmt.Errorf("queue pop pair: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return a, b, false, fmt.Errorf("unexpected pop result type: %T", res)
	}
	for i, dst := range []*QueueEntry{&a, &b} {
		s, _ := vals[i].(string)
		if err := json.Unmarshal([]byte(s), dst); err != nil {
			return a, b, false, fmt.Errorf("decode queue entry: %w", err)
		}
	}
	return a, b, true, nil
}

func (q *RedisQueue) Remove(ctx context.Context, userID string) (*QueueEntry, error) {
	raw, err := q.rdb.HGet(ctx, queueMembersKey, userID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e QueueEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, err
	}
	n, err := q.rdb.LRem(ctx, queueKey(e.Bucket()), 1, raw).Result()
	if err != nil {
		return nil, err
	}
	q.rdb.HDel(ctx, queueMembersKey, userID)
	if n == 0 {
		// Already popped into a pair by another instance.
		return nil, nil
	}
	return &e, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.HLen(ctx, queueMembersKey).Result()
	return int(n), err
}

func (q *RedisQueue) Buckets(ctx context.Context) ([]BucketKey, error) {
	names, err := q.rdb.SMembers(ctx, queueBucketsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]BucketKey, 0, len(names))
	for _, b := range names {
		n, err := q.rdb.LLen(ctx, queueKey(b)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			q.rdb.SRem(ctx, queueBucketsKey, b)
			continue
		}
		if k, ok := parseBucket(b); ok && n >= 2 {
			out = append(out, k)
		}
	}
	return out, nil
}
