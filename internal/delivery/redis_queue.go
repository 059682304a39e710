package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shohag/postrelay/internal/models"
)

// RedisQueue keeps pending retries in Redis so they survive restarts.
// Layout under {prefix}: ":due" is a sorted set of keys scored by next attempt
// time in unix milliseconds, ":jobs" a hash of job bodies and ":inflight" a
// set of targets currently executing. Every transition is one Lua script.
// The prefix is a hash tag so all three keys share a Redis Cluster slot.
type RedisQueue struct {
	client   redis.UniversalClient
	due      string
	jobs     string
	inflight string
}

var (
	reserveScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 or redis.call('SISMEMBER', KEYS[3], ARGV[1]) == 1 then
  return 0
end
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

	scheduleScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 or redis.call('SISMEMBER', KEYS[3], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

	popDueScript = redis.NewScript(`
local keys = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for _, k in ipairs(keys) do
  redis.call('ZREM', KEYS[1], k)
  local body = redis.call('HGET', KEYS[2], k)
  redis.call('HDEL', KEYS[2], k)
  redis.call('SADD', KEYS[3], k)
  if body then
    table.insert(out, body)
  end
end
return out
`)

	rescheduleScript = redis.NewScript(`
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

	releaseScript = redis.NewScript(`
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)
)

func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	tag := "{" + prefix + "}"
	return &RedisQueue{
		client:   client,
		due:      tag + ":due",
		jobs:     tag + ":jobs",
		inflight: tag + ":inflight",
	}
}

func (q *RedisQueue) keys() []string {
	return []string{q.due, q.jobs, q.inflight}
}

// ClearInflight forgets every in-flight target under the prefix, including
// those of other live processes. Only the process that owns the scheduler may
// call it, once at startup before it executes anything. The cleared targets'
// attempts are in the delivery log and can be recovered with a bulk retry.
func (q *RedisQueue) ClearInflight(ctx context.Context) (int64, error) {
	n, err := q.client.SCard(ctx, q.inflight).Result()
	if err != nil {
		return 0, err
	}
	if err := q.client.Del(ctx, q.inflight).Err(); err != nil {
		return 0, err
	}
	return n, nil
}

func (q *RedisQueue) Reserve(ctx context.Context, key string) (bool, error) {
	n, err := reserveScript.Run(ctx, q.client, q.keys(), key).Int()
	if err != nil {
		return false, fmt.Errorf("reserve %s: %w", key, err)
	}
	return n == 1, nil
}

func (q *RedisQueue) Schedule(ctx context.Context, job models.RetryJob) (bool, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	n, err := scheduleScript.Run(ctx, q.client, q.keys(), job.Key(), body, job.NextAttemptAt.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("schedule %s: %w", job.Key(), err)
	}
	return n == 1, nil
}

func (q *RedisQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]models.RetryJob, error) {
	if limit <= 0 {
		limit = -1
	}
	bodies, err := popDueScript.Run(ctx, q.client, q.keys(), now.UnixMilli(), limit).StringSlice()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("pop due jobs: %w", err)
	}

	jobs := make([]models.RetryJob, 0, len(bodies))
	for _, b := range bodies {
		var job models.RetryJob
		if err := json.Unmarshal([]byte(b), &job); err != nil {
			return jobs, fmt.Errorf("decode retry job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) Reschedule(ctx context.Context, job models.RetryJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := rescheduleScript.Run(ctx, q.client, q.keys(), job.Key(), body, job.NextAttemptAt.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("reschedule %s: %w", job.Key(), err)
	}
	return nil
}

func (q *RedisQueue) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, q.client, q.keys(), key).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (q *RedisQueue) Has(ctx context.Context, key string) (bool, error) {
	pipe := q.client.Pipeline()
	pending := pipe.HExists(ctx, q.jobs, key)
	inflight := pipe.SIsMember(ctx, q.inflight, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return pending.Val() || inflight.Val(), nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.due).Result()
	return int(n), err
}

func (q *RedisQueue) Pending(ctx context.Context) ([]models.RetryJob, error) {
	bodies, err := q.client.HVals(ctx, q.jobs).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]models.RetryJob, 0, len(bodies))
	for _, b := range bodies {
		var job models.RetryJob
		if err := json.Unmarshal([]byte(b), &job); err != nil {
			return nil, fmt.Errorf("decode retry job: %w", err)
		}
		jobs = append(jobs, job)
	}
	sortJobs(jobs)
	return jobs, nil
}
