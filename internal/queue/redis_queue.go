package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"adaccount-provisioner/internal/config"
)

// RedisQueue hands claimed jobs to workers. A job id is delivered to at most
// one worker at a time: it lives either in the ready list or in the in-flight
// set, never both. Enqueue of a leased id marks it for redelivery, and Ack puts
// a marked id back on the ready list.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	queuedKey     string
	inflightKey   string
	redeliverKey  string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.VisibilityTimeout)
}

// NewRedisQueueWithClient wraps an existing client.
func NewRedisQueueWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "queue:ready",
		queuedKey:     "queue:queued",
		inflightKey:   "queue:inflight",
		redeliverKey:  "queue:redeliver",
		visibilityTTL: visibility,
	}
}

// Client exposes the underlying connection so other Redis-backed helpers can share it.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) keys() []string {
	return []string{q.readyKey, q.queuedKey, q.inflightKey, q.redeliverKey}
}

// Enqueue makes a job available to workers. It reports false when the job was
// already waiting, or leased; a leased job is delivered again once acked.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) (bool, error) {
	res, err := enqueueScript.Run(ctx, q.client, q.keys(), jobID).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return res == 1, nil
}

// DequeueWithLease pops the next job and places it into in-flight with a visibility timeout.
// An empty id means nothing was ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, q.keys(), time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking. A job enqueued again during its
// lease goes back to the ready list.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return ackScript.Run(ctx, q.client, q.keys(), jobID).Err()
}

// RequeueExpired moves leases that timed out back to the ready list.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var requeued []string
	for _, id := range ids {
		moved, err := requeueScript.Run(ctx, q.client, q.keys(), id, now.UnixMilli()).Int()
		if err != nil {
			return requeued, err
		}
		if moved == 1 {
			requeued = append(requeued, id)
		}
	}
	return requeued, nil
}

// Cancel forgets a job: it leaves the ready list, the in-flight set and the
// redelivery marks.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.SRem(ctx, q.queuedKey, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.SRem(ctx, q.redeliverKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the number of jobs waiting for a worker.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlight returns the number of leased jobs.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var enqueueScript = redis.NewScript(`
local ready, queued, inflight, redeliver = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local job = ARGV[1]
if redis.call('SISMEMBER', queued, job) == 1 then return 0 end
if redis.call('ZSCORE', inflight, job) then
  redis.call('SADD', redeliver, job)
  return 0
end
redis.call('SADD', queued, job)
redis.call('RPUSH', ready, job)
return 1
`)

var dequeueScript = redis.NewScript(`
local ready, queued, inflight = KEYS[1], KEYS[2], KEYS[3]
local job = redis.call('LPOP', ready)
if job then
  redis.call('SREM', queued, job)
  redis.call('ZADD', inflight, ARGV[1], job)
  return job
end
return nil
`)

var requeueScript = redis.NewScript(`
local ready, queued, inflight, redeliver = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local job = ARGV[1]
local score = redis.call('ZSCORE', inflight, job)
if not score or tonumber(score) > tonumber(ARGV[2]) then return 0 end
redis.call('ZREM', inflight, job)
redis.call('SREM', redeliver, job)
redis.call('SADD', queued, job)
redis.call('RPUSH', ready, job)
return 1
`)

var ackScript = redis.NewScript(`
local ready, queued, inflight, redeliver = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local job = ARGV[1]
redis.call('ZREM', inflight, job)
if redis.call('SREM', redeliver, job) == 1 then
  redis.call('SADD', queued, job)
  redis.call('RPUSH', ready, job)
  return 1
end
return 0
`)
