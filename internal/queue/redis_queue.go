// Package queue holds job ids in Redis: priority-ordered ready lists, a scheduled
// set for retries and deferred runs, an in-flight lease set and a dead-letter list.
// Job rows themselves live in the store.
package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"practice-ops/internal/config"
)

const defaultPriority = "default"

// RedisQueue coordinates ready, in-flight and scheduled job ids.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	jobMetaPrefix  string
	visibilityTTL  time.Duration
	dlqKey         string
	now            func() time.Time
}

// NewClient dials Redis from config. The queue, rate limiter and board signal share it.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{defaultPriority}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		jobMetaPrefix:  "queue:jobmeta:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
		now:            time.Now,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return "queue:ready:" + priority
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// knownPriority maps unknown priorities onto the default list so they are still dequeued.
func (q *RedisQueue) knownPriority(priority string) string {
	for _, p := range q.priorityQueues {
		if p == priority {
			return p
		}
	}
	return defaultPriority
}

// Enqueue inserts a job into either the scheduled set or its ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, priority string, runAt time.Time) error {
	priority = q.knownPriority(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	if runAt.After(q.now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "enqueue job %s", jobID)
	}
	return nil
}

// Schedule moves a job into the scheduled set for a deferred retry.
func (q *RedisQueue) Schedule(ctx context.Context, jobID, priority string, runAt time.Time) error {
	priority = q.knownPriority(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "schedule job %s", jobID)
	}
	return nil
}

// PromoteScheduled moves due scheduled jobs into ready lists and returns how many moved.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.dueMembers(ctx, q.scheduledKey, now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	if err := q.moveToReady(ctx, q.scheduledKey, ids); err != nil {
		return 0, errors.Wrap(err, "promote scheduled")
	}
	return len(ids), nil
}

// DequeueWithLease pops the next job in priority order and leases it for the visibility timeout.
// It returns "" when every ready list is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "dequeue")
	}
	jobID, ok := res.(string)
	if !ok {
		return "", errors.Newf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and drops its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired returns timed-out leases to their ready lists.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.dueMembers(ctx, q.inflightKey, now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	if err := q.moveToReady(ctx, q.inflightKey, ids); err != nil {
		return nil, errors.Wrap(err, "requeue expired leases")
	}
	return ids, nil
}

func (q *RedisQueue) dueMembers(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "range %s", key)
	}
	return ids, nil
}

func (q *RedisQueue) moveToReady(ctx context.Context, from string, ids []string) error {
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority, err := q.client.HGet(ctx, q.metaKey(id), "priority").Result()
		if err != nil {
			priority = defaultPriority
		}
		pipe.ZRem(ctx, from, id)
		pipe.RPush(ctx, q.readyKey(q.knownPriority(priority)), id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Cancel removes a job from ready, scheduled and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter list for operator inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the oldest dead-lettered job ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// DLQLength reports how many job ids sit in the dead-letter list.
func (q *RedisQueue) DLQLength(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.dlqKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "dlq length")
	}
	return n, nil
}

// ReadyDepth returns the total length of all ready lists.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "ready depth")
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
