package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/sourcenet/internal/queue"
)

// KEYS: ready, inflight, tasks. ARGV: key, payload, due ms.
var enqueueScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) or redis.call('ZSCORE', KEYS[2], ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// KEYS: ready, inflight, tasks, receipts, deliveries. ARGV: now ms, deadline ms, receipt.
var consumeScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, k in ipairs(expired) do
	redis.call('ZREM', KEYS[2], k)
	redis.call('HDEL', KEYS[4], k)
	redis.call('ZADD', KEYS[1], ARGV[1], k)
end
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
	return false
end
local k = due[1]
redis.call('ZREM', KEYS[1], k)
redis.call('ZADD', KEYS[2], ARGV[2], k)
redis.call('HSET', KEYS[4], k, ARGV[3])
local n = redis.call('HINCRBY', KEYS[5], k, 1)
return {k, redis.call('HGET', KEYS[3], k) or '', n}
`)

// KEYS: inflight, tasks, receipts, deliveries. ARGV: key, receipt.
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

// KEYS: ready, inflight, receipts. ARGV: key, receipt, due ms.
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// RedisQueue implements queue.Queue on sorted sets. Ready tasks are scored by
// due time and in-flight tasks by their visibility deadline.
type RedisQueue struct {
	rc         *RedisClient
	visibility time.Duration
}

// NewRedisQueue returns a queue sharing rc's connection
func NewRedisQueue(rc *RedisClient, visibility time.Duration) *RedisQueue {
	return &RedisQueue{rc: rc, visibility: visibility}
}

type queueKeys struct {
	ready, inflight, tasks, receipts, deliveries string
}

func keysFor(taskType string) queueKeys {
	// Hash tag keeps every key of one type in the same cluster slot.
	base := keyPrefix + "queue:{" + taskType + "}:"
	return queueKeys{
		ready:      base + "ready",
		inflight:   base + "inflight",
		tasks:      base + "tasks",
		receipts:   base + "receipts",
		deliveries: base + "deliveries",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task queue.Task, delay time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "redis.queue.enqueue",
		trace.WithAttributes(
			attribute.String("task_type", task.Type),
			attribute.String("task_key", task.Key),
		),
	)
	defer span.End()

	k := keysFor(task.Type)
	due := q.rc.now().Add(delay).UnixMilli()
	n, err := enqueueScript.Run(ctx, q.rc.client,
		[]string{k.ready, k.inflight, k.tasks},
		task.Key, task.Payload, due,
	).Int()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to enqueue %s: %w", task.Key, err)
	}
	span.SetAttributes(attribute.Bool("enqueued", n == 1))
	return n == 1, nil
}

func (q *RedisQueue) Consume(ctx context.Context, taskType string) (*queue.Delivery, error) {
	k := keysFor(taskType)
	now := q.rc.now()
	receipt := uuid.NewString()

	res, err := consumeScript.Run(ctx, q.rc.client,
		[]string{k.ready, k.inflight, k.tasks, k.receipts, k.deliveries},
		now.UnixMilli(), now.Add(q.visibility).UnixMilli(), receipt,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrEmpty
	} else if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", taskType, err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected consume reply of length %d", len(res))
	}

	key, _ := res[0].(string)
	payload, _ := res[1].(string)
	deliveries, _ := res[2].(int64)
	return &queue.Delivery{
		Task:       queue.Task{Type: taskType, Key: key, Payload: []byte(payload)},
		Deliveries: int(deliveries),
		Receipt:    receipt,
	}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *queue.Delivery) error {
	k := keysFor(d.Task.Type)
	n, err := ackScript.Run(ctx, q.rc.client,
		[]string{k.inflight, k.tasks, k.receipts, k.deliveries},
		d.Task.Key, d.Receipt,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to ack %s: %w", d.Task.Key, err)
	}
	if n == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, d *queue.Delivery, delay time.Duration) error {
	k := keysFor(d.Task.Type)
	due := q.rc.now().Add(delay).UnixMilli()
	n, err := retryScript.Run(ctx, q.rc.client,
		[]string{k.ready, k.inflight, k.receipts},
		d.Task.Key, d.Receipt, due,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to retry %s: %w", d.Task.Key, err)
	}
	if n == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}
