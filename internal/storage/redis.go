package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/sourcenet/internal/models"
)

const (
	// CacheTTL is the time-to-live for cached DataPod records (5 minutes)
	CacheTTL = 5 * time.Minute

	keyPrefix = "sourcenet:"
)

// releaseLockScript deletes the lock only if it still holds our token.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisClient wraps Redis operations with tracing
type RedisClient struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return NewRedisClientFrom(client), nil
}

// NewRedisClientFrom wraps an existing go-redis client
func NewRedisClientFrom(client *redis.Client) *RedisClient {
	return &RedisClient{client: client, now: time.Now}
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// Ping checks Redis connectivity
func (rc *RedisClient) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// GetCachedDataPod retrieves a DataPod from cache. A miss returns (nil, nil).
func (rc *RedisClient) GetCachedDataPod(ctx context.Context, id string) (*models.DataPod, error) {
	ctx, span := tracer.Start(ctx, "redis.get_datapod",
		trace.WithAttributes(attribute.String("datapod_id", id)),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, datapodCacheKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(
			attribute.Bool("cache_hit", false),
			attribute.String("cache_status", "miss"),
		)
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var pod models.DataPod
	if err := json.Unmarshal([]byte(data), &pod); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("cache_hit", true),
		attribute.String("cache_status", "hit"),
	)
	return &pod, nil
}

// CacheDataPod stores a DataPod in cache with tracing
func (rc *RedisClient) CacheDataPod(ctx context.Context, pod *models.DataPod) error {
	ctx, span := tracer.Start(ctx, "redis.set_datapod",
		trace.WithAttributes(attribute.String("datapod_id", pod.ID)),
	)
	defer span.End()

	data, err := json.Marshal(pod)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal datapod: %w", err)
	}

	if err := rc.client.Set(ctx, datapodCacheKey(pod.ID), data, CacheTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}

	span.SetAttributes(attribute.Int64("ttl_seconds", int64(CacheTTL.Seconds())))
	return nil
}

// InvalidateDataPod removes a DataPod from cache with tracing
func (rc *RedisClient) InvalidateDataPod(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_datapod",
		trace.WithAttributes(attribute.String("datapod_id", id)),
	)
	defer span.End()

	if err := rc.client.Del(ctx, datapodCacheKey(id)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

// TryLock takes a TTL-bounded lock on key. The returned release only deletes
// the lock while it still carries this holder's token.
func (rc *RedisClient) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	ctx, span := tracer.Start(ctx, "redis.try_lock",
		trace.WithAttributes(attribute.String("lock_key", key)),
	)
	defer span.End()

	token := uuid.NewString()
	lockKey := keyPrefix + "lock:" + key
	ok, err := rc.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	span.SetAttributes(attribute.Bool("acquired", ok))
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseLockScript.Run(ctx, rc.client, []string{lockKey}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}

// ConsumeOnce marks id as used for ttl. It reports false if id was already used.
func (rc *RedisClient) ConsumeOnce(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "redis.consume_once",
		trace.WithAttributes(attribute.String("token_id", id)),
	)
	defer span.End()

	ok, err := rc.client.SetNX(ctx, keyPrefix+"used:"+id, rc.now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to record token use: %w", err)
	}
	span.SetAttributes(attribute.Bool("first_use", ok))
	return ok, nil
}

// Publish sends a message on a pub/sub channel
func (rc *RedisClient) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, span := tracer.Start(ctx, "redis.publish",
		trace.WithAttributes(attribute.String("channel", channel)),
	)
	defer span.End()

	if err := rc.client.Publish(ctx, channel, payload).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func datapodCacheKey(id string) string {
	return keyPrefix + "datapod:" + id
}
