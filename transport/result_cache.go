package transport

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const DefaultResultTTL = 24 * time.Hour

// ResultSink 执行结果的旁路缓存，写失败不影响任务状态
type ResultSink interface {
	StoreResult(ctx context.Context, taskID, result string, ttl time.Duration) error
}

type RedisResultCache struct {
	client *redis.Client
}

func NewRedisResultCache(client *redis.Client) *RedisResultCache {
	return &RedisResultCache{client: client}
}

func resultKey(taskID string) string {
	return "task:result:" + taskID
}

func (c *RedisResultCache) StoreResult(ctx context.Context, taskID, result string, ttl time.Duration) error {
	return c.client.Set(ctx, resultKey(taskID), result, ttl).Err()
}

// FetchResult 缓存过期或不存在时返回 redis.Nil
func (c *RedisResultCache) FetchResult(ctx context.Context, taskID string) (string, error) {
	return c.client.Get(ctx, resultKey(taskID)).Result()
}
