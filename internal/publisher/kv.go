package publisher

import (
	"context"
	"errors"
	"time"

	commonredis "github.com/Abdulrahman-Burham/healix-sub001/common/redis"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss 表示缓存不存在
var ErrCacheMiss = errors.New("cache miss")

// KVStore 抽象的 KV 存储（用于在单元测试中替换 Redis）
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// StreamWriter 追加写入流
type StreamWriter interface {
	Append(ctx context.Context, stream string, data interface{}) (string, error)
}

// RedisKVStore 基于 go-redis 的 KV 实现
type RedisKVStore struct {
	client *commonredis.Client
}

func NewRedisKVStore(client *commonredis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// RedisStreamWriter 基于 Redis Streams 的追加写入，maxLen > 0 时近似裁剪
type RedisStreamWriter struct {
	client *commonredis.Client
	maxLen int64
}

func NewRedisStreamWriter(client *commonredis.Client, maxLen int64) *RedisStreamWriter {
	return &RedisStreamWriter{client: client, maxLen: maxLen}
}

func (w *RedisStreamWriter) Append(ctx context.Context, stream string, data interface{}) (string, error) {
	return commonredis.PublishJSONToStream(ctx, w.client, stream, data, w.maxLen)
}
