package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tasksync/pkg/metrics"
)

const (
	DefaultRedisTTL    = 10 * time.Minute
	DefaultRedisPrefix = "tasksync:scope:"
)

// RedisIndex 共享的快照索引，多个进程间复用同一份视图数据，过期时间即淘汰策略
type RedisIndex struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisIndex(rdb redis.Cmdable, prefix string, ttl time.Duration, logger *zap.Logger) *RedisIndex {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisIndex{rdb: rdb, prefix: prefix, ttl: ttl, logger: logger}
}

func (r *RedisIndex) key(k string) string {
	return r.prefix + k
}

func (r *RedisIndex) Get(ctx context.Context, key string) (Snapshot, bool, error) {
	raw, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.IncrementCacheLookup("redis", "miss")
		return Snapshot{}, false, nil
	}
	if err != nil {
		metrics.IncrementCacheLookup("redis", "error")
		r.logger.Warn("Redis cache get failed", zap.String("scope", key), zap.Error(err))
		return Snapshot{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// 脏数据按未命中处理，并顺手删掉
		metrics.IncrementCacheLookup("redis", "error")
		r.logger.Warn("Corrupted scope snapshot dropped", zap.String("scope", key), zap.Error(err))
		_ = r.rdb.Del(ctx, r.key(key)).Err()
		return Snapshot{}, false, nil
	}
	metrics.IncrementCacheLookup("redis", "hit")
	return snap, true, nil
}

func (r *RedisIndex) Put(ctx context.Context, key string, snap Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", key, err)
	}
	if err := r.rdb.Set(ctx, r.key(key), body, r.ttl).Err(); err != nil {
		r.logger.Warn("Redis cache put failed", zap.String("scope", key), zap.Error(err))
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisIndex) Invalidate(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
