package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 只有值匹配（仍是自己持有的锁）才删除
var compareAndDeleteScript = redis.NewScript(`
-- KEYS[1] = lock key
-- ARGV[1] = owner token
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisBackend struct {
	rdb redis.UniversalClient
}

// NewRedisBackend 单机 / 哨兵 / 集群都用 UniversalClient
func NewRedisBackend(rdb redis.UniversalClient) Backend {
	return &redisBackend{rdb: rdb}
}

var _ Backend = (*redisBackend)(nil)

func (r *redisBackend) Name() string { return "redis" }

func (r *redisBackend) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *redisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (r *redisBackend) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, val, ttl).Err()
}

func (r *redisBackend) Del(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *redisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Keys 用 SCAN 而不是 KEYS，避免阻塞 redis；集群模式下逐个 master 扫描
func (r *redisBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	if cc, ok := r.rdb.(*redis.ClusterClient); ok {
		var (
			mu  sync.Mutex
			out []string
		)
		err := cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			keys, err := scanAll(ctx, node, pattern)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, keys...)
			mu.Unlock()
			return nil
		})
		return out, err
	}
	return scanAll(ctx, r.rdb, pattern)
}

func scanAll(ctx context.Context, c redis.Cmdable, pattern string) ([]string, error) {
	var keys []string
	iter := c.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *redisBackend) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, val, ttl).Result()
}

func (r *redisBackend) CompareAndDelete(ctx context.Context, key string, val []byte) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.rdb, []string{key}, val).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return n > 0, nil
}

func (r *redisBackend) SAdd(ctx context.Context, key string, member string, ttl time.Duration) error {
	// 加入成员同时刷新整个集合的 TTL
	tx := r.rdb.TxPipeline()
	tx.SAdd(ctx, key, member)
	if ttl > 0 {
		tx.Expire(ctx, key, ttl)
	}
	_, err := tx.Exec(ctx)
	return err
}

func (r *redisBackend) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.rdb.SRem(ctx, key, args...).Err()
}

func (r *redisBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return members, nil
}

func (r *redisBackend) LPushTrim(ctx context.Context, key string, val []byte, maxLen int, ttl time.Duration) error {
	tx := r.rdb.TxPipeline()
	tx.LPush(ctx, key, val)
	if maxLen > 0 {
		tx.LTrim(ctx, key, 0, int64(maxLen-1))
	}
	if ttl > 0 {
		tx.Expire(ctx, key, ttl)
	}
	_, err := tx.Exec(ctx)
	return err
}

func (r *redisBackend) LRange(ctx context.Context, key string, n int) ([][]byte, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n - 1)
	}
	vals, err := r.rdb.LRange(ctx, key, 0, stop).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}
