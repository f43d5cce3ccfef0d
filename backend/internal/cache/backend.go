package cache

import (
	"context"
	"time"
)

// Backend 是缓存的存储后端：redis（主）和进程内存（兜底）都实现它。
// 值都是已经过 codec 编码的字节；集合成员是普通字符串。
type Backend interface {
	Name() string
	Ping(ctx context.Context) error

	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)

	// 锁原语：不存在才写；值相等才删
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key string, val []byte) (bool, error)

	SAdd(ctx context.Context, key string, member string, ttl time.Duration) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// LPushTrim 头插并截断到 maxLen，同时刷新 TTL
	LPushTrim(ctx context.Context, key string, val []byte, maxLen int, ttl time.Duration) error
	LRange(ctx context.Context, key string, n int) ([][]byte, error)
}
