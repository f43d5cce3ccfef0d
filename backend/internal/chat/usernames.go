package chat

import (
	"context"
	"log"
	"math/rand"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"chat-gateway/backend/internal/cache"
)

const (
	NameBaseTTL      = 10 * time.Minute // 基础过期时间
	NameJitter       = 2 * time.Minute  // 随机抖动范围
	NullNameTTL      = time.Minute      // 空值缓存
	emptyCacheMarker = "\x00"           // 空值标记，用户名不可能是它
)

// 获取随机TTL，防止缓存雪崩
func nameTTL() time.Duration {
	return NameBaseTTL + time.Duration(rand.Int63n(int64(NameJitter)))
}

// NameResolver 显示名解析：缓存 -> singleflight 回源 -> 写回（含空值）
type NameResolver struct {
	c   cache.Cache
	dir UserDirectory
	sf  singleflight.Group
}

func NewNameResolver(c cache.Cache, dir UserDirectory) *NameResolver {
	return &NameResolver{c: c, dir: dir}
}

// Resolve 总是返回一个可展示的名字；查不到时用 "user_<id>"
func (r *NameResolver) Resolve(ctx context.Context, userID uint64) string {
	fallback := "user_" + strconv.FormatUint(userID, 10)
	key := cache.UserNameKey(userID)

	if b, ok := r.c.Get(ctx, key); ok {
		if string(b) == emptyCacheMarker {
			return fallback
		}
		return string(b)
	}
	if r.dir == nil {
		return fallback
	}

	// 使用 Singleflight 包裹回源
	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		name, exists, err := r.dir.DisplayName(ctx, userID)
		if err != nil {
			return "", err
		}
		// 填入真实值或者空值缓存，防止缓存穿透
		if !exists || name == "" {
			r.c.Set(ctx, key, []byte(emptyCacheMarker), NullNameTTL)
			return "", nil
		}
		r.c.Set(ctx, key, []byte(name), nameTTL())
		return name, nil
	})
	if err != nil {
		log.Printf("resolve name user=%d: %v", userID, err)
		return fallback
	}
	// 使用断言确保不会panic
	if name, ok := v.(string); ok && name != "" {
		return name
	}
	return fallback
}
