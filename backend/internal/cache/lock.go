package cache

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const lockRetryInterval = 100 * time.Millisecond

// ScopedLock 持有的分布式锁。记住加锁时使用的后端，释放时只删自己的 token。
// 没有 fencing token：锁过期后旧持有者仍可能继续执行，调用方的临界区要幂等。
type ScopedLock struct {
	key     string
	token   []byte
	backend Backend
	once    sync.Once
}

func (l *ScopedLock) Key() string { return l.key }

// Release 原子地比较并删除；锁已过期或被别人持有时什么也不做
func (l *ScopedLock) Release(ctx context.Context) bool {
	released := false
	l.once.Do(func() {
		ok, err := l.backend.CompareAndDelete(ctx, l.key, l.token)
		if err != nil {
			log.Printf("cache: release lock %s: %v", l.key, err)
			return
		}
		released = ok
	})
	return released
}

// AcquireLock SET NX + TTL，每 100ms 重试直到 timeout；timeout 同时作为锁的 TTL
func (c *resilientCache) AcquireLock(ctx context.Context, name string, timeout time.Duration) (*ScopedLock, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	key := lockKey(name)
	token := []byte(uuid.NewString())
	deadline := time.Now().Add(timeout)

	for {
		var acquired bool
		b := c.run("lock", func(b Backend) error {
			var err error
			acquired, err = b.SetNX(ctx, key, token, timeout)
			return err
		})
		if acquired {
			return &ScopedLock{key: key, token: token, backend: b}, nil
		}
		if time.Now().Add(lockRetryInterval).After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}
