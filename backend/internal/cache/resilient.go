package cache

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

var ErrLockTimeout = errors.New("LOCK_TIMEOUT")

// Cache 对调用方屏蔽后端故障：主存储（redis）出错或处于 degraded 时自动走进程内兜底。
// 读不到和后端不可用对调用方来说是一样的（miss）。
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) bool
	Delete(ctx context.Context, key string) bool
	DeletePattern(ctx context.Context, pattern string) int
	Exists(ctx context.Context, key string) bool

	SetAdd(ctx context.Context, key, member string, ttl time.Duration) bool
	SetRemove(ctx context.Context, key string, members ...string) bool
	SetMembers(ctx context.Context, key string) []string
	ListPush(ctx context.Context, key string, val []byte, maxLen int, ttl time.Duration) bool
	ListRange(ctx context.Context, key string, n int) [][]byte

	AcquireLock(ctx context.Context, name string, timeout time.Duration) (*ScopedLock, error)
	Health(ctx context.Context) HealthReport

	Start()
	Stop()
}

// Observer 接收缓存操作和健康状态变化（metrics 包实现）
type Observer interface {
	CacheOp(backend, op, result string)
	CacheHealth(state string)
}

type Options struct {
	CompressionThreshold int
	FallbackMaxItems     int
	HealthInterval       time.Duration
	ProbeTimeout         time.Duration
	Observer             Observer
}

type HealthReport struct {
	Status       string `json:"status"`
	Backend      string `json:"backend"`
	PrimaryError string `json:"primary_error,omitempty"`
	FallbackSize int    `json:"fallback_size"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Sets         uint64 `json:"sets"`
	Deletes      uint64 `json:"deletes"`
	Errors       uint64 `json:"errors"`
}

type cacheStats struct {
	hits, misses, sets, deletes, errors atomic.Uint64
}

type resilientCache struct {
	primary  Backend // 可以为 nil，此时只用兜底
	fallback *memoryStore
	codec    *codec
	health   healthMachine
	stats    cacheStats
	obs      Observer
	opts     Options

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewResilientCache(primary Backend, opts Options) (Cache, error) {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 10 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = time.Second
	}
	cd, err := newCodec(opts.CompressionThreshold)
	if err != nil {
		return nil, err
	}
	c := &resilientCache{
		primary:  primary,
		fallback: newMemoryStore(opts.FallbackMaxItems),
		codec:    cd,
		obs:      opts.Observer,
		opts:     opts,
	}
	if primary == nil {
		c.health.force(StateDegraded)
	}
	return c, nil
}

// active 返回当前应当使用的后端
func (c *resilientCache) active() Backend {
	if c.primary == nil || c.health.load() == StateDegraded {
		return c.fallback
	}
	return c.primary
}

func (c *resilientCache) observe(b Backend, op, result string) {
	if c.obs != nil {
		c.obs.CacheOp(b.Name(), op, result)
	}
}

// primaryFailed 记录主存储错误并切到 degraded
func (c *resilientCache) primaryFailed(op string, err error) {
	c.stats.errors.Add(1)
	c.observe(c.primary, op, "error")
	if old, nxt := c.health.fire(evOpFailed); old != nxt {
		log.Printf("cache: primary %s failed, switch to fallback: %v", op, err)
		if c.obs != nil {
			c.obs.CacheHealth(nxt.String())
		}
	}
}

// run 在当前后端上执行 fn；主存储出错则在兜底上重试一次
func (c *resilientCache) run(op string, fn func(b Backend) error) Backend {
	b := c.active()
	err := fn(b)
	if err == nil {
		c.observe(b, op, "ok")
		return b
	}
	if b == c.primary {
		c.primaryFailed(op, err)
		if ferr := fn(c.fallback); ferr == nil {
			c.observe(c.fallback, op, "ok")
		} else {
			c.observe(c.fallback, op, "error")
		}
		return c.fallback
	}
	c.stats.errors.Add(1)
	c.observe(b, op, "error")
	log.Printf("cache: fallback %s failed: %v", op, err)
	return b
}

func (c *resilientCache) Get(ctx context.Context, key string) ([]byte, bool) {
	var (
		raw []byte
		ok  bool
	)
	c.run("get", func(b Backend) error {
		var err error
		raw, ok, err = b.Get(ctx, key)
		return err
	})
	if !ok {
		c.stats.misses.Add(1)
		return nil, false
	}
	val, err := c.codec.decode(raw)
	if err != nil {
		log.Printf("cache: decode %s: %v", key, err)
		c.stats.errors.Add(1)
		c.stats.misses.Add(1)
		return nil, false
	}
	c.stats.hits.Add(1)
	return val, true
}

func (c *resilientCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) bool {
	enc := c.codec.encode(val)
	ok := false
	c.run("set", func(b Backend) error {
		err := b.Set(ctx, key, enc, ttl)
		ok = err == nil
		return err
	})
	if ok {
		c.stats.sets.Add(1)
	}
	return ok
}

// Delete 主存储和兜底都删，避免故障期间写入的旧值在之后被读到
func (c *resilientCache) Delete(ctx context.Context, key string) bool {
	deleted := false
	if b := c.active(); b != c.fallback {
		c.run("delete", func(b Backend) error {
			ok, err := b.Del(ctx, key)
			deleted = deleted || ok
			return err
		})
	}
	if ok, _ := c.fallback.Del(ctx, key); ok {
		deleted = true
	}
	if deleted {
		c.stats.deletes.Add(1)
	}
	return deleted
}

func (c *resilientCache) DeletePattern(ctx context.Context, pattern string) int {
	seen := make(map[string]struct{})
	if b := c.active(); b != c.fallback {
		c.run("delete_pattern", func(b Backend) error {
			keys, err := b.Keys(ctx, pattern)
			if err != nil {
				return err
			}
			for _, k := range keys {
				ok, err := b.Del(ctx, k)
				if err != nil {
					return err
				}
				if ok {
					seen[k] = struct{}{}
				}
			}
			return nil
		})
	}
	keys, err := c.fallback.Keys(ctx, pattern)
	if err != nil {
		log.Printf("cache: bad pattern %q: %v", pattern, err)
		return len(seen)
	}
	for _, k := range keys {
		if ok, _ := c.fallback.Del(ctx, k); ok {
			seen[k] = struct{}{}
		}
	}
	c.stats.deletes.Add(uint64(len(seen)))
	return len(seen)
}

func (c *resilientCache) Exists(ctx context.Context, key string) bool {
	found := false
	c.run("exists", func(b Backend) error {
		var err error
		found, err = b.Exists(ctx, key)
		return err
	})
	return found
}

func (c *resilientCache) SetAdd(ctx context.Context, key, member string, ttl time.Duration) bool {
	ok := false
	c.run("sadd", func(b Backend) error {
		err := b.SAdd(ctx, key, member, ttl)
		ok = err == nil
		return err
	})
	return ok
}

// SetRemove 和 Delete 一样两边都删
func (c *resilientCache) SetRemove(ctx context.Context, key string, members ...string) bool {
	ok := true
	if b := c.active(); b != c.fallback {
		c.run("srem", func(b Backend) error {
			err := b.SRem(ctx, key, members...)
			ok = err == nil
			return err
		})
	}
	if err := c.fallback.SRem(ctx, key, members...); err != nil {
		ok = false
	}
	return ok
}

func (c *resilientCache) SetMembers(ctx context.Context, key string) []string {
	var out []string
	c.run("smembers", func(b Backend) error {
		var err error
		out, err = b.SMembers(ctx, key)
		return err
	})
	return out
}

func (c *resilientCache) ListPush(ctx context.Context, key string, val []byte, maxLen int, ttl time.Duration) bool {
	enc := c.codec.encode(val)
	ok := false
	c.run("lpush", func(b Backend) error {
		err := b.LPushTrim(ctx, key, enc, maxLen, ttl)
		ok = err == nil
		return err
	})
	return ok
}

func (c *resilientCache) ListRange(ctx context.Context, key string, n int) [][]byte {
	var raw [][]byte
	c.run("lrange", func(b Backend) error {
		var err error
		raw, err = b.LRange(ctx, key, n)
		return err
	})
	out := make([][]byte, 0, len(raw))
	for _, r := range raw {
		v, err := c.codec.decode(r)
		if err != nil {
			log.Printf("cache: decode list item %s: %v", key, err)
			continue
		}
		out = append(out, v)
	}
	return out
}

func (c *resilientCache) Health(ctx context.Context) HealthReport {
	rep := HealthReport{
		Status:       c.health.load().String(),
		Backend:      c.active().Name(),
		FallbackSize: c.fallback.Len(),
		Hits:         c.stats.hits.Load(),
		Misses:       c.stats.misses.Load(),
		Sets:         c.stats.sets.Load(),
		Deletes:      c.stats.deletes.Load(),
		Errors:       c.stats.errors.Load(),
	}
	if c.primary != nil {
		pctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
		defer cancel()
		if err := c.primary.Ping(pctx); err != nil {
			rep.PrimaryError = err.Error()
		}
	} else {
		rep.PrimaryError = "no primary configured"
	}
	return rep
}

// probe 探测一次主存储并驱动状态机
func (c *resilientCache) probe(ctx context.Context) {
	if c.primary == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	err := c.primary.Ping(pctx)
	cancel()
	ev := evProbeOK
	if err != nil {
		ev = evProbeFailed
	}
	old, nxt := c.health.fire(ev)
	if old != nxt {
		log.Printf("cache: primary %s -> %s (err=%v)", old, nxt, err)
		if c.obs != nil {
			c.obs.CacheHealth(nxt.String())
		}
	}
}

// Start 启动健康检查协程：定期探测主存储，清理兜底里过期的键
func (c *resilientCache) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.probe(ctx)
				if n := c.fallback.sweep(); n > 0 {
					log.Printf("cache: swept %d expired fallback keys", n)
				}
			}
		}
	}()
}

func (c *resilientCache) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		c.codec.close()
	})
}
