package cache

import (
	"container/list"
	"context"
	"path"
	"sync"
	"time"
)

type entryKind uint8

const (
	kindString entryKind = iota
	kindSet
	kindList
)

type memEntry struct {
	key      string
	kind     entryKind
	val      []byte
	set      map[string]struct{}
	items    [][]byte
	expireAt time.Time // 零值表示不过期
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// memoryStore 进程内兜底存储：
// - 容量按键数计，满了淘汰最早创建的键（覆盖写不改变创建顺序）
// - TTL 惰性检查，另外由健康检查协程定期 sweep
type memoryStore struct {
	mu      sync.Mutex
	maxKeys int
	order   *list.List // 创建顺序，Front 最老
	items   map[string]*list.Element
	now     func() time.Time
}

func newMemoryStore(maxKeys int) *memoryStore {
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	return &memoryStore{
		maxKeys: maxKeys,
		order:   list.New(),
		items:   make(map[string]*list.Element),
		now:     time.Now,
	}
}

var _ Backend = (*memoryStore)(nil)

func (m *memoryStore) Name() string { return "memory" }

func (m *memoryStore) Ping(ctx context.Context) error { return nil }

func (m *memoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// lookup 需持有 mu；过期的顺手删掉
func (m *memoryStore) lookup(key string) *memEntry {
	el, ok := m.items[key]
	if !ok {
		return nil
	}
	e := el.Value.(*memEntry)
	if e.expired(m.now()) {
		m.order.Remove(el)
		delete(m.items, key)
		return nil
	}
	return e
}

// upsert 需持有 mu；新键超出容量时淘汰最老的
func (m *memoryStore) upsert(key string, kind entryKind) *memEntry {
	if e := m.lookup(key); e != nil {
		if e.kind != kind {
			e.kind, e.val, e.set, e.items = kind, nil, nil, nil
		}
		return e
	}
	for len(m.items) >= m.maxKeys {
		oldest := m.order.Front()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.items, oldest.Value.(*memEntry).key)
	}
	e := &memEntry{key: key, kind: kind}
	m.items[key] = m.order.PushBack(e)
	return e
}

func (m *memoryStore) expireAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *memoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil || e.kind != kindString {
		return nil, false, nil
	}
	return append([]byte(nil), e.val...), true, nil
}

func (m *memoryStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.upsert(key, kindString)
	e.val = append([]byte(nil), val...)
	e.expireAt = m.expireAt(ttl)
	return nil
}

func (m *memoryStore) Del(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookup(key) == nil {
		return false, nil
	}
	m.order.Remove(m.items[key])
	delete(m.items, key)
	return true, nil
}

func (m *memoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(key) != nil, nil
}

// Keys 用 path.Match 做 glob 匹配（* ? [..]），键里不含 '/'
func (m *memoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []string
	for el := m.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*memEntry)
		if e.expired(now) {
			continue
		}
		ok, err := path.Match(pattern, e.key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e.key)
		}
	}
	return out, nil
}

func (m *memoryStore) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookup(key) != nil {
		return false, nil
	}
	e := m.upsert(key, kindString)
	e.val = append([]byte(nil), val...)
	e.expireAt = m.expireAt(ttl)
	return true, nil
}

func (m *memoryStore) CompareAndDelete(ctx context.Context, key string, val []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil || e.kind != kindString || string(e.val) != string(val) {
		return false, nil
	}
	m.order.Remove(m.items[key])
	delete(m.items, key)
	return true, nil
}

func (m *memoryStore) SAdd(ctx context.Context, key string, member string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.upsert(key, kindSet)
	if e.set == nil {
		e.set = make(map[string]struct{})
	}
	e.set[member] = struct{}{}
	e.expireAt = m.expireAt(ttl)
	return nil
}

func (m *memoryStore) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil || e.kind != kindSet {
		return nil
	}
	for _, mb := range members {
		delete(e.set, mb)
	}
	// 与 redis 一致：空集合即不存在
	if len(e.set) == 0 {
		m.order.Remove(m.items[key])
		delete(m.items, key)
	}
	return nil
}

func (m *memoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil || e.kind != kindSet {
		return nil, nil
	}
	out := make([]string, 0, len(e.set))
	for mb := range e.set {
		out = append(out, mb)
	}
	return out, nil
}

func (m *memoryStore) LPushTrim(ctx context.Context, key string, val []byte, maxLen int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.upsert(key, kindList)
	items := make([][]byte, 0, len(e.items)+1)
	items = append(items, append([]byte(nil), val...))
	items = append(items, e.items...)
	if maxLen > 0 && len(items) > maxLen {
		items = items[:maxLen]
	}
	e.items = items
	e.expireAt = m.expireAt(ttl)
	return nil
}

func (m *memoryStore) LRange(ctx context.Context, key string, n int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil || e.kind != kindList {
		return nil, nil
	}
	if n <= 0 || n > len(e.items) {
		n = len(e.items)
	}
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = append([]byte(nil), e.items[i]...)
	}
	return out, nil
}

// sweep 清理已过期的键，返回清理数量
func (m *memoryStore) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*memEntry)
		if e.expired(now) {
			m.order.Remove(el)
			delete(m.items, e.key)
			n++
		}
		el = next
	}
	return n
}
