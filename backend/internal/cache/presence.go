package cache

import (
	"context"
	"log"
	"sort"
	"strconv"
	"time"
)

type PresenceStore interface {
	Add(ctx context.Context, roomID, userID uint64)
	Remove(ctx context.Context, roomID, userID uint64)
	Members(ctx context.Context, roomID uint64) []uint64
	// Reconcile 在分布式锁内移除 stale 中已不在线的用户，返回实际移除的 userId
	Reconcile(ctx context.Context, roomID uint64, stale []uint64, isLive func(userID uint64) bool) ([]uint64, error)
}

// 具体实现：基于 ResilientCache 的房间在线集合
type cachePresence struct {
	c           Cache
	ttl         time.Duration
	lockTimeout time.Duration
}

func NewPresenceStore(c Cache, ttl time.Duration) PresenceStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &cachePresence{c: c, ttl: ttl, lockTimeout: 2 * time.Second}
}

func (p *cachePresence) Add(ctx context.Context, roomID, userID uint64) {
	// 刷新 TTL 也直接调用 Add 即可
	if !p.c.SetAdd(ctx, presenceKey(roomID), strconv.FormatUint(userID, 10), p.ttl) {
		log.Printf("presence: add room=%d user=%d failed", roomID, userID)
	}
}

func (p *cachePresence) Remove(ctx context.Context, roomID, userID uint64) {
	p.c.SetRemove(ctx, presenceKey(roomID), strconv.FormatUint(userID, 10))
}

func (p *cachePresence) Members(ctx context.Context, roomID uint64) []uint64 {
	raw := p.c.SetMembers(ctx, presenceKey(roomID))
	out := make([]uint64, 0, len(raw))
	for _, s := range raw {
		uid, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *cachePresence) Reconcile(ctx context.Context, roomID uint64, stale []uint64, isLive func(uint64) bool) ([]uint64, error) {
	if len(stale) == 0 {
		return nil, nil
	}
	lock, err := p.c.AcquireLock(ctx, PresenceLockName(roomID), p.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.Release(ctx)

	members := make([]string, 0, len(stale))
	removed := make([]uint64, 0, len(stale))
	for _, uid := range stale {
		// 在锁内再确认一次：期间重新连上的用户不能移除
		if isLive != nil && isLive(uid) {
			continue
		}
		members = append(members, strconv.FormatUint(uid, 10))
		removed = append(removed, uid)
	}
	if len(members) > 0 {
		p.c.SetRemove(ctx, presenceKey(roomID), members...)
	}
	return removed, nil
}
