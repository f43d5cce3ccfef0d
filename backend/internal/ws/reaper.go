package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"chat-gateway/backend/internal/cache"
	"chat-gateway/backend/internal/metrics"
)

// Reaper 定期回收空闲连接。同一时刻只有一轮在跑（singleflight）。
type Reaper struct {
	hub      *Hub
	presence cache.PresenceStore
	metrics  *metrics.Metrics
	maxIdle  time.Duration
	interval time.Duration

	sf     singleflight.Group
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewReaper(h *Hub, p cache.PresenceStore, m *metrics.Metrics, maxIdle, interval time.Duration) *Reaper {
	if maxIdle <= 0 {
		maxIdle = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reaper{hub: h, presence: p, metrics: m, maxIdle: maxIdle, interval: interval}
}

// RunOnce 执行一轮回收，返回本轮被回收的连接数；并发调用共享同一轮结果
func (r *Reaper) RunOnce(ctx context.Context) int {
	v, _, _ := r.sf.Do("reap", func() (interface{}, error) {
		return r.reap(ctx), nil
	})
	n, _ := v.(int)
	return n
}

func (r *Reaper) reap(ctx context.Context) int {
	expired := r.hub.expireIdle(r.maxIdle)
	if len(expired) > 0 {
		r.metrics.Evicted(len(expired))
		r.announce(ctx, expired)
	}
	// 留下来的连接重新写入 presence，避免集合在安静的房间里过期
	r.hub.RefreshPresence(ctx)
	return len(expired)
}

// announce 对账 presence 并向受影响的房间广播 user_left
func (r *Reaper) announce(ctx context.Context, expired []*Conn) {
	byRoom := make(map[uint64][]*Conn)
	for _, c := range expired {
		byRoom[c.RoomID] = append(byRoom[c.RoomID], c)
	}

	for roomID, conns := range byRoom {
		if r.presence != nil {
			stale := make([]uint64, 0, len(conns))
			for _, c := range conns {
				stale = append(stale, c.UserID)
			}
			isLive := func(uid uint64) bool { return r.hub.IsOnline(roomID, uid) }
			if _, err := r.presence.Reconcile(ctx, roomID, stale, isLive); err != nil {
				// 拿不到锁说明别的节点正在对账；presence 自身的 TTL 兜底
				log.Printf("reaper: reconcile presence room=%d: %v", roomID, err)
			}
		}

		online := mergeOnline(ctx, r.hub.OnlineUsers(roomID), r.presence, roomID)
		for _, c := range conns {
			if r.hub.IsOnline(roomID, c.UserID) {
				// 期间已经重新连上
				continue
			}
			r.hub.BroadcastMessage(ctx, roomID, UserLeftMessage{
				Type:        TypeUserLeft,
				RoomID:      roomID,
				UserID:      c.UserID,
				Username:    c.Username,
				OnlineUsers: online,
				Reason:      ReasonIdle.String(),
				Timestamp:   timestamp(),
			}, c.UserID)
		}
	}
	log.Printf("reaper: evicted %d idle connections in %d rooms", len(expired), len(byRoom))
}

// Start 启动后台回收协程
func (r *Reaper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
}

func (r *Reaper) Stop() {
	r.once.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
	})
}
