package ws

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"chat-gateway/backend/internal/cache"
	"chat-gateway/backend/internal/metrics"
)

const shardCount = 64

// 房间分片：roomID -> userID -> *Conn
type roomShard struct {
	mu    sync.RWMutex
	rooms map[uint64]map[uint64]*Conn
}

// 用户分片：userID -> roomID -> *Conn
type userShard struct {
	mu    sync.RWMutex
	users map[uint64]map[uint64]*Conn
}

type HubOptions struct {
	// 单次广播的最大并发写数量
	FanoutLimit int
	Metrics     *metrics.Metrics
}

// Hub 连接注册表。
// 同一 (room, user) 最多一条活跃连接；按房间和按用户各做一份分片索引，
// 不相关的房间互不阻塞。修改时固定先锁房间分片再锁用户分片。
// presence 的读写不持有分片锁，而是按 (room, user) 条带串行，
// 每次都以注册表当时的状态为准。
type Hub struct {
	presence cache.PresenceStore
	metrics  *metrics.Metrics
	fanout   int

	roomShards [shardCount]roomShard
	userShards [shardCount]userShard
	presenceMu [shardCount]sync.Mutex

	seq atomic.Uint64
}

func NewHub(p cache.PresenceStore, opt HubOptions) *Hub {
	if opt.FanoutLimit <= 0 {
		opt.FanoutLimit = 64
	}
	h := &Hub{presence: p, metrics: opt.Metrics, fanout: opt.FanoutLimit}
	for i := range h.roomShards {
		h.roomShards[i].rooms = make(map[uint64]map[uint64]*Conn)
		h.userShards[i].users = make(map[uint64]map[uint64]*Conn)
	}
	return h
}

func (h *Hub) roomShardOf(roomID uint64) *roomShard { return &h.roomShards[roomID%shardCount] }
func (h *Hub) userShardOf(userID uint64) *userShard { return &h.userShards[userID%shardCount] }

// lockPair 固定顺序加锁：房间分片 -> 用户分片
func (h *Hub) lockPair(roomID, userID uint64) (*roomShard, *userShard) {
	rs, us := h.roomShardOf(roomID), h.userShardOf(userID)
	rs.mu.Lock()
	us.mu.Lock()
	return rs, us
}

func unlockPair(rs *roomShard, us *userShard) {
	us.mu.Unlock()
	rs.mu.Unlock()
}

// Connect 注册连接；已有的同房间同用户连接会被替换并关闭
func (h *Hub) Connect(ctx context.Context, t Transport, roomID, userID uint64, username string) *Conn {
	c := newConn(h.seq.Add(1), t, roomID, userID, username)

	rs, us := h.lockPair(roomID, userID)
	members := rs.rooms[roomID]
	if members == nil {
		members = make(map[uint64]*Conn)
		rs.rooms[roomID] = members
	}
	old := members[userID]
	members[userID] = c
	rooms := us.users[userID]
	if rooms == nil {
		rooms = make(map[uint64]*Conn)
		us.users[userID] = rooms
	}
	rooms[roomID] = c
	unlockPair(rs, us)

	if old != nil {
		log.Printf("ws: supersede conn room=%d user=%d old=%d new=%d", roomID, userID, old.id, c.id)
		old.close(ReasonSuperseded)
		h.metrics.ConnSuperseded()
		h.metrics.ConnClosed()
	}
	h.metrics.ConnOpened()
	h.syncPresence(ctx, roomID, userID)
	return c
}

// syncPresence 让 presence 跟上注册表：在线则 Add（同时刷新 TTL），否则 Remove。
// 同一 (room, user) 的同步互斥，最后一次同步看到的一定是最新的注册表状态。
func (h *Hub) syncPresence(ctx context.Context, roomID, userID uint64) {
	if h.presence == nil {
		return
	}
	mu := &h.presenceMu[(roomID*31+userID)%shardCount]
	mu.Lock()
	defer mu.Unlock()
	if h.lookup(roomID, userID) != nil {
		h.presence.Add(ctx, roomID, userID)
		return
	}
	h.presence.Remove(ctx, roomID, userID)
}

// removeIfCurrent 只有注册表里仍是 c 时才移除，防止旧会话删掉新连接
func (h *Hub) removeIfCurrent(c *Conn) bool {
	rs, us := h.lockPair(c.RoomID, c.UserID)
	defer unlockPair(rs, us)
	if rs.rooms[c.RoomID][c.UserID] != c {
		return false
	}
	h.deleteLocked(rs, us, c.RoomID, c.UserID)
	return true
}

// deleteLocked 需持有两个分片锁
func (h *Hub) deleteLocked(rs *roomShard, us *userShard, roomID, userID uint64) {
	if members, ok := rs.rooms[roomID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(rs.rooms, roomID)
		}
	}
	if rooms, ok := us.users[userID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(us.users, userID)
		}
	}
}

// evict 移除并关闭连接，同步 presence；返回是否真的移除了
func (h *Hub) evict(ctx context.Context, c *Conn, reason CloseReason) bool {
	if !h.removeIfCurrent(c) {
		return false
	}
	c.close(reason)
	h.metrics.ConnClosed()
	h.syncPresence(ctx, c.RoomID, c.UserID)
	return true
}

// Disconnect 幂等：连接不存在时也会清理 presence
func (h *Hub) Disconnect(ctx context.Context, roomID, userID uint64) {
	rs, us := h.lockPair(roomID, userID)
	c := rs.rooms[roomID][userID]
	if c != nil {
		h.deleteLocked(rs, us, roomID, userID)
	}
	unlockPair(rs, us)

	if c != nil {
		c.close(ReasonDisconnected)
		h.metrics.ConnClosed()
	}
	h.syncPresence(ctx, roomID, userID)
}

// Release 会话结束时调用；连接已被替换或已被移除时返回 false
func (h *Hub) Release(ctx context.Context, c *Conn) bool {
	return h.evict(ctx, c, ReasonClientClosed)
}

func (h *Hub) lookup(roomID, userID uint64) *Conn {
	rs := h.roomShardOf(roomID)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.rooms[roomID][userID]
}

// IsOnline 该用户在本节点是否有这个房间的活跃连接
func (h *Hub) IsOnline(roomID, userID uint64) bool { return h.lookup(roomID, userID) != nil }

// deliver 尽力发送；失败则移除连接，不向上返回错误
func (h *Hub) deliver(ctx context.Context, c *Conn, payload []byte) bool {
	if err := c.send(payload); err != nil {
		log.Printf("ws: send failed room=%d user=%d conn=%d: %v", c.RoomID, c.UserID, c.id, err)
		h.evict(ctx, c, ReasonSendFailed)
		return false
	}
	return true
}

// Send 单播给房间里的某个用户
func (h *Hub) Send(ctx context.Context, roomID, userID uint64, payload []byte) bool {
	c := h.lookup(roomID, userID)
	if c == nil {
		return false
	}
	return h.deliver(ctx, c, payload)
}

func (h *Hub) SendMessage(ctx context.Context, c *Conn, msg OutboundMessage) bool {
	b, err := json.Marshal(msg)
	if err != nil {
		log.Printf("ws: marshal %s: %v", msg.MessageType(), err)
		return false
	}
	return h.deliver(ctx, c, b)
}

// Broadcast 并发发送给房间内除 excludeUser 之外的所有连接（excludeUser=0 表示不排除）。
// 单个接收者失败不影响其他人，失败的连接在本轮结束后统一移除。返回成功数。
func (h *Hub) Broadcast(ctx context.Context, roomID uint64, payload []byte, excludeUser uint64) int {
	rs := h.roomShardOf(roomID)
	rs.mu.RLock()
	targets := make([]*Conn, 0, len(rs.rooms[roomID]))
	for uid, c := range rs.rooms[roomID] {
		if excludeUser != 0 && uid == excludeUser {
			continue
		}
		targets = append(targets, c)
	}
	rs.mu.RUnlock()
	if len(targets) == 0 {
		return 0
	}

	failed := make([]bool, len(targets))
	var g errgroup.Group
	g.SetLimit(h.fanout)
	for i, c := range targets {
		g.Go(func() error {
			if err := c.send(payload); err != nil {
				log.Printf("ws: broadcast failed room=%d user=%d: %v", roomID, c.UserID, err)
				failed[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	delivered := 0
	nFailed := 0
	for i, c := range targets {
		if !failed[i] {
			delivered++
			continue
		}
		nFailed++
		h.evict(ctx, c, ReasonSendFailed)
	}
	h.metrics.BroadcastFailed(nFailed)
	return delivered
}

func (h *Hub) BroadcastMessage(ctx context.Context, roomID uint64, msg OutboundMessage, excludeUser uint64) int {
	b, err := json.Marshal(msg)
	if err != nil {
		log.Printf("ws: marshal %s: %v", msg.MessageType(), err)
		return 0
	}
	return h.Broadcast(ctx, roomID, b, excludeUser)
}

// OnlineUsers 本节点该房间的在线用户（升序）
func (h *Hub) OnlineUsers(roomID uint64) []uint64 {
	rs := h.roomShardOf(roomID)
	rs.mu.RLock()
	out := make([]uint64, 0, len(rs.rooms[roomID]))
	for uid := range rs.rooms[roomID] {
		out = append(out, uid)
	}
	rs.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UserActiveRooms 用户在本节点有连接的房间（升序）
func (h *Hub) UserActiveRooms(userID uint64) []uint64 {
	us := h.userShardOf(userID)
	us.mu.RLock()
	out := make([]uint64, 0, len(us.users[userID]))
	for rid := range us.users[userID] {
		out = append(out, rid)
	}
	us.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// expireIdle 移除并关闭空闲超过 maxIdle 的连接，不动 presence（由调用方处理）。
// 逐个分片扫描，不在整个扫描期间持锁。
func (h *Hub) expireIdle(maxIdle time.Duration) []*Conn {
	now := time.Now()
	var candidates []*Conn
	for i := range h.roomShards {
		rs := &h.roomShards[i]
		rs.mu.RLock()
		for _, members := range rs.rooms {
			for _, c := range members {
				if c.idleFor(now) > maxIdle {
					candidates = append(candidates, c)
				}
			}
		}
		rs.mu.RUnlock()
	}

	expired := make([]*Conn, 0, len(candidates))
	for _, c := range candidates {
		// 扫描之后可能又有了活动，再确认一次
		if c.idleFor(time.Now()) <= maxIdle {
			continue
		}
		if !h.removeIfCurrent(c) {
			continue
		}
		c.close(ReasonIdle)
		h.metrics.ConnClosed()
		expired = append(expired, c)
	}
	return expired
}

// CleanupExpired 断开空闲超时的连接并清理 presence，返回数量
func (h *Hub) CleanupExpired(ctx context.Context, maxIdle time.Duration) int {
	expired := h.expireIdle(maxIdle)
	for _, c := range expired {
		h.syncPresence(ctx, c.RoomID, c.UserID)
	}
	return len(expired)
}

// RefreshPresence 把本节点所有在线连接重新写入 presence，刷新集合的 TTL。
// 安静的房间里没有新的 Connect，集合过期后其他节点就看不到这些用户。
func (h *Hub) RefreshPresence(ctx context.Context) int {
	if h.presence == nil {
		return 0
	}
	type pair struct{ roomID, userID uint64 }
	var live []pair
	for i := range h.roomShards {
		rs := &h.roomShards[i]
		rs.mu.RLock()
		for rid, members := range rs.rooms {
			for uid := range members {
				live = append(live, pair{rid, uid})
			}
		}
		rs.mu.RUnlock()
	}
	for _, p := range live {
		h.syncPresence(ctx, p.roomID, p.userID)
	}
	return len(live)
}

// CloseAll 关停时关闭所有连接
func (h *Hub) CloseAll(ctx context.Context) int {
	var all []*Conn
	for i := range h.roomShards {
		rs := &h.roomShards[i]
		rs.mu.RLock()
		for _, members := range rs.rooms {
			for _, c := range members {
				all = append(all, c)
			}
		}
		rs.mu.RUnlock()
	}
	n := 0
	for _, c := range all {
		if h.evict(ctx, c, ReasonShutdown) {
			n++
		}
	}
	return n
}

type Stats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveRooms      int            `json:"active_rooms"`
	ActiveUsers      int            `json:"active_users"`
	Rooms            map[uint64]int `json:"rooms"`
}

func (h *Hub) Stats() Stats {
	st := Stats{Rooms: make(map[uint64]int)}
	for i := range h.roomShards {
		rs := &h.roomShards[i]
		rs.mu.RLock()
		for rid, members := range rs.rooms {
			st.Rooms[rid] = len(members)
			st.TotalConnections += len(members)
		}
		rs.mu.RUnlock()
	}
	st.ActiveRooms = len(st.Rooms)
	for i := range h.userShards {
		us := &h.userShards[i]
		us.mu.RLock()
		st.ActiveUsers += len(us.users)
		us.mu.RUnlock()
	}
	return st
}
