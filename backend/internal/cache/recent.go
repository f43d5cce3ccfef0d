package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// RecentMessage 房间最近消息缓存条目
type RecentMessage struct {
	MessageID  uint64    `json:"message_id"`
	RoomID     uint64    `json:"room_id"`
	SenderID   uint64    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	Type       string    `json:"message_type"`
	ReplyToID  *uint64   `json:"reply_to_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type RecentMessageBuffer interface {
	Push(ctx context.Context, msg RecentMessage) bool
	// Recent 最新的在前；limit<=0 返回全部
	Recent(ctx context.Context, roomID uint64, limit int) []RecentMessage
}

type cacheRecent struct {
	c      Cache
	maxLen int
	ttl    time.Duration
}

func NewRecentMessageBuffer(c Cache, maxLen int, ttl time.Duration) RecentMessageBuffer {
	if maxLen <= 0 {
		maxLen = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &cacheRecent{c: c, maxLen: maxLen, ttl: ttl}
}

func (r *cacheRecent) Push(ctx context.Context, msg RecentMessage) bool {
	b, err := json.Marshal(msg)
	if err != nil {
		log.Printf("recent: marshal message %d: %v", msg.MessageID, err)
		return false
	}
	return r.c.ListPush(ctx, recentKey(msg.RoomID), b, r.maxLen, r.ttl)
}

func (r *cacheRecent) Recent(ctx context.Context, roomID uint64, limit int) []RecentMessage {
	if limit <= 0 || limit > r.maxLen {
		limit = r.maxLen
	}
	raw := r.c.ListRange(ctx, recentKey(roomID), limit)
	out := make([]RecentMessage, 0, len(raw))
	for _, b := range raw {
		var m RecentMessage
		if err := json.Unmarshal(b, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}
