package chat

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRoomNotFound     = errors.New("ROOM_NOT_FOUND")
	ErrPermissionDenied = errors.New("PERMISSION_DENIED") // 发消息时不是活跃成员
	ErrForbidden        = errors.New("FORBIDDEN")         // 握手时无权进入房间
)

type Room struct {
	ID       uint64
	Name     string
	IsActive bool
}

type Membership struct {
	RoomID uint64
	UserID uint64
	Role   string
	Status string
}

type NewMessage struct {
	RoomID    uint64
	SenderID  uint64
	Content   string
	Type      string
	ReplyToID *uint64
}

type StoredMessage struct {
	ID        uint64
	CreatedAt time.Time
}

// MessageStore 消息持久化，成功后网关才会广播
type MessageStore interface {
	CreateMessage(ctx context.Context, msg NewMessage) (*StoredMessage, error)
}

// PermissionChecker 握手阶段检查房间存在且用户是活跃成员
type PermissionChecker interface {
	CheckRoomAccess(ctx context.Context, roomID, userID uint64) (*Room, *Membership, error)
}

// UserDirectory 查询显示名；用户不存在返回 ("", false, nil)
type UserDirectory interface {
	DisplayName(ctx context.Context, userID uint64) (string, bool, error)
}

// PointsAwarder 积分/成就，调用方不关心结果
type PointsAwarder interface {
	Award(ctx context.Context, userID, roomID uint64, reason string, points int)
}
