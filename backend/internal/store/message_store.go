package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"chat-gateway/backend/internal/chat"
)

type messageStore struct {
	db *gorm.DB
}

func NewMessageStore(db *gorm.DB) chat.MessageStore {
	return &messageStore{db: db}
}

var _ chat.MessageStore = (*messageStore)(nil)

// CreateMessage 在一个事务里校验房间和成员状态后写入消息
func (s *messageStore) CreateMessage(ctx context.Context, msg chat.NewMessage) (*chat.StoredMessage, error) {
	ctx, cancel := withTimeout(ctx)
	// 释放资源
	defer cancel()

	if msg.Type == "" {
		msg.Type = MessageTypeText
	}
	now := time.Now()
	row := ChatMessage{
		RoomID:           msg.RoomID,
		SenderID:         msg.SenderID,
		ContentText:      msg.Content,
		MessageType:      msg.Type,
		ReplyToMessageID: msg.ReplyToID,
		MessageStatus:    "sent",
		SentAt:           now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room ChatRoom
		if err := tx.Select("id").Where("id = ?", msg.RoomID).First(&room).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return chat.ErrRoomNotFound
			}
			return err
		}
		var n int64
		if err := tx.Model(&ChatRoomMember{}).
			Where("room_id = ? AND member_id = ? AND status = ?", msg.RoomID, msg.SenderID, MemberStatusActive).
			Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return chat.ErrPermissionDenied
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&ChatRoom{}).Where("id = ?", msg.RoomID).Update("updated_at", now).Error
	})
	if err != nil {
		return nil, mapError(err)
	}
	return &chat.StoredMessage{ID: row.ID, CreatedAt: row.CreatedAt}, nil
}
