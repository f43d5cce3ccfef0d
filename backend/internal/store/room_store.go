package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"chat-gateway/backend/internal/chat"
)

type roomStore struct {
	db *gorm.DB
}

func NewRoomStore(db *gorm.DB) chat.PermissionChecker {
	return &roomStore{db: db}
}

// CheckRoomAccess 房间不存在 -> ErrRoomNotFound；不是活跃成员 -> ErrForbidden
func (s *roomStore) CheckRoomAccess(ctx context.Context, roomID, userID uint64) (*chat.Room, *chat.Membership, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var room ChatRoom
	err := s.db.WithContext(ctx).Where("id = ?", roomID).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, chat.ErrRoomNotFound
		}
		return nil, nil, mapError(err)
	}

	var member ChatRoomMember
	err = s.db.WithContext(ctx).
		Where("room_id = ? AND member_id = ? AND status = ?", roomID, userID, MemberStatusActive).
		First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, chat.ErrForbidden
		}
		return nil, nil, mapError(err)
	}

	return &chat.Room{ID: room.ID, Name: room.Name, IsActive: true},
		&chat.Membership{RoomID: member.RoomID, UserID: member.MemberID, Role: member.Role, Status: member.Status},
		nil
}
