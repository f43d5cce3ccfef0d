package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"chat-gateway/backend/internal/chat"
)

type userStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) chat.UserDirectory {
	return &userStore{db: db}
}

// DisplayName 优先 name，没有则用 username；用户不存在返回 nil 错误
func (s *userStore) DisplayName(ctx context.Context, userID uint64) (string, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var u User
	err := s.db.WithContext(ctx).Select("id", "username", "name").Where("id = ?", userID).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil // 没找到
		}
		return "", false, mapError(err)
	}
	if u.Name != "" {
		return u.Name, true, nil
	}
	return u.Username, u.Username != "", nil
}
