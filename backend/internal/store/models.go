package store

import "time"

const (
	MemberStatusActive = "active"
	MessageTypeText    = "text"
)

type ChatRoom struct {
	ID        uint64 `gorm:"primaryKey"`
	Name      string `gorm:"type:varchar(255);uniqueIndex"`
	Type      string `gorm:"type:varchar(32);default:general"`
	CreatorID uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ChatRoom) TableName() string { return "chat_rooms" }

type ChatRoomMember struct {
	ID       uint64 `gorm:"primaryKey"`
	RoomID   uint64 `gorm:"index"`
	MemberID uint64 `gorm:"index"`
	Role     string `gorm:"type:varchar(16);default:member"`
	Status   string `gorm:"type:varchar(16);default:active"`
	JoinedAt time.Time
}

func (ChatRoomMember) TableName() string { return "chat_room_members" }

type ChatMessage struct {
	ID               uint64  `gorm:"primaryKey"`
	RoomID           uint64  `gorm:"index"`
	SenderID         uint64  `gorm:"index"`
	ContentText      string  `gorm:"type:text"`
	MessageType      string  `gorm:"type:varchar(32);default:text"`
	ReplyToMessageID *uint64 `gorm:"column:reply_to_message_id"`
	MessageStatus    string  `gorm:"type:varchar(20);default:sent"`
	SentAt           time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (ChatMessage) TableName() string { return "chat_messages" }

type User struct {
	ID       uint64 `gorm:"primaryKey"`
	Username string `gorm:"type:varchar(64)"`
	Name     string `gorm:"type:varchar(64)"`
}

func (User) TableName() string { return "users" }
