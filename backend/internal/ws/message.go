package ws

import "time"

// 入站帧类型
const (
	TypeChatMessage    = "chat_message"
	TypeTyping         = "typing"
	TypePing           = "ping"
	TypeGetOnlineUsers = "get_online_users"
)

// 出站帧类型
const (
	TypeConnectionEstablished = "connection_established"
	TypeNewMessage            = "new_message"
	TypeUserJoined            = "user_joined"
	TypeUserLeft              = "user_left"
	TypeTypingIndicator       = "typing_indicator"
	TypePong                  = "pong"
	TypeOnlineUsers           = "online_users"
	TypeError                 = "error"
)

// 错误帧 code
const (
	CodeInvalidJSON        = "INVALID_JSON"
	CodeUnknownType        = "UNKNOWN_TYPE"
	CodeEmptyContent       = "EMPTY_CONTENT"
	CodeContentTooLong     = "CONTENT_TOO_LONG"
	CodeInvalidMessageType = "INVALID_MESSAGE_TYPE"
	CodeRoomNotFound       = "ROOM_NOT_FOUND"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeSendFailed         = "SEND_FAILED"
	CodeServerBusy         = "SERVER_BUSY"
)

type ClientMessage struct {
	Type        string  `json:"type"`
	Content     string  `json:"content,omitempty"`
	MessageType string  `json:"message_type,omitempty"`
	ReplyToID   *uint64 `json:"reply_to_id,omitempty"`
	IsTyping    *bool   `json:"is_typing,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func timestamp() string { return time.Now().UTC().Format(time.RFC3339) }

type ConnectionEstablishedMessage struct {
	Type        string   `json:"type"` // 固定 "connection_established"
	RoomID      uint64   `json:"room_id"`
	UserID      uint64   `json:"user_id"`
	Username    string   `json:"username"`
	OnlineUsers []uint64 `json:"online_users"`
	Message     string   `json:"message"`
	Timestamp   string   `json:"timestamp"`
}

type UserJoinedMessage struct {
	Type        string   `json:"type"`
	RoomID      uint64   `json:"room_id"`
	UserID      uint64   `json:"user_id"`
	Username    string   `json:"username"`
	OnlineUsers []uint64 `json:"online_users"`
	Timestamp   string   `json:"timestamp"`
}

type UserLeftMessage struct {
	Type        string   `json:"type"`
	RoomID      uint64   `json:"room_id"`
	UserID      uint64   `json:"user_id"`
	Username    string   `json:"username"`
	OnlineUsers []uint64 `json:"online_users"`
	Reason      string   `json:"reason,omitempty"`
	Timestamp   string   `json:"timestamp"`
}

type NewChatMessage struct {
	Type        string  `json:"type"` // 固定 "new_message"
	MessageID   uint64  `json:"message_id"`
	RoomID      uint64  `json:"room_id"`
	SenderID    uint64  `json:"sender_id"`
	SenderName  string  `json:"sender_name"`
	Content     string  `json:"content"`
	ContentType string  `json:"message_type"`
	ReplyToID   *uint64 `json:"reply_to_id"`
	CreatedAt   string  `json:"created_at"`
	Timestamp   string  `json:"timestamp"`
}

type TypingIndicatorMessage struct {
	Type      string `json:"type"`
	RoomID    uint64 `json:"room_id"`
	UserID    uint64 `json:"user_id"`
	Username  string `json:"username"`
	IsTyping  bool   `json:"is_typing"`
	Timestamp string `json:"timestamp"`
}

type PongMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type OnlineUsersMessage struct {
	Type      string   `json:"type"`
	RoomID    uint64   `json:"room_id"`
	Users     []uint64 `json:"users"`
	Count     int      `json:"count"`
	Timestamp string   `json:"timestamp"`
}

type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (m ConnectionEstablishedMessage) MessageType() string { return m.Type }
func (m UserJoinedMessage) MessageType() string            { return m.Type }
func (m UserLeftMessage) MessageType() string              { return m.Type }
func (m NewChatMessage) MessageType() string               { return m.Type }
func (m TypingIndicatorMessage) MessageType() string       { return m.Type }
func (m PongMessage) MessageType() string                  { return m.Type }
func (m OnlineUsersMessage) MessageType() string           { return m.Type }
func (m ErrorMessage) MessageType() string                 { return m.Type }

func newError(code, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: message, Timestamp: timestamp()}
}
