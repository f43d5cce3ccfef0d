package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"chat-gateway/backend/internal/authservice"
	"chat-gateway/backend/internal/cache"
	"chat-gateway/backend/internal/chat"
)

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateEstablished
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var allowedMessageTypes = map[string]struct{}{
	"text": {}, "image": {}, "video": {}, "audio": {}, "file": {},
}

// session 一条已鉴权的连接。帧严格按顺序处理：一帧的广播完成后才读下一帧。
type session struct {
	g        *Gateway
	t        *wsTransport
	roomID   uint64
	userID   uint64
	username string
	conn     *Conn
	state    atomic.Int32
}

func newSession(g *Gateway, t *wsTransport, roomID uint64, id *authservice.Identity) *session {
	return &session{g: g, t: t, roomID: roomID, userID: id.UserID, username: id.Username}
}

func (s *session) State() SessionState { return SessionState(s.state.Load()) }

func (s *session) setState(to SessionState) { s.state.Store(int32(to)) }

func (s *session) run(ctx context.Context) {
	hub := s.g.Hub
	s.conn = hub.Connect(ctx, s.t, s.roomID, s.userID, s.username)
	s.setState(StateEstablished)
	log.Printf("ws: established room=%d user=%d conn=%d remote=%s", s.roomID, s.userID, s.conn.id, s.t.RemoteAddr())

	online := s.onlineUsers(ctx)
	s.reply(ctx, ConnectionEstablishedMessage{
		Type:        TypeConnectionEstablished,
		RoomID:      s.roomID,
		UserID:      s.userID,
		Username:    s.username,
		OnlineUsers: online,
		Message:     "connected",
		Timestamp:   timestamp(),
	})
	hub.BroadcastMessage(ctx, s.roomID, UserJoinedMessage{
		Type:        TypeUserJoined,
		RoomID:      s.roomID,
		UserID:      s.userID,
		Username:    s.username,
		OnlineUsers: online,
		Timestamp:   timestamp(),
	}, s.userID)

	s.readLoop(ctx)
	s.teardown(context.WithoutCancel(ctx))
}

func (s *session) readLoop(ctx context.Context) {
	for {
		data, err := s.t.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				s.conn.Reason() == ReasonNone {
				log.Printf("read error (user=%d, room=%d): %v", s.userID, s.roomID, err)
			}
			return
		}
		s.conn.Touch()
		s.dispatch(ctx, data)
		if s.conn.Reason() != ReasonNone {
			// 处理过程中连接已被替换或移除
			return
		}
	}
}

func (s *session) dispatch(ctx context.Context, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.reply(ctx, newError(CodeInvalidJSON, "message must be a JSON object"))
		return
	}
	switch msg.Type {
	case TypeChatMessage:
		s.handleChatMessage(ctx, msg)
	case TypeTyping:
		isTyping := msg.IsTyping != nil && *msg.IsTyping
		s.g.Hub.BroadcastMessage(ctx, s.roomID, TypingIndicatorMessage{
			Type:      TypeTypingIndicator,
			RoomID:    s.roomID,
			UserID:    s.userID,
			Username:  s.username,
			IsTyping:  isTyping,
			Timestamp: timestamp(),
		}, s.userID)
	case TypePing:
		s.reply(ctx, PongMessage{Type: TypePong, Timestamp: timestamp()})
	case TypeGetOnlineUsers:
		users := s.onlineUsers(ctx)
		s.reply(ctx, OnlineUsersMessage{
			Type:      TypeOnlineUsers,
			RoomID:    s.roomID,
			Users:     users,
			Count:     len(users),
			Timestamp: timestamp(),
		})
	default:
		s.reply(ctx, newError(CodeUnknownType, "unknown message type: "+msg.Type))
	}
}

func (s *session) handleChatMessage(ctx context.Context, msg ClientMessage) {
	g := s.g
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		g.Metrics.Message("rejected")
		s.reply(ctx, newError(CodeEmptyContent, "message content is empty"))
		return
	}
	if utf8.RuneCountInString(content) > g.opts.MaxContentLength {
		g.Metrics.Message("rejected")
		s.reply(ctx, newError(CodeContentTooLong, "message content is too long"))
		return
	}
	kind := msg.MessageType
	if kind == "" {
		kind = "text"
	}
	if _, ok := allowedMessageTypes[kind]; !ok {
		g.Metrics.Message("rejected")
		s.reply(ctx, newError(CodeInvalidMessageType, "unsupported message_type: "+kind))
		return
	}

	persistCtx, cancel := context.WithTimeout(ctx, g.opts.PersistTimeout)
	defer cancel()

	var stored *chat.StoredMessage
	err := g.Inflight.Do(persistCtx, func() error {
		var err error
		stored, err = g.Messages.CreateMessage(persistCtx, chat.NewMessage{
			RoomID:    s.roomID,
			SenderID:  s.userID,
			Content:   content,
			Type:      kind,
			ReplyToID: msg.ReplyToID,
		})
		return err
	})
	if err != nil {
		g.Metrics.Message("failed")
		switch {
		case errors.Is(err, chat.ErrBusy):
			s.reply(ctx, newError(CodeServerBusy, "server busy, retry later"))
		case errors.Is(err, chat.ErrRoomNotFound):
			s.reply(ctx, newError(CodeRoomNotFound, "room not found"))
		case errors.Is(err, chat.ErrPermissionDenied):
			s.reply(ctx, newError(CodePermissionDenied, "not an active member of this room"))
		default:
			log.Printf("persist message room=%d user=%d: %v", s.roomID, s.userID, err)
			s.reply(ctx, newError(CodeSendFailed, "failed to save message"))
		}
		return
	}
	g.Metrics.Message("persisted")

	senderName := s.senderName(ctx)
	createdAt := stored.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if g.Recent != nil {
		g.Recent.Push(ctx, cache.RecentMessage{
			MessageID:  stored.ID,
			RoomID:     s.roomID,
			SenderID:   s.userID,
			SenderName: senderName,
			Content:    content,
			Type:       kind,
			ReplyToID:  msg.ReplyToID,
			CreatedAt:  createdAt,
		})
	}
	g.Hub.BroadcastMessage(ctx, s.roomID, NewChatMessage{
		Type:        TypeNewMessage,
		MessageID:   stored.ID,
		RoomID:      s.roomID,
		SenderID:    s.userID,
		SenderName:  senderName,
		Content:     content,
		ContentType: kind,
		ReplyToID:   msg.ReplyToID,
		CreatedAt:   createdAt.UTC().Format(time.RFC3339),
		Timestamp:   timestamp(),
	}, 0)

	// 积分是旁路，失败不影响消息
	if g.Points != nil && g.opts.PointsPerMessage > 0 {
		g.Points.Award(ctx, s.userID, s.roomID, "send_message", g.opts.PointsPerMessage)
	}
}

func (s *session) senderName(ctx context.Context) string {
	if s.g.Names != nil {
		return s.g.Names.Resolve(ctx, s.userID)
	}
	return s.username
}

// onlineUsers 本节点注册表 ∪ presence（其他节点上的用户）
func (s *session) onlineUsers(ctx context.Context) []uint64 {
	return mergeOnline(ctx, s.g.Hub.OnlineUsers(s.roomID), s.g.Presence, s.roomID)
}

func mergeOnline(ctx context.Context, local []uint64, p cache.PresenceStore, roomID uint64) []uint64 {
	if p == nil {
		return local
	}
	seen := make(map[uint64]struct{}, len(local))
	out := make([]uint64, 0, len(local))
	for _, u := range local {
		seen[u] = struct{}{}
		out = append(out, u)
	}
	for _, u := range p.Members(ctx, roomID) {
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// reply 只发给自己；失败时连接被移除，读循环随后退出
func (s *session) reply(ctx context.Context, msg OutboundMessage) {
	s.g.Hub.SendMessage(ctx, s.conn, msg)
}

// teardown 只执行一次：释放注册表和 presence，必要时广播 user_left
func (s *session) teardown(ctx context.Context) {
	if SessionState(s.state.Swap(int32(StateClosed))) == StateClosed {
		return
	}
	s.g.Hub.Release(ctx, s.conn)
	_ = s.t.Close(websocket.CloseNormalClosure, "")

	reason := s.conn.Reason()
	log.Printf("ws: closed room=%d user=%d conn=%d reason=%s", s.roomID, s.userID, s.conn.id, reason)
	if !reason.announcesLeave() {
		return
	}
	s.g.Hub.BroadcastMessage(ctx, s.roomID, UserLeftMessage{
		Type:        TypeUserLeft,
		RoomID:      s.roomID,
		UserID:      s.userID,
		Username:    s.username,
		OnlineUsers: s.onlineUsers(ctx),
		Timestamp:   timestamp(),
	}, s.userID)
}
