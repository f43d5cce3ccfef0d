package ws

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// CloseReason 连接被关闭的原因，决定会话结束时是否广播 user_left
type CloseReason int32

const (
	ReasonNone         CloseReason = iota
	ReasonClientClosed             // 客户端断开 / 读失败
	ReasonSuperseded               // 同一用户在同一房间建立了新连接
	ReasonIdle                     // 空闲超时被回收
	ReasonSendFailed               // 写失败被移除
	ReasonDisconnected             // 服务端主动 Disconnect
	ReasonShutdown
)

func (r CloseReason) String() string {
	switch r {
	case ReasonClientClosed:
		return "client_closed"
	case ReasonSuperseded:
		return "superseded"
	case ReasonIdle:
		return "idle_timeout"
	case ReasonSendFailed:
		return "send_failed"
	case ReasonDisconnected:
		return "disconnected"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

// announcesLeave 被替换或被回收的连接不由会话广播 user_left
func (r CloseReason) announcesLeave() bool {
	return r != ReasonSuperseded && r != ReasonIdle
}

// Conn 注册表里的一条连接
type Conn struct {
	id          uint64
	RoomID      uint64
	UserID      uint64
	Username    string
	ConnectedAt time.Time

	t          Transport
	lastActive atomic.Int64 // unix nano
	reason     atomic.Int32
}

func newConn(id uint64, t Transport, roomID, userID uint64, username string) *Conn {
	now := time.Now()
	c := &Conn{id: id, RoomID: roomID, UserID: userID, Username: username, ConnectedAt: now, t: t}
	c.lastActive.Store(now.UnixNano())
	return c
}

func (c *Conn) ID() uint64 { return c.id }

// Touch 收到入站帧或成功写出后刷新活跃时间
func (c *Conn) Touch() { c.lastActive.Store(time.Now().UnixNano()) }

func (c *Conn) LastActivity() time.Time { return time.Unix(0, c.lastActive.Load()) }

func (c *Conn) idleFor(now time.Time) time.Duration { return now.Sub(c.LastActivity()) }

func (c *Conn) Reason() CloseReason { return CloseReason(c.reason.Load()) }

func (c *Conn) send(payload []byte) error {
	if err := c.t.WriteMessage(payload); err != nil {
		return err
	}
	c.Touch()
	return nil
}

// close 第一次设置的原因生效，返回是否是本次关闭的
func (c *Conn) close(reason CloseReason) bool {
	if !c.reason.CompareAndSwap(int32(ReasonNone), int32(reason)) {
		return false
	}
	code := websocket.CloseNormalClosure
	if reason == ReasonShutdown {
		code = websocket.CloseGoingAway
	}
	_ = c.t.Close(code, reason.String())
	return true
}
