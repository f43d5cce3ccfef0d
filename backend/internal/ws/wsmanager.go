package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chat-gateway/backend/internal/authservice"
	"chat-gateway/backend/internal/cache"
	"chat-gateway/backend/internal/chat"
	"chat-gateway/backend/internal/metrics"
)

var defaultAllowedOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

// newUpgrader 允许本地开发环境和配置里的来源
func newUpgrader(allowed []string) websocket.Upgrader {
	if len(allowed) == 0 {
		allowed = defaultAllowedOrigins
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
				return true
			}
			for _, p := range allowed {
				if strings.HasPrefix(origin, p) {
					return true
				}
			}
			return false
		},
	}
}

type GatewayOptions struct {
	MaxContentLength int
	PersistTimeout   time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	AllowedOrigins   []string
	PointsPerMessage int
}

type GatewayDeps struct {
	Hub      *Hub
	Auth     authservice.Authenticator
	Perms    chat.PermissionChecker
	Messages chat.MessageStore
	Recent   cache.RecentMessageBuffer
	Presence cache.PresenceStore
	Names    *chat.NameResolver
	Points   chat.PointsAwarder
	Inflight *chat.Inflight
	Metrics  *metrics.Metrics
}

// Gateway 每条 websocket 会话的入口：握手鉴权、帧分发、会话结束清理
type Gateway struct {
	GatewayDeps
	opts     GatewayOptions
	upgrader websocket.Upgrader
}

func NewGateway(deps GatewayDeps, opts GatewayOptions) *Gateway {
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = 2000
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 3 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 * 1024
	}
	if deps.Inflight == nil {
		deps.Inflight = chat.NewInflight(chat.DefaultInflight)
	}
	return &Gateway{GatewayDeps: deps, opts: opts, upgrader: newUpgrader(opts.AllowedOrigins)}
}

// WebSocketConnect gin 路由：/ws_chat/:room_id?token=...
func (g *Gateway) WebSocketConnect(c *gin.Context) {
	roomID, err := strconv.ParseUint(c.Param("room_id"), 10, 64)
	if err != nil || roomID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ROOM_ID", "message": "room_id must be a positive integer"})
		return
	}
	g.ServeRoom(c.Writer, c.Request, roomID)
}

// handshake 鉴权 + 房间权限；返回 close code 和原因
func (g *Gateway) handshake(ctx context.Context, r *http.Request, roomID uint64) (*authservice.Identity, int, string) {
	id, err := g.Auth.Authenticate(ctx, authservice.ExtractToken(r))
	if err != nil {
		if errors.Is(err, authservice.ErrUpstream) {
			log.Printf("ws: auth upstream error room=%d: %v", roomID, err)
			return nil, websocket.CloseInternalServerErr, "auth unavailable"
		}
		return nil, websocket.ClosePolicyViolation, "invalid token"
	}
	if g.Perms != nil {
		_, _, err := g.Perms.CheckRoomAccess(ctx, roomID, id.UserID)
		switch {
		case err == nil:
		case errors.Is(err, chat.ErrRoomNotFound):
			return nil, websocket.ClosePolicyViolation, "room not found"
		case errors.Is(err, chat.ErrForbidden):
			return nil, websocket.ClosePolicyViolation, "not a member of this room"
		default:
			log.Printf("ws: check room access room=%d user=%d: %v", roomID, id.UserID, err)
			return nil, websocket.CloseInternalServerErr, "permission check failed"
		}
	}
	return id, 0, ""
}

// ServeRoom 升级连接并运行会话，阻塞到会话结束
func (g *Gateway) ServeRoom(w http.ResponseWriter, r *http.Request, roomID uint64) {
	ctx := r.Context()
	id, code, reason := g.handshake(ctx, r, roomID)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, r.Header.Get("Origin"))
		return
	}
	t := newWSTransport(conn, g.opts.WriteTimeout)
	if id == nil {
		// 握手被拒：先升级再用 close code 告知客户端
		log.Printf("ws: reject room=%d code=%d reason=%s remote=%s", roomID, code, reason, t.RemoteAddr())
		_ = t.Close(code, reason)
		return
	}
	conn.SetReadLimit(g.opts.ReadLimit)

	s := newSession(g, t, roomID, id)
	s.run(ctx)
}
