package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-gateway/backend/internal/cache"
	"chat-gateway/backend/internal/chat"
	"chat-gateway/backend/internal/httpapi/middleware"
	"chat-gateway/backend/internal/ws"
)

type statsSource interface {
	Stats() ws.Stats
}

type healthSource interface {
	Health(ctx context.Context) cache.HealthReport
}

// ChatHandler 聊天网关的只读 HTTP 接口
type ChatHandler struct {
	recent cache.RecentMessageBuffer
	perms  chat.PermissionChecker
	stats  statsSource
	health healthSource
}

func NewChatHandler(recent cache.RecentMessageBuffer, perms chat.PermissionChecker, stats statsSource, health healthSource) *ChatHandler {
	return &ChatHandler{recent: recent, perms: perms, stats: stats, health: health}
}

// RegisterRoutes 挂载 /chat 下的接口，全部要求登录：
// 连接统计和缓存状态同样不对匿名用户开放
func RegisterRoutes(r gin.IRouter, h *ChatHandler, auth gin.HandlerFunc) {
	api := r.Group("/chat", auth)
	api.GET("/stats", h.Stats())
	api.GET("/cache/health", h.CacheHealth())
	api.GET("/rooms/:room_id/recent", h.RecentMessages())
}

// RecentMessages GET /chat/rooms/:room_id/recent?limit=50
// 只读缓存，缓存不可用时返回空列表
func (h *ChatHandler) RecentMessages() gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID, err := strconv.ParseUint(c.Param("room_id"), 10, 64)
		if err != nil || roomID == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ROOM_ID", "message": "room_id must be a positive integer"})
			return
		}
		userID, ok := middleware.UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "unauthorized"})
			return
		}
		limit := 50
		if s := c.Query("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_LIMIT", "message": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		if h.perms != nil {
			if _, _, err := h.perms.CheckRoomAccess(c.Request.Context(), roomID, userID); err != nil {
				switch {
				case errors.Is(err, chat.ErrRoomNotFound):
					c.JSON(http.StatusNotFound, gin.H{"code": "ROOM_NOT_FOUND", "message": "room not found"})
				case errors.Is(err, chat.ErrForbidden):
					c.JSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "not a member of this room"})
				default:
					log.Printf("recent: check room access room=%d user=%d: %v", roomID, userID, err)
					c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "permission check failed"})
				}
				return
			}
		}

		msgs := h.recent.Recent(c.Request.Context(), roomID, limit)
		c.JSON(http.StatusOK, gin.H{"room_id": roomID, "messages": msgs, "count": len(msgs)})
	}
}

// Stats GET /chat/stats
func (h *ChatHandler) Stats() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, h.stats.Stats())
	}
}

// CacheHealth GET /chat/cache/health；降级时返回 503，方便探针识别
func (h *ChatHandler) CacheHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		rep := h.health.Health(c.Request.Context())
		status := http.StatusOK
		if rep.Status != cache.StateHealthy.String() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, rep)
	}
}
