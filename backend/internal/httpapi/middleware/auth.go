package middleware

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chat-gateway/backend/internal/authservice"
)

// AuthMiddleware 校验 token，把 userId/username 写进 gin.Context
func AuthMiddleware(auth authservice.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := authservice.ExtractToken(c.Request)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 1200*time.Millisecond)
		defer cancel()

		id, err := auth.Authenticate(ctx, tokenString)
		if err != nil {
			if errors.Is(err, authservice.ErrUpstream) {
				log.Printf("auth: upstream verify failed: %v", err)
				c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
					"code":    "AUTH_UPSTREAM_ERROR",
					"message": "auth-service verify failed",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "invalid token",
			})
			return
		}

		c.Set("userId", id.UserID)
		c.Set("username", id.Username)
		c.Next()
	}
}

// UserID 取出中间件写入的用户 id
func UserID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get("userId")
	if !ok {
		return 0, false
	}
	uid, ok := v.(uint64)
	return uid, ok
}
