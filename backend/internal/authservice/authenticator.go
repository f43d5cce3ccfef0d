package authservice

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingToken = errors.New("UNAUTHENTICATED")
	ErrInvalidToken = errors.New("INVALID_TOKEN")
	ErrUpstream     = errors.New("AUTH_UPSTREAM_ERROR")
)

type Identity struct {
	UserID   uint64
	Username string
}

// Authenticator 校验 bearer token 并解析出用户身份
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// ExtractToken 先看 Authorization 头；
// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
func ExtractToken(r *http.Request) string {
	if tok := extractBearer(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}
