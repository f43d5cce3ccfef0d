package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"chat-gateway/backend/internal/authservice"
	"chat-gateway/backend/internal/cache"
	"chat-gateway/backend/internal/chat"
	"chat-gateway/backend/internal/httpapi/middleware"
	"chat-gateway/backend/internal/ws"
)

const secret = "handler-secret"

type fakePerms struct{}

func (fakePerms) CheckRoomAccess(ctx context.Context, roomID, userID uint64) (*chat.Room, *chat.Membership, error) {
	if roomID == 404 {
		return nil, nil, chat.ErrRoomNotFound
	}
	if userID == 99 {
		return nil, nil, chat.ErrForbidden
	}
	return &chat.Room{ID: roomID}, &chat.Membership{RoomID: roomID, UserID: userID}, nil
}

type fakeStats struct{}

func (fakeStats) Stats() ws.Stats {
	return ws.Stats{TotalConnections: 3, ActiveRooms: 2, ActiveUsers: 3, Rooms: map[uint64]int{1: 2, 2: 1}}
}

func newRouter(t *testing.T) (*gin.Engine, cache.RecentMessageBuffer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, err := cache.NewResilientCache(nil, cache.Options{FallbackMaxItems: 100})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(c.Stop)
	recent := cache.NewRecentMessageBuffer(c, 10, time.Hour)
	h := NewChatHandler(recent, fakePerms{}, fakeStats{}, c)

	r := gin.New()
	RegisterRoutes(r, h, middleware.AuthMiddleware(authservice.NewJWTAuthenticator(secret)))
	return r, recent
}

func do(t *testing.T, r http.Handler, path string, userID uint64) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if userID != 0 {
		tok, _, err := authservice.SignAccessToken([]byte(secret), userID, "u", time.Hour)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRecentMessages(t *testing.T) {
	r, recent := newRouter(t)
	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		recent.Push(ctx, cache.RecentMessage{MessageID: i, RoomID: 1, SenderID: 1, Content: "m", Type: "text", CreatedAt: time.Now()})
	}

	w := do(t, r, "/chat/rooms/1/recent?limit=2", 1)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var body struct {
		Count    int                   `json:"count"`
		Messages []cache.RecentMessage `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || body.Messages[0].MessageID != 3 || body.Messages[1].MessageID != 2 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestRecentMessagesErrors(t *testing.T) {
	r, _ := newRouter(t)
	cases := []struct {
		path string
		user uint64
		want int
	}{
		{"/chat/rooms/1/recent", 0, http.StatusUnauthorized},
		{"/chat/rooms/abc/recent", 1, http.StatusBadRequest},
		{"/chat/rooms/1/recent?limit=-1", 1, http.StatusBadRequest},
		{"/chat/rooms/404/recent", 1, http.StatusNotFound},
		{"/chat/rooms/1/recent", 99, http.StatusForbidden},
	}
	for _, tc := range cases {
		if w := do(t, r, tc.path, tc.user); w.Code != tc.want {
			t.Fatalf("%s user=%d: status = %d, want %d", tc.path, tc.user, w.Code, tc.want)
		}
	}
}

func TestStatsAndCacheHealth(t *testing.T) {
	r, _ := newRouter(t)

	w := do(t, r, "/chat/stats", 1)
	var st ws.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.TotalConnections != 3 || st.Rooms[1] != 2 {
		t.Fatalf("stats = %+v", st)
	}

	// 没有 Redis，只有兜底存储
	w = do(t, r, "/chat/cache/health", 1)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	var rep cache.HealthReport
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Status != "degraded" || rep.Backend != "memory" {
		t.Fatalf("report = %+v", rep)
	}
}

func TestStatsAndCacheHealthRequireAuth(t *testing.T) {
	r, _ := newRouter(t)
	for _, path := range []string{"/chat/stats", "/chat/cache/health"} {
		if w := do(t, r, path, 0); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: status = %d, want 401", path, w.Code)
		}
	}
}
