package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"chat-gateway/backend/internal/cache"
)

func TestReaperEvictsIdleAndAnnounces(t *testing.T) {
	ctx := context.Background()
	p := newTestPresence(t)
	h := NewHub(p, HubOptions{})
	r := NewReaper(h, p, nil, 30*time.Minute, time.Hour)

	idle, watcher := newFake("idle"), newFake("watcher")
	ci := h.Connect(ctx, idle, 9, 1, "sleepy")
	h.Connect(ctx, watcher, 9, 2, "awake")
	ci.lastActive.Store(time.Now().Add(-31 * time.Minute).UnixNano())

	if n := r.RunOnce(ctx); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if h.IsOnline(9, 1) {
		t.Fatalf("idle user should be removed")
	}
	if got := p.Members(ctx, 9); len(got) != 1 || got[0] != 2 {
		t.Fatalf("presence = %v", got)
	}

	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	if len(watcher.msgs) != 1 {
		t.Fatalf("watcher should receive one user_left, got %d frames", len(watcher.msgs))
	}
	var left UserLeftMessage
	if err := json.Unmarshal(watcher.msgs[0], &left); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if left.Type != TypeUserLeft || left.UserID != 1 || left.Reason != "idle_timeout" {
		t.Fatalf("unexpected frame %+v", left)
	}
	if len(left.OnlineUsers) != 1 || left.OnlineUsers[0] != 2 {
		t.Fatalf("online users = %v", left.OnlineUsers)
	}
}

func TestReaperRunOnceConcurrentCallsShareOnePass(t *testing.T) {
	ctx := context.Background()
	h := NewHub(nil, HubOptions{})
	r := NewReaper(h, nil, nil, time.Minute, time.Hour)
	for u := uint64(1); u <= 20; u++ {
		c := h.Connect(ctx, newFake("x"), 1, u, "")
		c.lastActive.Store(time.Now().Add(-time.Hour).UnixNano())
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := r.RunOnce(ctx)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	// 共享同一轮或后续轮次找不到东西；每条连接只会被回收一次
	if st := h.Stats(); st.TotalConnections != 0 {
		t.Fatalf("all idle conns should be gone, %d left", st.TotalConnections)
	}
	if total < 20 {
		t.Fatalf("expected at least 20 reported evictions, got %d", total)
	}
}

func TestReaperStartStop(t *testing.T) {
	h := NewHub(nil, HubOptions{})
	r := NewReaper(h, nil, nil, time.Millisecond, 5*time.Millisecond)
	c := h.Connect(context.Background(), newFake("x"), 1, 1, "")
	c.lastActive.Store(time.Now().Add(-time.Second).UnixNano())
	r.Start()
	deadline := time.Now().Add(2 * time.Second)
	for h.IsOnline(1, 1) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()
	r.Stop()
	if h.IsOnline(1, 1) {
		t.Fatalf("background reaper should have evicted the conn")
	}
}

func TestReaperRefreshesPresenceOfLiveUsers(t *testing.T) {
	ctx := context.Background()
	c, err := cache.NewResilientCache(nil, cache.Options{FallbackMaxItems: 100})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(c.Stop)
	p := cache.NewPresenceStore(c, 50*time.Millisecond)
	h := NewHub(p, HubOptions{})
	r := NewReaper(h, p, nil, time.Hour, time.Hour)

	h.Connect(ctx, newFake("a"), 3, 1, "")
	h.Connect(ctx, newFake("b"), 3, 2, "")
	time.Sleep(100 * time.Millisecond)
	if got := p.Members(ctx, 3); len(got) != 0 {
		t.Fatalf("presence set should have expired, got %v", got)
	}

	if n := r.RunOnce(ctx); n != 0 {
		t.Fatalf("nothing is idle, evicted %d", n)
	}
	if got := p.Members(ctx, 3); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("presence after reaper pass = %v", got)
	}
}
