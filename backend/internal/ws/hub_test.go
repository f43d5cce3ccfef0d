package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chat-gateway/backend/internal/cache"
)

type fakeTransport struct {
	mu        sync.Mutex
	name      string
	msgs      [][]byte
	fail      bool
	closed    bool
	closeCode int
}

func newFake(name string) *fakeTransport { return &fakeTransport{name: name} }

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.closed {
		return errors.New("broken pipe")
	}
	f.msgs = append(f.msgs, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
	}
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return f.name }

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// types 返回收到的所有帧的 type 字段
func (f *fakeTransport) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		var v struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(m, &v)
		out = append(out, v.Type)
	}
	return out
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func newTestPresence(t *testing.T) cache.PresenceStore {
	t.Helper()
	c, err := cache.NewResilientCache(nil, cache.Options{FallbackMaxItems: 1000})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(c.Stop)
	return cache.NewPresenceStore(c, time.Minute)
}

func TestConnectSupersedesExistingConnection(t *testing.T) {
	ctx := context.Background()
	p := newTestPresence(t)
	h := NewHub(p, HubOptions{})

	t1, t2 := newFake("t1"), newFake("t2")
	c1 := h.Connect(ctx, t1, 1, 10, "alice")
	c2 := h.Connect(ctx, t2, 1, 10, "alice")

	if !t1.isClosed() {
		t.Fatalf("old transport should be closed")
	}
	if c1.ID() == c2.ID() {
		t.Fatalf("replacement must get a new conn id")
	}
	if c1.Reason() != ReasonSuperseded {
		t.Fatalf("old conn reason = %s", c1.Reason())
	}
	if got := h.OnlineUsers(1); len(got) != 1 || got[0] != 10 {
		t.Fatalf("online users = %v", got)
	}
	if st := h.Stats(); st.TotalConnections != 1 || st.ActiveUsers != 1 {
		t.Fatalf("stats = %+v", st)
	}
	// 旧会话结束不能删掉新连接
	if h.Release(ctx, c1) {
		t.Fatalf("release of superseded conn should be a no-op")
	}
	if !h.IsOnline(1, 10) {
		t.Fatalf("replacement must stay registered")
	}
	if got := p.Members(ctx, 1); len(got) != 1 {
		t.Fatalf("presence should still hold the user, got %v", got)
	}
	if !h.Release(ctx, c2) {
		t.Fatalf("release of current conn should succeed")
	}
	if h.IsOnline(1, 10) {
		t.Fatalf("user should be gone")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := newTestPresence(t)
	h := NewHub(p, HubOptions{})

	tr := newFake("t")
	h.Connect(ctx, tr, 2, 20, "bob")
	h.Disconnect(ctx, 2, 20)
	h.Disconnect(ctx, 2, 20)
	h.Disconnect(ctx, 3, 30) // 从未连接过

	if !tr.isClosed() {
		t.Fatalf("transport should be closed")
	}
	if len(h.OnlineUsers(2)) != 0 || len(h.UserActiveRooms(20)) != 0 {
		t.Fatalf("indices should be empty")
	}
	if got := p.Members(ctx, 2); len(got) != 0 {
		t.Fatalf("presence should be empty, got %v", got)
	}
}

func TestBroadcastIsolatesFailingRecipient(t *testing.T) {
	ctx := context.Background()
	h := NewHub(newTestPresence(t), HubOptions{FanoutLimit: 2})

	good1, bad, good2, sender := newFake("g1"), newFake("bad"), newFake("g2"), newFake("s")
	h.Connect(ctx, good1, 5, 1, "u1")
	h.Connect(ctx, bad, 5, 2, "u2")
	h.Connect(ctx, good2, 5, 3, "u3")
	h.Connect(ctx, sender, 5, 4, "u4")
	other := newFake("other-room")
	h.Connect(ctx, other, 6, 1, "u1")

	bad.mu.Lock()
	bad.fail = true
	bad.mu.Unlock()

	n := h.Broadcast(ctx, 5, []byte(`{"type":"typing_indicator"}`), 4)
	if n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if good1.count() != 1 || good2.count() != 1 {
		t.Fatalf("healthy recipients must receive the frame")
	}
	if got := good1.types(); got[0] != TypeTypingIndicator {
		t.Fatalf("frame types = %v", got)
	}
	if sender.count() != 0 {
		t.Fatalf("excluded user must not receive the frame")
	}
	if other.count() != 0 {
		t.Fatalf("other rooms must not receive the frame")
	}
	if h.IsOnline(5, 2) {
		t.Fatalf("failing recipient should be removed")
	}
	if got := h.OnlineUsers(5); len(got) != 3 {
		t.Fatalf("online users = %v", got)
	}
}

func TestSendRemovesOnFailure(t *testing.T) {
	ctx := context.Background()
	h := NewHub(nil, HubOptions{})
	tr := newFake("t")
	h.Connect(ctx, tr, 1, 1, "a")
	if !h.Send(ctx, 1, 1, []byte(`{}`)) {
		t.Fatalf("send should succeed")
	}
	tr.mu.Lock()
	tr.fail = true
	tr.mu.Unlock()
	if h.Send(ctx, 1, 1, []byte(`{}`)) {
		t.Fatalf("send should fail")
	}
	if h.IsOnline(1, 1) {
		t.Fatalf("failed conn should be removed")
	}
	if h.Send(ctx, 1, 1, []byte(`{}`)) {
		t.Fatalf("send to absent user should report false")
	}
}

func TestUserActiveRoomsAndStats(t *testing.T) {
	ctx := context.Background()
	h := NewHub(nil, HubOptions{})
	h.Connect(ctx, newFake("a"), 3, 7, "x")
	h.Connect(ctx, newFake("b"), 1, 7, "x")
	h.Connect(ctx, newFake("c"), 1, 8, "y")

	rooms := h.UserActiveRooms(7)
	if len(rooms) != 2 || rooms[0] != 1 || rooms[1] != 3 {
		t.Fatalf("rooms = %v", rooms)
	}
	st := h.Stats()
	if st.TotalConnections != 3 || st.ActiveRooms != 2 || st.ActiveUsers != 2 || st.Rooms[1] != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	p := newTestPresence(t)
	h := NewHub(p, HubOptions{})

	idle, active := newFake("idle"), newFake("active")
	ci := h.Connect(ctx, idle, 1, 1, "idle")
	h.Connect(ctx, active, 1, 2, "active")
	ci.lastActive.Store(time.Now().Add(-time.Hour).UnixNano())

	if n := h.CleanupExpired(ctx, 30*time.Minute); n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}
	if !idle.isClosed() || active.isClosed() {
		t.Fatalf("only the idle transport should be closed")
	}
	if ci.Reason() != ReasonIdle {
		t.Fatalf("reason = %s", ci.Reason())
	}
	if got := p.Members(ctx, 1); len(got) != 1 || got[0] != 2 {
		t.Fatalf("presence = %v", got)
	}
	if n := h.CleanupExpired(ctx, 30*time.Minute); n != 0 {
		t.Fatalf("second pass should find nothing, got %d", n)
	}
}

func TestHubConcurrentConnectDisconnect(t *testing.T) {
	ctx := context.Background()
	h := NewHub(nil, HubOptions{})
	var wg sync.WaitGroup
	for r := uint64(1); r <= 16; r++ {
		for u := uint64(1); u <= 16; u++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c := h.Connect(ctx, newFake(fmt.Sprintf("%d-%d", r, u)), r, u, "")
				h.Broadcast(ctx, r, []byte(`{}`), 0)
				if u%2 == 0 {
					h.Release(ctx, c)
				}
			}()
		}
	}
	wg.Wait()
	st := h.Stats()
	if st.TotalConnections != 16*8 {
		t.Fatalf("expected %d connections, got %d", 16*8, st.TotalConnections)
	}
	for u := uint64(1); u <= 16; u++ {
		want := 0
		if u%2 == 1 {
			want = 16
		}
		if got := len(h.UserActiveRooms(u)); got != want {
			t.Fatalf("user %d rooms = %d, want %d", u, got, want)
		}
	}
}

// slowTransport 每次写都要等 delay，用来观察广播是否并发
type slowTransport struct {
	fakeTransport
	delay time.Duration
}

func (s *slowTransport) WriteMessage(data []byte) error {
	time.Sleep(s.delay)
	return s.fakeTransport.WriteMessage(data)
}

func TestBroadcastLatencyTracksSlowestRecipient(t *testing.T) {
	ctx := context.Background()
	h := NewHub(nil, HubOptions{})
	recipients := make([]*slowTransport, 10)
	for i := range recipients {
		recipients[i] = &slowTransport{delay: 200 * time.Millisecond}
		h.Connect(ctx, recipients[i], 1, uint64(i+1), "")
	}

	start := time.Now()
	n := h.Broadcast(ctx, 1, []byte(`{"type":"new_message"}`), 0)
	elapsed := time.Since(start)

	if n != len(recipients) {
		t.Fatalf("delivered = %d", n)
	}
	// 串行发送需要 2s
	if elapsed > time.Second {
		t.Fatalf("broadcast took %v, recipients were not written in parallel", elapsed)
	}
	for i, r := range recipients {
		if r.count() != 1 {
			t.Fatalf("recipient %d got %d frames", i, r.count())
		}
	}
}

func TestPresenceFollowsRegistryAfterLateSync(t *testing.T) {
	ctx := context.Background()
	p := newTestPresence(t)
	h := NewHub(p, HubOptions{})

	c1 := h.Connect(ctx, newFake("t1"), 4, 40, "")
	// 旧会话的注册表删除先完成，新连接随后注册，旧会话的 presence 同步最后才执行
	if !h.removeIfCurrent(c1) {
		t.Fatalf("c1 should be current")
	}
	h.Connect(ctx, newFake("t2"), 4, 40, "")
	h.syncPresence(ctx, 4, 40)

	if got := p.Members(ctx, 4); len(got) != 1 || got[0] != 40 {
		t.Fatalf("live user missing from presence: %v", got)
	}
}

func TestPresenceConsistentUnderConcurrentChurn(t *testing.T) {
	ctx := context.Background()
	p := newTestPresence(t)
	h := NewHub(p, HubOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			c := h.Connect(ctx, newFake("a"), 6, 1, "")
			h.Release(ctx, c)
		}()
		go func() {
			defer wg.Done()
			h.Connect(ctx, newFake("b"), 6, 1, "")
		}()
		go func() {
			defer wg.Done()
			h.Disconnect(ctx, 6, 1)
		}()
	}
	wg.Wait()

	online := h.IsOnline(6, 1)
	inPresence := len(p.Members(ctx, 6)) == 1
	if online != inPresence {
		t.Fatalf("registry online=%v but presence=%v", online, inPresence)
	}
}
