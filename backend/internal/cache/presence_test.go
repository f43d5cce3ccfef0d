package cache

import (
	"context"
	"testing"
	"time"
)

func TestPresenceStoreAddRemove(t *testing.T) {
	mr, primary := newTestRedis(t)
	c := newTestCache(t, primary)
	p := NewPresenceStore(c, 30*time.Minute)
	ctx := context.Background()

	p.Add(ctx, 7, 2)
	p.Add(ctx, 7, 1)
	p.Add(ctx, 8, 3)

	got := p.Members(ctx, 7)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected members %v", got)
	}
	if ttl := mr.TTL(presenceKey(7)); ttl != 30*time.Minute {
		t.Fatalf("expected presence ttl 30m, got %v", ttl)
	}

	p.Remove(ctx, 7, 2)
	p.Remove(ctx, 7, 2) // 幂等
	if got := p.Members(ctx, 7); len(got) != 1 || got[0] != 1 {
		t.Fatalf("unexpected members after remove %v", got)
	}
}

func TestPresenceReconcileSkipsLiveUsers(t *testing.T) {
	_, primary := newTestRedis(t)
	c := newTestCache(t, primary)
	p := NewPresenceStore(c, time.Minute)
	ctx := context.Background()

	for _, u := range []uint64{1, 2, 3} {
		p.Add(ctx, 9, u)
	}
	removed, err := p.Reconcile(ctx, 9, []uint64{1, 2}, func(uid uint64) bool { return uid == 2 })
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(removed) != 1 || removed[0] != 1 {
		t.Fatalf("unexpected removed %v", removed)
	}
	if got := p.Members(ctx, 9); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("unexpected members %v", got)
	}
}

func TestRecentMessageBufferCapsAndOrders(t *testing.T) {
	_, primary := newTestRedis(t)
	c := newTestCache(t, primary)
	r := NewRecentMessageBuffer(c, 3, time.Hour)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		if !r.Push(ctx, RecentMessage{MessageID: i, RoomID: 4, SenderID: 1, Content: "m", Type: "text", CreatedAt: time.Unix(int64(i), 0)}) {
			t.Fatalf("Push %d failed", i)
		}
	}
	got := r.Recent(ctx, 4, 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].MessageID != 5 || got[2].MessageID != 3 {
		t.Fatalf("expected newest first, got %+v", got)
	}
	if got := r.Recent(ctx, 4, 1); len(got) != 1 || got[0].MessageID != 5 {
		t.Fatalf("limit not applied: %+v", got)
	}
	if got := r.Recent(ctx, 99, 10); len(got) != 0 {
		t.Fatalf("expected empty room, got %d", len(got))
	}
}
