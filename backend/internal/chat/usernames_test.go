package chat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"chat-gateway/backend/internal/cache"
)

type fakeDirectory struct {
	names map[uint64]string
	calls atomic.Int32
	err   error
}

func (f *fakeDirectory) DisplayName(ctx context.Context, userID uint64) (string, bool, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", false, f.err
	}
	n, ok := f.names[userID]
	return n, ok, nil
}

func newMemCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.NewResilientCache(nil, cache.Options{FallbackMaxItems: 100})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func TestNameResolverCachesHitsAndMisses(t *testing.T) {
	dir := &fakeDirectory{names: map[uint64]string{1: "alice"}}
	r := NewNameResolver(newMemCache(t), dir)
	ctx := context.Background()

	if got := r.Resolve(ctx, 1); got != "alice" {
		t.Fatalf("got %q", got)
	}
	if got := r.Resolve(ctx, 1); got != "alice" {
		t.Fatalf("got %q", got)
	}
	if got := r.Resolve(ctx, 2); got != "user_2" {
		t.Fatalf("got %q", got)
	}
	r.Resolve(ctx, 2)
	if n := dir.calls.Load(); n != 2 {
		t.Fatalf("expected 2 directory lookups, got %d", n)
	}
}

func TestNameResolverDirectoryError(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("db down")}
	r := NewNameResolver(newMemCache(t), dir)
	if got := r.Resolve(context.Background(), 5); got != "user_5" {
		t.Fatalf("got %q", got)
	}
}
